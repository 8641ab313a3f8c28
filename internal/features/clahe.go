//go:build !cgo

package features

import (
	"image"
	"math"
)

// EqualizeAdaptive applies contrast limited adaptive histogram equalization
// over a tiles x tiles grid. Each tile histogram is clipped at clipLimit times
// the mean bin height, the excess is spread over all bins, and pixel values
// are bilinearly interpolated between the four nearest tile mappings.
func EqualizeAdaptive(src *image.Gray, clipLimit float64, tiles int) *image.Gray {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if w == 0 || h == 0 || tiles <= 0 {
		return src
	}
	tilesX := min(tiles, w)
	tilesY := min(tiles, h)
	tileW := (w + tilesX - 1) / tilesX
	tileH := (h + tilesY - 1) / tilesY
	tilesX = (w + tileW - 1) / tileW
	tilesY = (h + tileH - 1) / tileH

	luts := make([][256]uint8, tilesX*tilesY)
	for ty := range tilesY {
		for tx := range tilesX {
			x0, y0 := tx*tileW, ty*tileH
			x1, y1 := min(x0+tileW, w), min(y0+tileH, h)
			luts[ty*tilesX+tx] = tileMapping(src, x0, y0, x1, y1, clipLimit)
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		fy := (float64(y)+0.5)/float64(tileH) - 0.5
		ty0 := int(math.Floor(fy))
		wy := fy - float64(ty0)
		ty1 := min(ty0+1, tilesY-1)
		ty0 = max(ty0, 0)
		if fy < 0 {
			wy = 0
		}

		for x := range w {
			fx := (float64(x)+0.5)/float64(tileW) - 0.5
			tx0 := int(math.Floor(fx))
			wx := fx - float64(tx0)
			tx1 := min(tx0+1, tilesX-1)
			tx0 = max(tx0, 0)
			if fx < 0 {
				wx = 0
			}

			v := src.Pix[y*src.Stride+x]
			v00 := float64(luts[ty0*tilesX+tx0][v])
			v01 := float64(luts[ty0*tilesX+tx1][v])
			v10 := float64(luts[ty1*tilesX+tx0][v])
			v11 := float64(luts[ty1*tilesX+tx1][v])

			top := v00*(1-wx) + v01*wx
			bottom := v10*(1-wx) + v11*wx
			dst.Pix[y*dst.Stride+x] = uint8(math.Round(top*(1-wy) + bottom*wy))
		}
	}
	return dst
}

// tileMapping builds the clipped cumulative mapping for one tile.
func tileMapping(src *image.Gray, x0, y0, x1, y1 int, clipLimit float64) [256]uint8 {
	var hist [256]int
	for y := y0; y < y1; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+x1]
		for _, v := range row[x0:] {
			hist[v]++
		}
	}
	area := (x1 - x0) * (y1 - y0)

	if clipLimit > 0 {
		limit := max(int(clipLimit*float64(area)/256), 1)
		excess := 0
		for i := range hist {
			if hist[i] > limit {
				excess += hist[i] - limit
				hist[i] = limit
			}
		}
		batch := excess / 256
		residual := excess - batch*256
		for i := range hist {
			hist[i] += batch
		}
		if residual > 0 {
			step := max(256/residual, 1)
			for i := 0; i < 256 && residual > 0; i += step {
				hist[i]++
				residual--
			}
		}
	}

	var lut [256]uint8
	scale := 255.0 / float64(area)
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = uint8(min(math.Round(float64(sum)*scale), 255))
	}
	return lut
}
