//go:build !cgo

package features

import (
	"image"
	"math"
)

const (
	siftImageBorder       = 5
	siftMaxInterpSteps    = 5
	siftOriHistBins       = 36
	siftOriSigmaFactor    = 1.5
	siftOriRadiusFactor   = 3 * siftOriSigmaFactor
	siftOriPeakRatio      = 0.8
	siftDescrWidth        = 4
	siftDescrHistBins     = 8
	siftDescrScaleFactor  = 3.0
	siftDescrMagThreshold = 0.2
	siftDescrIntFactor    = 512.0
	siftInitSigma         = 0.5
)

// plane is a single-channel float image in row-major order.
type plane struct {
	w, h int
	pix  []float32
}

func newPlane(w, h int) *plane {
	return &plane{w: w, h: h, pix: make([]float32, w*h)}
}

func (p *plane) at(x, y int) float32 {
	return p.pix[y*p.w+x]
}

func planeFromGray(g *image.Gray) *plane {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	p := newPlane(w, h)
	for y := range h {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			p.pix[y*w+x] = float32(v) / 255
		}
	}
	return p
}

// gaussianKernel returns a normalized 1-D kernel covering +-3 sigma.
func gaussianKernel(sigma float64) []float32 {
	radius := max(int(math.Ceil(3*sigma)), 1)
	k := make([]float32, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = float32(v)
		sum += v
	}
	for i := range k {
		k[i] /= float32(sum)
	}
	return k
}

// blur applies a separable gaussian with replicated borders.
func blur(src *plane, sigma float64) *plane {
	if sigma <= 0 {
		out := newPlane(src.w, src.h)
		copy(out.pix, src.pix)
		return out
	}
	k := gaussianKernel(sigma)
	r := len(k) / 2
	tmp := newPlane(src.w, src.h)
	for y := range src.h {
		row := src.pix[y*src.w : (y+1)*src.w]
		for x := range src.w {
			var acc float32
			for i, kv := range k {
				xx := min(max(x+i-r, 0), src.w-1)
				acc += kv * row[xx]
			}
			tmp.pix[y*src.w+x] = acc
		}
	}
	out := newPlane(src.w, src.h)
	for y := range src.h {
		for x := range src.w {
			var acc float32
			for i, kv := range k {
				yy := min(max(y+i-r, 0), src.h-1)
				acc += kv * tmp.pix[yy*src.w+x]
			}
			out.pix[y*src.w+x] = acc
		}
	}
	return out
}

// halve keeps every second pixel in both directions.
func halve(src *plane) *plane {
	w, h := max(src.w/2, 1), max(src.h/2, 1)
	out := newPlane(w, h)
	for y := range h {
		for x := range w {
			out.pix[y*w+x] = src.at(min(2*x, src.w-1), min(2*y, src.h-1))
		}
	}
	return out
}

func subtract(a, b *plane) *plane {
	out := newPlane(a.w, a.h)
	for i := range out.pix {
		out.pix[i] = a.pix[i] - b.pix[i]
	}
	return out
}

// scaleSpace holds the gaussian and difference-of-gaussian pyramids.
type scaleSpace struct {
	gauss [][]*plane
	dog   [][]*plane
}

// siftDetector implements the scale-invariant feature transform with a fixed
// parameter set.
type siftDetector struct {
	layers            int
	sigma             float64
	contrastThreshold float64
	edgeThreshold     float64
	maxFeatures       int
}

func (d *siftDetector) buildScaleSpace(base *plane) *scaleSpace {
	octaves := int(math.Round(math.Log2(float64(min(base.w, base.h))))) - 3
	octaves = max(octaves, 1)

	// Incremental blur amounts between successive layers of one octave.
	k := math.Pow(2, 1/float64(d.layers))
	sigmas := make([]float64, d.layers+3)
	sigmas[0] = d.sigma
	for i := 1; i < len(sigmas); i++ {
		prev := math.Pow(k, float64(i-1)) * d.sigma
		total := prev * k
		sigmas[i] = math.Sqrt(total*total - prev*prev)
	}

	ss := &scaleSpace{
		gauss: make([][]*plane, octaves),
		dog:   make([][]*plane, octaves),
	}
	for o := range octaves {
		g := make([]*plane, d.layers+3)
		if o == 0 {
			g[0] = blur(base, math.Sqrt(math.Max(d.sigma*d.sigma-siftInitSigma*siftInitSigma, 0.01)))
		} else {
			g[0] = halve(ss.gauss[o-1][d.layers])
		}
		for i := 1; i < len(g); i++ {
			g[i] = blur(g[i-1], sigmas[i])
		}
		ss.gauss[o] = g

		dog := make([]*plane, d.layers+2)
		for i := range dog {
			dog[i] = subtract(g[i+1], g[i])
		}
		ss.dog[o] = dog

		if g[d.layers].w/2 < minImageSide || g[d.layers].h/2 < minImageSide {
			ss.gauss = ss.gauss[:o+1]
			ss.dog = ss.dog[:o+1]
			break
		}
	}
	return ss
}

// candidate is a refined scale-space extremum before orientation assignment.
type candidate struct {
	octave, layer int
	x, y          int     // integer location in octave coordinates
	scale         float64 // sigma in octave coordinates
	kp            Keypoint
}

func (d *siftDetector) detect(img *image.Gray) ([]Keypoint, [][]float32) {
	base := planeFromGray(img)
	if base.w < minImageSide || base.h < minImageSide {
		return nil, nil
	}
	ss := d.buildScaleSpace(base)
	threshold := float32(0.5 * d.contrastThreshold / float64(d.layers))

	var keypoints []Keypoint
	var descriptors [][]float32
	for o := range ss.dog {
		dogs := ss.dog[o]
		w, h := dogs[0].w, dogs[0].h
		for layer := 1; layer <= d.layers; layer++ {
			cur, prev, next := dogs[layer], dogs[layer-1], dogs[layer+1]
			for y := siftImageBorder; y < h-siftImageBorder; y++ {
				for x := siftImageBorder; x < w-siftImageBorder; x++ {
					v := cur.at(x, y)
					if float32(math.Abs(float64(v))) <= threshold || !isExtremum(v, x, y, prev, cur, next) {
						continue
					}
					c, ok := d.refine(ss, o, layer, x, y)
					if !ok {
						continue
					}
					gauss := ss.gauss[c.octave][c.layer]
					for _, angle := range dominantOrientations(gauss, c.x, c.y, c.scale) {
						kp := c.kp
						kp.Angle = float32(angle)
						keypoints = append(keypoints, kp)
						descriptors = append(descriptors, describe(gauss, c.x, c.y, angle, c.scale))
					}
				}
			}
		}
	}

	if d.maxFeatures > 0 && len(keypoints) > d.maxFeatures {
		keypoints, descriptors = strongest(keypoints, descriptors, d.maxFeatures)
	}
	return keypoints, descriptors
}

func isExtremum(v float32, x, y int, prev, cur, next *plane) bool {
	isMax, isMin := v > 0, v < 0
	for _, p := range [3]*plane{prev, cur, next} {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if p == cur && dx == 0 && dy == 0 {
					continue
				}
				n := p.at(x+dx, y+dy)
				if n >= v {
					isMax = false
				}
				if n <= v {
					isMin = false
				}
				if !isMax && !isMin {
					return false
				}
			}
		}
	}
	return isMax || isMin
}

// refine fits a 3-D quadratic around the extremum, moving the sample point
// until the offset is below half a sample, then rejects low contrast and
// edge responses.
func (d *siftDetector) refine(ss *scaleSpace, octave, layer, x, y int) (candidate, bool) {
	dogs := ss.dog[octave]
	w, h := dogs[0].w, dogs[0].h

	var offset [3]float64
	var grad [3]float64
	converged := false
	for range siftMaxInterpSteps {
		cur, prev, next := dogs[layer], dogs[layer-1], dogs[layer+1]
		v2 := 2 * float64(cur.at(x, y))

		grad = [3]float64{
			0.5 * float64(cur.at(x+1, y)-cur.at(x-1, y)),
			0.5 * float64(cur.at(x, y+1)-cur.at(x, y-1)),
			0.5 * float64(next.at(x, y)-prev.at(x, y)),
		}
		dxx := float64(cur.at(x+1, y)+cur.at(x-1, y)) - v2
		dyy := float64(cur.at(x, y+1)+cur.at(x, y-1)) - v2
		dss := float64(next.at(x, y)+prev.at(x, y)) - v2
		dxy := 0.25 * float64(cur.at(x+1, y+1)-cur.at(x-1, y+1)-cur.at(x+1, y-1)+cur.at(x-1, y-1))
		dxs := 0.25 * float64(next.at(x+1, y)-next.at(x-1, y)-prev.at(x+1, y)+prev.at(x-1, y))
		dys := 0.25 * float64(next.at(x, y+1)-next.at(x, y-1)-prev.at(x, y+1)+prev.at(x, y-1))

		hess := [3][3]float64{
			{dxx, dxy, dxs},
			{dxy, dyy, dys},
			{dxs, dys, dss},
		}
		sol, ok := solve3(hess, grad)
		if !ok {
			return candidate{}, false
		}
		offset = [3]float64{-sol[0], -sol[1], -sol[2]}

		if math.Abs(offset[0]) < 0.5 && math.Abs(offset[1]) < 0.5 && math.Abs(offset[2]) < 0.5 {
			converged = true
			break
		}
		if math.Abs(offset[0]) > float64(math.MaxInt32/3) || math.Abs(offset[1]) > float64(math.MaxInt32/3) {
			return candidate{}, false
		}
		x += int(math.Round(offset[0]))
		y += int(math.Round(offset[1]))
		layer += int(math.Round(offset[2]))
		if layer < 1 || layer > d.layers ||
			x < siftImageBorder || x >= w-siftImageBorder ||
			y < siftImageBorder || y >= h-siftImageBorder {
			return candidate{}, false
		}
	}
	if !converged {
		return candidate{}, false
	}

	cur := dogs[layer]
	contrast := float64(cur.at(x, y)) + 0.5*(grad[0]*offset[0]+grad[1]*offset[1]+grad[2]*offset[2])
	if math.Abs(contrast)*float64(d.layers) < d.contrastThreshold {
		return candidate{}, false
	}

	v2 := 2 * float64(cur.at(x, y))
	dxx := float64(cur.at(x+1, y)+cur.at(x-1, y)) - v2
	dyy := float64(cur.at(x, y+1)+cur.at(x, y-1)) - v2
	dxy := 0.25 * float64(cur.at(x+1, y+1)-cur.at(x-1, y+1)-cur.at(x+1, y-1)+cur.at(x-1, y-1))
	tr := dxx + dyy
	det := dxx*dyy - dxy*dxy
	r := d.edgeThreshold
	if det <= 0 || tr*tr*r >= (r+1)*(r+1)*det {
		return candidate{}, false
	}

	scale := d.sigma * math.Pow(2, (float64(layer)+offset[2])/float64(d.layers))
	factor := math.Pow(2, float64(octave))
	return candidate{
		octave: octave,
		layer:  layer,
		x:      x,
		y:      y,
		scale:  scale,
		kp: Keypoint{
			X:        float32((float64(x) + offset[0]) * factor),
			Y:        float32((float64(y) + offset[1]) * factor),
			Size:     float32(2 * scale * factor),
			Response: float32(math.Abs(contrast)),
			Octave:   octave,
		},
	}, true
}

// solve3 solves a*x = b for a 3x3 system with Cramer's rule.
func solve3(a [3][3]float64, b [3]float64) ([3]float64, bool) {
	det := a[0][0]*(a[1][1]*a[2][2]-a[1][2]*a[2][1]) -
		a[0][1]*(a[1][0]*a[2][2]-a[1][2]*a[2][0]) +
		a[0][2]*(a[1][0]*a[2][1]-a[1][1]*a[2][0])
	if math.Abs(det) < 1e-12 {
		return [3]float64{}, false
	}
	var x [3]float64
	for col := range 3 {
		m := a
		for row := range 3 {
			m[row][col] = b[row]
		}
		x[col] = (m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
			m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
			m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])) / det
	}
	return x, true
}

// gradient returns magnitude and angle in degrees [0, 360) at an interior pixel.
func gradient(p *plane, x, y int) (float64, float64) {
	dx := float64(p.at(x+1, y) - p.at(x-1, y))
	dy := float64(p.at(x, y+1) - p.at(x, y-1))
	angle := math.Atan2(dy, dx) * 180 / math.Pi
	if angle < 0 {
		angle += 360
	}
	return math.Hypot(dx, dy), angle
}

// dominantOrientations builds a gaussian-weighted gradient orientation
// histogram around the keypoint and returns every peak within 80% of the maximum.
func dominantOrientations(p *plane, x, y int, scale float64) []float64 {
	sigma := siftOriSigmaFactor * scale
	radius := int(math.Round(siftOriRadiusFactor * scale))
	var hist [siftOriHistBins]float64

	for dy := -radius; dy <= radius; dy++ {
		yy := y + dy
		if yy <= 0 || yy >= p.h-1 {
			continue
		}
		for dx := -radius; dx <= radius; dx++ {
			xx := x + dx
			if xx <= 0 || xx >= p.w-1 {
				continue
			}
			mag, angle := gradient(p, xx, yy)
			weight := math.Exp(-float64(dx*dx+dy*dy) / (2 * sigma * sigma))
			bin := int(math.Round(angle*siftOriHistBins/360)) % siftOriHistBins
			hist[bin] += weight * mag
		}
	}

	var smooth [siftOriHistBins]float64
	maxVal := 0.0
	for i := range siftOriHistBins {
		m2 := hist[(i-2+siftOriHistBins)%siftOriHistBins]
		m1 := hist[(i-1+siftOriHistBins)%siftOriHistBins]
		p1 := hist[(i+1)%siftOriHistBins]
		p2 := hist[(i+2)%siftOriHistBins]
		smooth[i] = (m2+p2)*(1.0/16) + (m1+p1)*(4.0/16) + hist[i]*(6.0/16)
		maxVal = math.Max(maxVal, smooth[i])
	}
	if maxVal == 0 {
		return []float64{0}
	}

	var angles []float64
	for i := range siftOriHistBins {
		left := smooth[(i-1+siftOriHistBins)%siftOriHistBins]
		right := smooth[(i+1)%siftOriHistBins]
		c := smooth[i]
		if c > left && c > right && c >= siftOriPeakRatio*maxVal {
			bin := float64(i) + 0.5*(left-right)/(left-2*c+right)
			if bin < 0 {
				bin += siftOriHistBins
			} else if bin >= siftOriHistBins {
				bin -= siftOriHistBins
			}
			angles = append(angles, bin*360/siftOriHistBins)
		}
	}
	if len(angles) == 0 {
		angles = append(angles, 0)
	}
	return angles
}

// describe computes the 4x4x8 gradient histogram descriptor in the
// keypoint's rotated frame.
func describe(p *plane, x, y int, angle, scale float64) []float32 {
	const d, n = siftDescrWidth, siftDescrHistBins
	histWidth := siftDescrScaleFactor * scale
	radius := int(math.Round(histWidth * math.Sqrt2 * (d + 1) * 0.5))
	radius = min(radius, int(math.Sqrt(float64(p.w*p.w+p.h*p.h))))

	rad := angle * math.Pi / 180
	cosT := math.Cos(rad) / histWidth
	sinT := math.Sin(rad) / histWidth
	expScale := -1.0 / (d * d * 0.5)

	hist := make([]float64, d*d*n)
	for i := -radius; i <= radius; i++ {
		for j := -radius; j <= radius; j++ {
			cRot := float64(j)*cosT + float64(i)*sinT
			rRot := -float64(j)*sinT + float64(i)*cosT
			rbin := rRot + d/2 - 0.5
			cbin := cRot + d/2 - 0.5
			if rbin <= -1 || rbin >= d || cbin <= -1 || cbin >= d {
				continue
			}
			yy, xx := y+i, x+j
			if yy <= 0 || yy >= p.h-1 || xx <= 0 || xx >= p.w-1 {
				continue
			}

			mag, ori := gradient(p, xx, yy)
			mag *= math.Exp((cRot*cRot + rRot*rRot) * expScale)
			obin := (ori - angle) * n / 360
			for obin < 0 {
				obin += n
			}
			for obin >= n {
				obin -= n
			}

			r0, c0, o0 := math.Floor(rbin), math.Floor(cbin), math.Floor(obin)
			fr, fc, fo := rbin-r0, cbin-c0, obin-o0
			for dr := range 2 {
				r := int(r0) + dr
				if r < 0 || r >= d {
					continue
				}
				wr := 1 - fr
				if dr == 1 {
					wr = fr
				}
				for dc := range 2 {
					c := int(c0) + dc
					if c < 0 || c >= d {
						continue
					}
					wc := 1 - fc
					if dc == 1 {
						wc = fc
					}
					for do := range 2 {
						o := (int(o0) + do) % n
						wo := 1 - fo
						if do == 1 {
							wo = fo
						}
						hist[(r*d+c)*n+o] += mag * wr * wc * wo
					}
				}
			}
		}
	}

	norm := 0.0
	for _, v := range hist {
		norm += v * v
	}
	threshold := math.Sqrt(norm) * siftDescrMagThreshold
	norm = 0
	for i, v := range hist {
		v = math.Min(v, threshold)
		hist[i] = v
		norm += v * v
	}
	scaleOut := siftDescrIntFactor / math.Max(math.Sqrt(norm), math.SmallestNonzeroFloat32)

	desc := make([]float32, len(hist))
	for i, v := range hist {
		desc[i] = float32(math.Min(v*scaleOut, 255))
	}
	return desc
}
