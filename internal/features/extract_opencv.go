//go:build cgo

package features

import (
	"image"

	"gocv.io/x/gocv"
)

const detectorImpl = "opencv"

// cvDetector runs OpenCV SIFT. gocv algorithm handles are not safe for
// concurrent use, so every call creates and closes its own.
type cvDetector struct {
	params Params
}

func newDetector(p Params) detector {
	return &cvDetector{params: p}
}

func (d *cvDetector) detect(img *image.Gray) ([]Keypoint, [][]float32) {
	src, err := grayToMat(img)
	if err != nil {
		return nil, nil
	}
	defer src.Close()

	nfeatures := d.params.MaxFeatures
	layers := d.params.OctaveLayers
	contrast := d.params.ContrastThreshold
	edge := d.params.EdgeThreshold
	sigma := d.params.Sigma
	sift := gocv.NewSIFTWithParams(&nfeatures, &layers, &contrast, &edge, &sigma)
	defer sift.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	cvKps, desc := sift.DetectAndCompute(src, mask)
	defer desc.Close()
	if len(cvKps) == 0 || desc.Empty() || desc.Rows() != len(cvKps) {
		return nil, nil
	}

	data, err := desc.DataPtrFloat32()
	if err != nil {
		return nil, nil
	}
	cols := desc.Cols()
	kps := make([]Keypoint, len(cvKps))
	descs := make([][]float32, len(cvKps))
	for i, kp := range cvKps {
		kps[i] = Keypoint{
			X:        float32(kp.X),
			Y:        float32(kp.Y),
			Size:     float32(kp.Size),
			Angle:    float32(kp.Angle),
			Response: float32(kp.Response),
			Octave:   int(int8(kp.Octave & 0xff)),
		}
		row := make([]float32, cols)
		copy(row, data[i*cols:(i+1)*cols])
		descs[i] = row
	}

	// OpenCV does not order its output; keep the strongest first like the
	// native detector does when capping.
	return strongest(kps, descs, len(kps))
}

// equalize applies OpenCV's contrast limited adaptive histogram equalization
// over a tiles x tiles grid. The input is returned unchanged if OpenCV fails.
func equalize(g *image.Gray, clipLimit float64, tiles int) *image.Gray {
	src, err := grayToMat(g)
	if err != nil {
		return g
	}
	defer src.Close()

	clahe := gocv.NewCLAHEWithParams(clipLimit, image.Pt(tiles, tiles))
	defer clahe.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	if err := clahe.Apply(src, &dst); err != nil {
		return g
	}
	out, err := dst.ToImage()
	if err != nil {
		return g
	}
	gray, ok := out.(*image.Gray)
	if !ok {
		return ToGray(out)
	}
	return gray
}

// grayToMat copies g into a single channel Mat. gocv reads Pix as a packed
// buffer, so padded strides are compacted first.
func grayToMat(g *image.Gray) (gocv.Mat, error) {
	w, h := g.Rect.Dx(), g.Rect.Dy()
	if g.Stride != w || g.Rect.Min != (image.Point{}) {
		packed := image.NewGray(image.Rect(0, 0, w, h))
		for y := range h {
			off := g.PixOffset(g.Rect.Min.X, g.Rect.Min.Y+y)
			copy(packed.Pix[y*w:(y+1)*w], g.Pix[off:off+w])
		}
		g = packed
	}
	return gocv.ImageGrayToMatGray(g)
}
