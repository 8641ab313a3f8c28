package features

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeFile reads and decodes an image from disk.
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the ingestion workflow
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrImageUnreadable, path, err)
	}
	img, err := DecodeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeBytes decodes an in-memory image in any registered format.
func DecodeBytes(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageUnreadable, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrImageUnreadable)
	}
	return img, nil
}

// Downscale shrinks img so its longer side is at most maxDim, keeping the
// aspect ratio. Images already within the cap are returned unchanged.
func Downscale(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxDim
		newHeight = int(float64(height) * float64(maxDim) / float64(width))
	} else {
		newHeight = maxDim
		newWidth = int(float64(width) * float64(maxDim) / float64(height))
	}
	newWidth = max(newWidth, 1)
	newHeight = max(newHeight, 1)

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}

// ToGray converts img to 8-bit grayscale with its origin at (0, 0).
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)))
		}
	}
	return gray
}

// Orientation is a rigid transform applied to a query before searching.
type Orientation int

const (
	OrientationIdentity Orientation = iota
	OrientationMirror
	OrientationRotate90
	OrientationRotate180
	OrientationRotate270
)

func (o Orientation) String() string {
	switch o {
	case OrientationIdentity:
		return "identity"
	case OrientationMirror:
		return "mirror"
	case OrientationRotate90:
		return "rotate90"
	case OrientationRotate180:
		return "rotate180"
	case OrientationRotate270:
		return "rotate270"
	default:
		return fmt.Sprintf("orientation(%d)", int(o))
	}
}

// IsMirrored reports whether the orientation flips handedness.
func (o Orientation) IsMirrored() bool {
	return o == OrientationMirror
}

// Transform returns a copy of img with the orientation applied. Rotations are clockwise.
func Transform(img image.Image, o Orientation) image.Image {
	if o == OrientationIdentity {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var dst *image.RGBA
	switch o {
	case OrientationRotate90, OrientationRotate270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	default:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			switch o {
			case OrientationMirror:
				dst.Set(w-1-x, y, c)
			case OrientationRotate90:
				dst.Set(h-1-y, x, c)
			case OrientationRotate180:
				dst.Set(w-1-x, h-1-y, c)
			case OrientationRotate270:
				dst.Set(y, w-1-x, c)
			}
		}
	}
	return dst
}
