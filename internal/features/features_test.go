package features

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
)

// blobImage draws dark discs of varying radius on a light background.
func blobImage(w, h int, seed uint64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 220
	}
	rng := rand.New(rand.NewPCG(seed, 7))
	for range 40 {
		cx, cy := 15+rng.IntN(w-30), 15+rng.IntN(h-30)
		r := 3 + rng.IntN(8)
		shade := uint8(20 + rng.IntN(80))
		for y := cy - r; y <= cy+r; y++ {
			for x := cx - r; x <= cx+r; x++ {
				if (x-cx)*(x-cx)+(y-cy)*(y-cy) <= r*r {
					img.SetGray(x, y, color.Gray{Y: shade})
				}
			}
		}
	}
	return img
}

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	e, err := NewExtractor(DefaultParams())
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	return e
}

func TestExtractBlankImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 128, 128))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	_, err := newTestExtractor(t).Extract(img)
	if !errors.Is(err, ErrNoDescriptors) {
		t.Fatalf("Extract(blank) error = %v, want ErrNoDescriptors", err)
	}
}

func TestExtractTinyImage(t *testing.T) {
	img := blobImage(40, 40, 1).SubImage(image.Rect(0, 0, 10, 10))
	_, err := newTestExtractor(t).Extract(img)
	if !errors.Is(err, ErrNoDescriptors) {
		t.Fatalf("Extract(10x10) error = %v, want ErrNoDescriptors", err)
	}
}

func TestExtractBlobs(t *testing.T) {
	img := blobImage(200, 160, 42)
	set, err := newTestExtractor(t).Extract(img)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if set.Len() == 0 {
		t.Fatal("expected keypoints")
	}
	if err := set.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if set.Dim() != DescriptorDim {
		t.Errorf("Dim() = %d, want %d", set.Dim(), DescriptorDim)
	}
	if set.Width != 200 || set.Height != 160 {
		t.Errorf("size = %dx%d, want 200x160", set.Width, set.Height)
	}
	for i, kp := range set.Keypoints {
		if kp.X < 0 || kp.Y < 0 || kp.X >= 200 || kp.Y >= 160 {
			t.Errorf("keypoint %d outside image: (%v, %v)", i, kp.X, kp.Y)
		}
		if kp.Angle < 0 || kp.Angle >= 360 {
			t.Errorf("keypoint %d angle %v out of range", i, kp.Angle)
		}
	}
	for i, d := range set.Descriptors {
		for _, v := range d {
			if v < 0 || v > 255 {
				t.Fatalf("descriptor %d value %v outside [0, 255]", i, v)
			}
		}
	}
}

func TestExtractPaddedStride(t *testing.T) {
	// A sub-image keeps its parent's stride.
	img := blobImage(240, 160, 42).SubImage(image.Rect(0, 0, 200, 160)).(*image.Gray)
	set, err := newTestExtractor(t).Extract(img)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if set.Width != 200 || set.Height != 160 {
		t.Errorf("size = %dx%d, want 200x160", set.Width, set.Height)
	}
	for i, kp := range set.Keypoints {
		if kp.X >= 200 {
			t.Errorf("keypoint %d at x=%v beyond sub-image width", i, kp.X)
		}
	}
}

func TestExtractDeterministic(t *testing.T) {
	e := newTestExtractor(t)
	img := blobImage(160, 160, 9)
	a, err := e.Extract(img)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	b, err := e.Extract(img)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if a.Len() != b.Len() {
		t.Fatalf("lengths differ: %d vs %d", a.Len(), b.Len())
	}
	for i := range a.Descriptors {
		for j := range a.Descriptors[i] {
			if a.Descriptors[i][j] != b.Descriptors[i][j] {
				t.Fatalf("descriptor %d differs at %d", i, j)
			}
		}
	}
}

func TestExtractMaxFeatures(t *testing.T) {
	p := DefaultParams()
	p.MaxFeatures = 5
	e, err := NewExtractor(p)
	if err != nil {
		t.Fatalf("NewExtractor: %v", err)
	}
	set, err := e.Extract(blobImage(200, 200, 3))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if set.Len() > 5 {
		t.Errorf("Len() = %d, want <= 5", set.Len())
	}
	for i := 1; i < len(set.Keypoints); i++ {
		if set.Keypoints[i].Response > set.Keypoints[i-1].Response {
			t.Errorf("keypoints not ordered by response at %d", i)
		}
	}
}

func TestExtractFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shell.png")
	var buf bytes.Buffer
	if err := png.Encode(&buf, blobImage(120, 120, 5)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	e := newTestExtractor(t)
	if _, err := e.ExtractFile(path); err != nil {
		t.Fatalf("ExtractFile: %v", err)
	}
	if _, err := e.ExtractFile(filepath.Join(dir, "missing.png")); !errors.Is(err, ErrImageUnreadable) {
		t.Errorf("missing file error = %v, want ErrImageUnreadable", err)
	}
}

func TestDecodeBytesGarbage(t *testing.T) {
	_, err := DecodeBytes([]byte("definitely not an image"))
	if !errors.Is(err, ErrImageUnreadable) {
		t.Fatalf("DecodeBytes error = %v, want ErrImageUnreadable", err)
	}
}

func TestDownscale(t *testing.T) {
	tests := []struct {
		name         string
		width        int
		height       int
		maxDim       int
		expectWidth  int
		expectHeight int
	}{
		{"landscape", 2000, 1000, 1024, 1024, 512},
		{"portrait", 600, 1200, 300, 150, 300},
		{"within cap", 800, 600, 1024, 800, 600},
		{"disabled", 3000, 2000, 0, 3000, 2000},
		{"extreme aspect", 4000, 2, 100, 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := image.NewGray(image.Rect(0, 0, tt.width, tt.height))
			b := Downscale(img, tt.maxDim).Bounds()
			if b.Dx() != tt.expectWidth || b.Dy() != tt.expectHeight {
				t.Errorf("Downscale = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.expectWidth, tt.expectHeight)
			}
		})
	}
}

func TestTransform(t *testing.T) {
	// 3x2 image with a single marked pixel at (0, 0).
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	src.SetGray(0, 0, color.Gray{Y: 255})

	tests := []struct {
		o      Orientation
		width  int
		height int
		markX  int
		markY  int
	}{
		{OrientationIdentity, 3, 2, 0, 0},
		{OrientationMirror, 3, 2, 2, 0},
		{OrientationRotate90, 2, 3, 1, 0},
		{OrientationRotate180, 3, 2, 2, 1},
		{OrientationRotate270, 2, 3, 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.o.String(), func(t *testing.T) {
			out := Transform(src, tt.o)
			b := out.Bounds()
			if b.Dx() != tt.width || b.Dy() != tt.height {
				t.Fatalf("size = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.width, tt.height)
			}
			r, _, _, _ := out.At(tt.markX, tt.markY).RGBA()
			if r>>8 != 255 {
				t.Errorf("marked pixel not at (%d, %d)", tt.markX, tt.markY)
			}
		})
	}
}

func TestOrientationIsMirrored(t *testing.T) {
	if !OrientationMirror.IsMirrored() {
		t.Error("mirror should report mirrored")
	}
	if OrientationRotate180.IsMirrored() {
		t.Error("rotation should not report mirrored")
	}
}

func TestEqualizeUniform(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 64, 48))
	for i := range src.Pix {
		src.Pix[i] = 90
	}
	out := equalize(src, 2.0, 8)
	if out.Rect != src.Rect {
		t.Fatalf("bounds changed: %v", out.Rect)
	}
	first := out.Pix[0]
	for i, v := range out.Pix {
		if v != first {
			t.Fatalf("pixel %d = %d, want uniform %d", i, v, first)
		}
	}
}

func TestEqualizeStretchesContrast(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := range 64 {
		for x := range 64 {
			src.Pix[y*src.Stride+x] = uint8(100 + (x+y)%20)
		}
	}
	out := equalize(src, 4.0, 4)

	lo, hi := uint8(255), uint8(0)
	for _, v := range out.Pix {
		lo, hi = min(lo, v), max(hi, v)
	}
	if int(hi)-int(lo) <= 19 {
		t.Errorf("range after equalization = %d, want wider than input range 19", int(hi)-int(lo))
	}
}

func TestParams(t *testing.T) {
	base := DefaultParams()
	if err := base.Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}

	changed := base
	changed.ContrastThreshold = 0.02
	if base.Signature() == changed.Signature() {
		t.Error("signature should change with contrast threshold")
	}

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"negative dim", func(p *Params) { p.MaxImageDim = -1 }},
		{"zero layers", func(p *Params) { p.OctaveLayers = 0 }},
		{"zero contrast", func(p *Params) { p.ContrastThreshold = 0 }},
		{"edge at one", func(p *Params) { p.EdgeThreshold = 1 }},
		{"zero sigma", func(p *Params) { p.Sigma = 0 }},
		{"zero tiles", func(p *Params) { p.ClaheTiles = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDescriptorSetValidate(t *testing.T) {
	set := &DescriptorSet{
		Keypoints:   []Keypoint{{}, {}},
		Descriptors: [][]float32{{1, 2}},
	}
	if err := set.Validate(); err == nil {
		t.Error("expected misaligned set to fail")
	}

	var empty *DescriptorSet
	if empty.Len() != 0 {
		t.Error("nil set should have zero length")
	}
}
