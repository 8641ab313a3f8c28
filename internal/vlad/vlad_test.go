package vlad

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/kozaktomas/turtle-id/internal/vocabulary"
)

func randomDescriptors(n, dim int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, 2))
	out := make([][]float32, n)
	for i := range out {
		d := make([]float32, dim)
		for j := range d {
			d[j] = float32(rng.Float64() * 10)
		}
		out[i] = d
	}
	return out
}

func trainedVocabulary(t *testing.T, descs [][]float32, k int) *vocabulary.Vocabulary {
	t.Helper()
	tr, err := vocabulary.NewTrainer(vocabulary.Config{K: k, Seed: 42})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	if err := tr.PartialFit(context.Background(), descs); err != nil {
		t.Fatalf("PartialFit: %v", err)
	}
	v, err := tr.Vocabulary()
	if err != nil {
		t.Fatalf("Vocabulary: %v", err)
	}
	return v
}

func TestEncodeUnitNorm(t *testing.T) {
	descs := randomDescriptors(100, 32, 1)
	vocab := trainedVocabulary(t, descs, 4)

	vec, err := Encode(descs[:20], vocab)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(vec) != 128 {
		t.Fatalf("len = %d, want 128", len(vec))
	}
	if n := Norm(vec); math.Abs(n-1) > 1e-3 {
		t.Errorf("norm = %v, want 1", n)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	descs := randomDescriptors(60, 16, 2)
	vocab := trainedVocabulary(t, descs, 3)

	a, err := Encode(descs, vocab)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := Encode(descs, vocab)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("value %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestEncodeEmptyBlocksPreserved(t *testing.T) {
	vocab := &vocabulary.Vocabulary{
		K:         3,
		Dim:       2,
		Centroids: [][]float32{{0, 0}, {10, 10}, {-10, -10}},
	}
	// Both descriptors are nearest to centroid 1.
	vec, err := Encode([][]float32{{11, 10}, {10, 14}}, vocab)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(vec) != 6 {
		t.Fatalf("len = %d, want 6", len(vec))
	}
	for _, i := range []int{0, 1, 4, 5} {
		if vec[i] != 0 {
			t.Errorf("vec[%d] = %v, want 0", i, vec[i])
		}
	}
	// Residual sum (1, 4) -> signed sqrt (1, 2) -> normalized (1, 2)/sqrt(5).
	want := []float64{1 / math.Sqrt(5), 2 / math.Sqrt(5)}
	for i, w := range want {
		if math.Abs(float64(vec[2+i])-w) > 1e-6 {
			t.Errorf("vec[%d] = %v, want %v", 2+i, vec[2+i], w)
		}
	}
}

func TestEncodeSignedSquareRoot(t *testing.T) {
	vocab := &vocabulary.Vocabulary{K: 1, Dim: 2, Centroids: [][]float32{{5, 5}}}
	vec, err := Encode([][]float32{{1, 14}}, vocab)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Residual (-4, 9) -> (-2, 3) -> (-2, 3)/sqrt(13).
	if math.Abs(float64(vec[0])+2/math.Sqrt(13)) > 1e-6 || math.Abs(float64(vec[1])-3/math.Sqrt(13)) > 1e-6 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEncodeErrors(t *testing.T) {
	vocab := &vocabulary.Vocabulary{K: 1, Dim: 2, Centroids: [][]float32{{1, 1}}}

	tests := []struct {
		name  string
		descs [][]float32
		vocab *vocabulary.Vocabulary
		want  error
	}{
		{"empty", nil, vocab, ErrEmptyDescriptors},
		{"degenerate", [][]float32{{1, 1}}, vocab, ErrDegenerate},
		{"unfitted vocabulary", [][]float32{{1, 2}}, &vocabulary.Vocabulary{K: 1, Dim: 2, Centroids: [][]float32{{0, 0}}}, vocabulary.ErrVocabularyMissingOrCorrupt},
		{"missing vocabulary", [][]float32{{1, 2}}, nil, vocabulary.ErrVocabularyMissingOrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.descs, tt.vocab); !errors.Is(err, tt.want) {
				t.Errorf("Encode error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := Encode([][]float32{{1, 2, 3}}, vocab); err == nil {
		t.Error("expected width mismatch error")
	}
}
