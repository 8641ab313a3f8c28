package vocabulary

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
)

// clusteredDescriptors returns n descriptors of width dim scattered tightly
// around k well separated centers.
func clusteredDescriptors(n, dim, k int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, 1))
	out := make([][]float32, n)
	for i := range out {
		center := float32(i%k) * 100
		d := make([]float32, dim)
		for j := range d {
			d[j] = center + float32(rng.NormFloat64())
		}
		out[i] = d
	}
	return out
}

func TestTrainerRecoversClusters(t *testing.T) {
	descs := clusteredDescriptors(100, 32, 4, 1)
	tr, err := NewTrainer(Config{K: 4, Seed: 42})
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	for i := 0; i < len(descs); i += 25 {
		if err := tr.PartialFit(context.Background(), descs[i:i+25]); err != nil {
			t.Fatalf("PartialFit: %v", err)
		}
	}
	v, err := tr.Vocabulary()
	if err != nil {
		t.Fatalf("Vocabulary: %v", err)
	}
	if v.K != 4 || v.Dim != 32 || v.EncodedDim() != 128 {
		t.Fatalf("K=%d Dim=%d EncodedDim=%d", v.K, v.Dim, v.EncodedDim())
	}

	// Every true center must be close to exactly one centroid.
	for c := range 4 {
		point := make([]float32, 32)
		for j := range point {
			point[j] = float32(c) * 100
		}
		_, dist := v.Nearest(point)
		if math.Sqrt(dist) > 10 {
			t.Errorf("center %d is %.1f from nearest centroid", c, math.Sqrt(dist))
		}
	}
	if tr.Seen() != 100 {
		t.Errorf("Seen() = %d, want 100", tr.Seen())
	}
}

func TestTrainerFirstBatchTooSmall(t *testing.T) {
	tr, _ := NewTrainer(Config{K: 8})
	err := tr.PartialFit(context.Background(), clusteredDescriptors(5, 4, 1, 1))
	if !errors.Is(err, ErrNotEnoughDescriptors) {
		t.Fatalf("PartialFit error = %v, want ErrNotEnoughDescriptors", err)
	}
	if _, err := tr.Vocabulary(); !errors.Is(err, ErrVocabularyMissingOrCorrupt) {
		t.Errorf("Vocabulary error = %v, want ErrVocabularyMissingOrCorrupt", err)
	}
}

func TestTrainerWidthMismatch(t *testing.T) {
	tr, _ := NewTrainer(Config{K: 2})
	if err := tr.PartialFit(context.Background(), clusteredDescriptors(10, 4, 2, 1)); err != nil {
		t.Fatalf("PartialFit: %v", err)
	}
	if err := tr.PartialFit(context.Background(), clusteredDescriptors(10, 5, 2, 1)); err == nil {
		t.Fatal("expected width mismatch error")
	}
}

func TestTrainerIdenticalDescriptors(t *testing.T) {
	batch := make([][]float32, 10)
	for i := range batch {
		batch[i] = []float32{1, 2, 3}
	}
	tr, _ := NewTrainer(Config{K: 3})
	if err := tr.PartialFit(context.Background(), batch); err != nil {
		t.Fatalf("PartialFit: %v", err)
	}
	if _, err := tr.Vocabulary(); err != nil {
		t.Fatalf("Vocabulary: %v", err)
	}
}

func TestTrainerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr, _ := NewTrainer(Config{K: 2})
	if err := tr.PartialFit(ctx, clusteredDescriptors(10, 4, 2, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("PartialFit error = %v, want context.Canceled", err)
	}
}

func TestTrainStreamsBatches(t *testing.T) {
	all := clusteredDescriptors(400, 16, 4, 3)
	var sets [][][]float32
	for i := 0; i < len(all); i += 10 {
		sets = append(sets, all[i:i+10])
	}
	sets = append(sets, nil) // images without descriptors are skipped

	cfg := Config{K: 4, BatchImages: 5, MaxPerImage: 6, Seed: 7, Backend: "sift"}
	v, err := Train(context.Background(), NewSliceSource(sets), cfg, nil)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if v.Backend != "sift" || v.Seed != 7 {
		t.Errorf("metadata not recorded: %+v", v)
	}

	again, err := Train(context.Background(), NewSliceSource(sets), cfg, nil)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i := range v.Centroids {
		for j := range v.Centroids[i] {
			if v.Centroids[i][j] != again.Centroids[i][j] {
				t.Fatalf("training not deterministic at centroid %d", i)
			}
		}
	}
}

func TestTrainNotEnoughDescriptors(t *testing.T) {
	tests := []struct {
		name string
		sets [][][]float32
	}{
		{"empty corpus", nil},
		{"too few", [][][]float32{clusteredDescriptors(3, 4, 1, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Train(context.Background(), NewSliceSource(tt.sets), Config{K: 4, BatchImages: 1}, nil)
			if !errors.Is(err, ErrNotEnoughDescriptors) {
				t.Errorf("Train error = %v, want ErrNotEnoughDescriptors", err)
			}
		})
	}
}

func TestSubsample(t *testing.T) {
	descs := clusteredDescriptors(50, 2, 1, 1)

	if got := Subsample(descs, 0); len(got) != 50 {
		t.Errorf("limit 0 kept %d", len(got))
	}
	if got := Subsample(descs, 100); len(got) != 50 {
		t.Errorf("limit above size kept %d", len(got))
	}

	a := Subsample(descs, 10)
	b := Subsample(descs, 10)
	if len(a) != 10 {
		t.Fatalf("kept %d, want 10", len(a))
	}
	for i := range a {
		if &a[i][0] != &b[i][0] {
			t.Fatalf("subsample not reproducible at %d", i)
		}
	}
	// Rows keep their original relative order.
	pos := make(map[*float32]int, len(descs))
	for i, d := range descs {
		pos[&d[0]] = i
	}
	for i := 1; i < len(a); i++ {
		if pos[&a[i][0]] <= pos[&a[i-1][0]] {
			t.Fatalf("order not preserved at %d", i)
		}
	}
}

func TestValidate(t *testing.T) {
	good := func() *Vocabulary {
		return &Vocabulary{K: 2, Dim: 2, Centroids: [][]float32{{1, 0}, {0, 1}}}
	}
	if err := good().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Vocabulary)
	}{
		{"no centroids", func(v *Vocabulary) { v.Centroids = nil }},
		{"zero K", func(v *Vocabulary) { v.K = 0 }},
		{"wrong width", func(v *Vocabulary) { v.Centroids[1] = []float32{1} }},
		{"nan", func(v *Vocabulary) { v.Centroids[0][0] = float32(math.NaN()) }},
		{"unfitted", func(v *Vocabulary) { v.Centroids = [][]float32{{0, 0}, {0, 0}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := good()
			tt.mutate(v)
			if err := v.Validate(); !errors.Is(err, ErrVocabularyMissingOrCorrupt) {
				t.Errorf("Validate = %v, want ErrVocabularyMissingOrCorrupt", err)
			}
		})
	}

	var missing *Vocabulary
	if err := missing.Validate(); !errors.Is(err, ErrVocabularyMissingOrCorrupt) {
		t.Errorf("nil Validate = %v", err)
	}
}

func TestSaveLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocabulary.bin")
	v := &Vocabulary{K: 2, Dim: 3, Centroids: [][]float32{{1, 2, 3}, {4, 5, 6}}, Backend: "sift", Seed: 42}

	if err := SaveFile(path, v, "gen-a"); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got.Generation != "gen-a" || got.K != 2 || got.Centroids[1][2] != 6 || got.Backend != "sift" {
		t.Errorf("loaded %+v", got)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.bin")); !errors.Is(err, ErrVocabularyMissingOrCorrupt) {
		t.Errorf("missing file error = %v", err)
	}

	corrupt := filepath.Join(dir, "corrupt.bin")
	if err := os.WriteFile(corrupt, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(corrupt); !errors.Is(err, ErrVocabularyMissingOrCorrupt) {
		t.Errorf("corrupt file error = %v", err)
	}

	unfitted := &Vocabulary{K: 1, Dim: 1, Centroids: [][]float32{{0}}}
	if err := SaveFile(filepath.Join(dir, "unfitted.bin"), unfitted, "g"); !errors.Is(err, ErrVocabularyMissingOrCorrupt) {
		t.Errorf("saving unfitted vocabulary = %v, want ErrVocabularyMissingOrCorrupt", err)
	}
}
