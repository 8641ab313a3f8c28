package vocabulary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
)

// ErrNotEnoughDescriptors is returned when the corpus holds fewer descriptors than K.
var ErrNotEnoughDescriptors = errors.New("not enough descriptors to fit vocabulary")

// Config controls vocabulary training.
type Config struct {
	K           int    // number of centroids
	BatchImages int    // images accumulated per partial fit
	MaxPerImage int    // per-image descriptor ceiling, 0 disables
	Seed        uint64 // seeds centroid initialization
	Backend     string // recorded in the trained vocabulary
}

// DefaultConfig returns the training settings of the reference corpus.
func DefaultConfig() Config {
	return Config{
		K:           64,
		BatchImages: 100,
		MaxPerImage: 2000,
		Seed:        42,
	}
}

// Trainer fits centroids with mini-batch k-means. Each PartialFit call makes
// one pass over its batch, so peak memory depends only on the batch size.
type Trainer struct {
	cfg       Config
	dim       int
	centroids [][]float64
	counts    []int64
	rng       *rand.Rand
	seen      int64
}

// NewTrainer returns an untrained trainer.
func NewTrainer(cfg Config) (*Trainer, error) {
	if cfg.K <= 0 {
		return nil, fmt.Errorf("K must be positive, got %d", cfg.K)
	}
	return &Trainer{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.K))), //nolint:gosec // deterministic training, not security
	}, nil
}

// Initialized reports whether centroids have been seeded.
func (t *Trainer) Initialized() bool {
	return t.centroids != nil
}

// Seen returns the number of descriptors consumed so far.
func (t *Trainer) Seen() int64 {
	return t.seen
}

// PartialFit updates the centroids with one batch. The first batch seeds the
// centroids with k-means++ and must hold at least K descriptors.
func (t *Trainer) PartialFit(ctx context.Context, batch [][]float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	if t.dim == 0 {
		t.dim = len(batch[0])
	}
	for i, d := range batch {
		if len(d) != t.dim {
			return fmt.Errorf("descriptor %d has width %d, want %d", i, len(d), t.dim)
		}
	}

	if t.centroids == nil {
		if len(batch) < t.cfg.K {
			return fmt.Errorf("%w: first batch has %d, need %d", ErrNotEnoughDescriptors, len(batch), t.cfg.K)
		}
		t.seed(batch)
	}

	for _, d := range batch {
		c := t.nearest(d)
		t.counts[c]++
		eta := 1 / float64(t.counts[c])
		centroid := t.centroids[c]
		for j, x := range d {
			centroid[j] += eta * (float64(x) - centroid[j])
		}
	}
	t.seen += int64(len(batch))
	return nil
}

// seed picks initial centroids with k-means++ sampling.
func (t *Trainer) seed(batch [][]float32) {
	k := t.cfg.K
	t.centroids = make([][]float64, 0, k)
	t.counts = make([]int64, k)

	add := func(d []float32) {
		c := make([]float64, len(d))
		for j, x := range d {
			c[j] = float64(x)
		}
		t.centroids = append(t.centroids, c)
	}

	add(batch[t.rng.IntN(len(batch))])
	dist := make([]float64, len(batch))
	for i := range dist {
		dist[i] = math.Inf(1)
	}
	for len(t.centroids) < k {
		last := t.centroids[len(t.centroids)-1]
		var total float64
		for i, d := range batch {
			dist[i] = math.Min(dist[i], squaredDistance(d, last))
			total += dist[i]
		}
		if total == 0 {
			// Fewer distinct descriptors than K: duplicate an existing point.
			add(batch[t.rng.IntN(len(batch))])
			continue
		}
		target := t.rng.Float64() * total
		pick := len(batch) - 1
		for i, w := range dist {
			target -= w
			if target < 0 {
				pick = i
				break
			}
		}
		add(batch[pick])
	}
}

func (t *Trainer) nearest(d []float32) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range t.centroids {
		if dist := squaredDistance(d, c); dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

func squaredDistance(a []float32, b []float64) float64 {
	var sum float64
	for i, x := range a {
		diff := float64(x) - b[i]
		sum += diff * diff
	}
	return sum
}

// Vocabulary returns a snapshot of the current centroids.
func (t *Trainer) Vocabulary() (*Vocabulary, error) {
	if t.centroids == nil {
		return nil, fmt.Errorf("%w: trainer has not seen any batch", ErrVocabularyMissingOrCorrupt)
	}
	v := &Vocabulary{
		K:         t.cfg.K,
		Dim:       t.dim,
		Centroids: make([][]float32, len(t.centroids)),
		Backend:   t.cfg.Backend,
		Seed:      t.cfg.Seed,
	}
	for i, c := range t.centroids {
		row := make([]float32, len(c))
		for j, x := range c {
			row[j] = float32(x)
		}
		v.Centroids[i] = row
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Source yields the descriptors of one image per call and io.EOF when the
// corpus is exhausted.
type Source interface {
	Next(ctx context.Context) ([][]float32, error)
}

// SliceSource serves descriptor sets from memory.
type SliceSource struct {
	sets [][][]float32
	pos  int
}

// NewSliceSource returns a Source over sets.
func NewSliceSource(sets [][][]float32) *SliceSource {
	return &SliceSource{sets: sets}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.sets) {
		return nil, io.EOF
	}
	set := s.sets[s.pos]
	s.pos++
	return set, nil
}

// Train streams the corpus through a Trainer, BatchImages images at a time.
// Each image is subsampled to MaxPerImage descriptors before it joins a batch.
func Train(ctx context.Context, src Source, cfg Config, logger *slog.Logger) (*Vocabulary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t, err := NewTrainer(cfg)
	if err != nil {
		return nil, err
	}
	batchImages := max(cfg.BatchImages, 1)

	var batch [][]float32
	images, batches := 0, 0
	flush := func() error {
		if err := t.PartialFit(ctx, batch); err != nil {
			return err
		}
		batches++
		logger.Info("vocabulary batch fitted", "batch", batches, "descriptors", len(batch), "seen", t.Seen())
		batch = batch[:0]
		images = 0
		return nil
	}

	for {
		set, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading descriptors: %w", err)
		}
		if len(set) == 0 {
			continue
		}
		batch = append(batch, Subsample(set, cfg.MaxPerImage)...)
		images++
		// The first fit needs K descriptors to seed from.
		if images >= batchImages && (t.Initialized() || len(batch) >= cfg.K) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if len(batch) > 0 {
		if !t.Initialized() && len(batch) < cfg.K {
			return nil, fmt.Errorf("%w: corpus has %d, need %d", ErrNotEnoughDescriptors, len(batch), cfg.K)
		}
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if !t.Initialized() {
		return nil, fmt.Errorf("%w: corpus is empty", ErrNotEnoughDescriptors)
	}
	return t.Vocabulary()
}

// Subsample returns at most limit descriptors chosen uniformly at random.
// The choice depends only on len(descs) and limit, so the same image always
// yields the same subset. Selected rows keep their original order.
func Subsample(descs [][]float32, limit int) [][]float32 {
	if limit <= 0 || len(descs) <= limit {
		return descs
	}
	rng := rand.New(rand.NewPCG(uint64(len(descs)), uint64(limit))) //nolint:gosec // reproducible sampling
	idx := make([]int, len(descs))
	for i := range idx {
		idx[i] = i
	}
	for i := range limit {
		j := i + rng.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	picked := idx[:limit]
	sort.Ints(picked)

	out := make([][]float32, limit)
	for i, p := range picked {
		out[i] = descs[p]
	}
	return out
}
