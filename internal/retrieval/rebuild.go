package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sync"

	"github.com/kozaktomas/turtle-id/internal/artifact"
	"github.com/kozaktomas/turtle-id/internal/cluster"
	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/database"
	"github.com/kozaktomas/turtle-id/internal/vocabulary"
)

// Rebuild phases reported through ProgressInfo.
const (
	PhaseExtracting = "extracting"
	PhaseEncoding   = "encoding"
)

// ProgressInfo reports per-image progress of a rebuild.
type ProgressInfo struct {
	Phase   string
	Current int
	Total   int
	Path    string
}

// RebuildOptions controls a single rebuild.
type RebuildOptions struct {
	// Retrain fits a new vocabulary even when the current one is valid.
	Retrain    bool
	OnProgress func(ProgressInfo)
}

// RebuildReport summarizes a finished rebuild.
type RebuildReport struct {
	Generation string
	Entries    int
	Indexed    int
	Skipped    int
	Carried    int // confirmed identities kept from the previous index
	Retrained  bool
	Bootstrap  *cluster.Summary // nil when no image was bootstrapped
}

// Load reads the current artifact generation and makes it live. Missing,
// corrupt or mismatched artifacts are reported with the matching sentinel.
func (e *Engine) Load() error {
	gen, err := e.opts.Store.Current()
	if err != nil {
		return fmt.Errorf("%w: %v", database.ErrIndexMissingOrCorrupt, err)
	}
	st, err := e.loadGeneration(gen)
	if err != nil {
		return err
	}
	e.swap(st)
	e.logger.Info("artifacts loaded", "generation", gen.ID, "entries", st.index.Len(), "k", st.vocab.K)
	return nil
}

func (e *Engine) loadVocabulary(gen artifact.Generation) (*vocabulary.Vocabulary, error) {
	vocab, err := vocabulary.LoadFile(gen.Path(artifact.VocabularyFile))
	if err != nil {
		return nil, err
	}
	if vocab.Backend != e.opts.Backend.Signature() {
		return nil, fmt.Errorf("%w: fitted on %q, backend is %q",
			vocabulary.ErrVocabularyMissingOrCorrupt, vocab.Backend, e.opts.Backend.Signature())
	}
	return vocab, nil
}

func (e *Engine) loadGeneration(gen artifact.Generation) (*state, error) {
	vocab, err := e.loadVocabulary(gen)
	if err != nil {
		return nil, err
	}
	idx, err := database.LoadFiles(gen.Path(artifact.IndexFile), gen.Path(artifact.MetadataFile), e.opts.Index)
	if err != nil {
		return nil, err
	}
	if vocab.Generation != gen.ID || idx.Generation() != gen.ID {
		return nil, fmt.Errorf("%w: vocabulary %s, index %s, current %s",
			artifact.ErrGenerationMismatch, vocab.Generation, idx.Generation(), gen.ID)
	}
	if idx.Len() > 0 && idx.Dim() != vocab.EncodedDim() {
		return nil, fmt.Errorf("%w: vector width %d, vocabulary encodes %d",
			database.ErrIndexMissingOrCorrupt, idx.Dim(), vocab.EncodedDim())
	}
	return &state{vocab: vocab, index: idx, generation: gen}, nil
}

// LoadOrRebuild loads the current artifacts and falls back to a full rebuild
// from entries when any of them is missing or fails its checks. The report is
// nil when the artifacts loaded.
func (e *Engine) LoadOrRebuild(ctx context.Context, entries []corpus.Entry, opts RebuildOptions) (*RebuildReport, error) {
	err := e.Load()
	if err == nil {
		return nil, nil
	}
	e.logger.Warn("artifacts unusable, rebuilding", "error", err)
	return e.Rebuild(ctx, entries, opts)
}

// Rebuild regenerates the vocabulary, index and metadata from entries into a
// new generation and switches to it. Queries keep using the previous
// artifacts until the switch. Images that fail to load, extract or encode are
// logged and skipped. Identities confirmed through InsertIdentityVector that
// entries do not cover are re-encoded from the archive and kept.
func (e *Engine) Rebuild(ctx context.Context, entries []corpus.Entry, opts RebuildOptions) (*RebuildReport, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	report := &RebuildReport{Entries: len(entries)}

	keys := e.archiveEntries(ctx, entries, opts.OnProgress)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	confirmed := e.confirmedRecords()
	carried := uncoveredRecords(confirmed, entries, keys)
	trainKeys := slices.Clone(keys)
	for _, rec := range carried {
		trainKeys = append(trainKeys, rec.ImageKey)
	}

	vocab, retrained, err := e.rebuildVocabulary(ctx, trainKeys, opts.Retrain)
	if err != nil {
		return nil, err
	}
	report.Retrained = retrained

	vectors := e.encodeEntries(ctx, entries, keys, vocab, opts.OnProgress)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	carriedVectors := e.encodeRecords(ctx, carried, vocab)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var kept [][]float32
	var records []database.Record
	for i, vec := range vectors {
		if vec == nil {
			continue
		}
		rec := database.Record{
			Filename:    filepath.Base(entries[i].Path),
			StoragePath: entries[i].Path,
			SiteID:      entries[i].SiteID,
			Location:    entries[i].Location,
			ImageKey:    keys[i],
		}
		// An unlabeled corpus image keeps the identity it was confirmed under.
		if prev, ok := confirmed[keys[i]]; ok && rec.SiteID == "" {
			rec.SiteID = prev.SiteID
			rec.Location = cmp.Or(rec.Location, prev.Location)
			rec.Confirmed = true
		}
		kept = append(kept, vec)
		records = append(records, rec)
	}
	report.Indexed = len(records)
	report.Skipped = len(entries) - len(records)

	for i, vec := range carriedVectors {
		if vec == nil {
			continue
		}
		kept = append(kept, vec)
		records = append(records, carried[i])
		report.Carried++
	}

	report.Bootstrap = e.bootstrap(kept, records)
	for i := range records {
		if records[i].SiteID == "" {
			records[i].SiteID = database.UnassignedSite
		}
	}

	idx, err := database.Build(kept, records, e.opts.Index)
	if err != nil {
		return nil, fmt.Errorf("building index: %w", err)
	}

	gen, err := e.commit(vocab, idx)
	if err != nil {
		return nil, err
	}
	e.swap(&state{vocab: vocab, index: idx, generation: gen})
	report.Generation = gen.ID
	e.logger.Info("rebuild complete", "generation", gen.ID, "indexed", report.Indexed,
		"carried", report.Carried, "skipped", report.Skipped)

	if e.opts.KeepGenerations >= 0 {
		if err := e.opts.Store.Prune(e.opts.KeepGenerations); err != nil {
			e.logger.Warn("failed to prune old generations", "error", err)
		}
	}
	return report, nil
}

// forEach runs fn for 0..n-1 on at most Concurrency goroutines and stops
// scheduling once ctx is done.
func (e *Engine) forEach(ctx context.Context, n int, fn func(i int)) {
	sem := make(chan struct{}, e.opts.Concurrency)
	var wg sync.WaitGroup
	for i := range n {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

func progressReporter(phase string, total int, cb func(ProgressInfo)) func(path string) {
	var mu sync.Mutex
	current := 0
	return func(path string) {
		if cb == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		current++
		cb(ProgressInfo{Phase: phase, Current: current, Total: total, Path: path})
	}
}

// archiveEntries makes sure every entry has archived descriptors and returns
// the archive key per entry, empty for entries that failed.
func (e *Engine) archiveEntries(ctx context.Context, entries []corpus.Entry, cb func(ProgressInfo)) []string {
	keys := make([]string, len(entries))
	report := progressReporter(PhaseExtracting, len(entries), cb)
	e.forEach(ctx, len(entries), func(i int) {
		defer report(entries[i].Path)
		stored, err := e.ExtractAndArchive(ctx, entries[i].Path)
		if err != nil {
			e.logger.Warn("skipping image", "path", entries[i].Path, "error", err)
			return
		}
		keys[i] = stored.Key
	})
	return keys
}

// rebuildVocabulary reuses the live or last committed vocabulary when it is
// valid and fits the backend, and trains a new one otherwise.
func (e *Engine) rebuildVocabulary(ctx context.Context, keys []string, retrain bool) (*vocabulary.Vocabulary, bool, error) {
	if !retrain {
		var vocab *vocabulary.Vocabulary
		if st := e.current(); st != nil {
			vocab = st.vocab
		} else if gen, err := e.opts.Store.Current(); err == nil {
			v, err := e.loadVocabulary(gen)
			if err != nil {
				e.logger.Warn("stored vocabulary unusable", "error", err)
			}
			vocab = v
		}
		if vocab != nil && vocab.Validate() == nil && vocab.Backend == e.opts.Backend.Signature() {
			cp := *vocab
			return &cp, false, nil
		}
	}

	e.logger.Info("training vocabulary", "images", len(keys), "k", e.opts.Vocabulary.K)
	src := &archiveSource{engine: e, keys: keys}
	vocab, err := vocabulary.Train(ctx, src, e.opts.Vocabulary, e.logger)
	if err != nil {
		return nil, false, fmt.Errorf("training vocabulary: %w", err)
	}
	return vocab, true, nil
}

// archiveSource streams archived descriptor sets one image at a time.
type archiveSource struct {
	engine *Engine
	keys   []string
	pos    int
}

func (s *archiveSource) Next(ctx context.Context) ([][]float32, error) {
	for s.pos < len(s.keys) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := s.keys[s.pos]
		s.pos++
		if key == "" {
			continue
		}
		set, err := s.engine.opts.Archive.Get(key)
		if err != nil {
			s.engine.logger.Warn("skipping archived descriptors", "key", key, "error", err)
			continue
		}
		return set.Descriptors, nil
	}
	return nil, io.EOF
}

// encodeEntries returns one vector per entry, nil for entries that failed.
func (e *Engine) encodeEntries(ctx context.Context, entries []corpus.Entry, keys []string, vocab *vocabulary.Vocabulary, cb func(ProgressInfo)) [][]float32 {
	vectors := make([][]float32, len(entries))
	report := progressReporter(PhaseEncoding, len(entries), cb)
	e.forEach(ctx, len(entries), func(i int) {
		defer report(entries[i].Path)
		if keys[i] == "" {
			return
		}
		set, err := e.opts.Archive.Get(keys[i])
		if err != nil {
			e.logger.Warn("skipping image", "path", entries[i].Path, "error", err)
			return
		}
		vec, err := e.encode(set, vocab)
		if err != nil {
			e.logger.Warn("skipping image", "path", entries[i].Path, "error", err)
			return
		}
		vectors[i] = vec
	})
	return vectors
}

// confirmedRecords returns the inserted identities of the live index, or of
// the last committed one when nothing is loaded, keyed by archive key.
func (e *Engine) confirmedRecords() map[string]database.Record {
	var records []database.Record
	if st := e.current(); st != nil {
		records = st.index.Records()
	} else if gen, err := e.opts.Store.Current(); err == nil {
		idx, err := database.LoadFiles(gen.Path(artifact.IndexFile), gen.Path(artifact.MetadataFile), e.opts.Index)
		if err != nil {
			e.logger.Warn("previous index unusable, confirmed identities not carried over", "error", err)
			return nil
		}
		records = idx.Records()
	}

	confirmed := make(map[string]database.Record)
	for _, rec := range records {
		if rec.Confirmed && rec.ImageKey != "" {
			confirmed[rec.ImageKey] = rec
		}
	}
	return confirmed
}

// uncoveredRecords returns the confirmed records whose image is not among
// entries, matched by archive key or path, in their original insertion order.
func uncoveredRecords(confirmed map[string]database.Record, entries []corpus.Entry, keys []string) []database.Record {
	covered := make(map[string]bool, len(entries)*2)
	for i, entry := range entries {
		covered[entry.Path] = true
		if keys[i] != "" {
			covered[keys[i]] = true
		}
	}
	var out []database.Record
	for key, rec := range confirmed {
		if covered[key] || covered[rec.StoragePath] {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b database.Record) int {
		return cmp.Compare(a.InsertionOrder, b.InsertionOrder)
	})
	return out
}

// encodeRecords encodes archived records with vocab, nil for records whose
// descriptors are gone.
func (e *Engine) encodeRecords(ctx context.Context, records []database.Record, vocab *vocabulary.Vocabulary) [][]float32 {
	vectors := make([][]float32, len(records))
	e.forEach(ctx, len(records), func(i int) {
		set, err := e.opts.Archive.Get(records[i].ImageKey)
		if err != nil {
			e.logger.Warn("dropping confirmed identity", "path", records[i].StoragePath,
				"site_id", records[i].SiteID, "error", err)
			return
		}
		vec, err := e.encode(set, vocab)
		if err != nil {
			e.logger.Warn("dropping confirmed identity", "path", records[i].StoragePath,
				"site_id", records[i].SiteID, "error", err)
			return
		}
		vectors[i] = vec
	})
	return vectors
}

// bootstrap assigns cluster-derived sites to records without one. Noise
// points stay unassigned.
func (e *Engine) bootstrap(vectors [][]float32, records []database.Record) *cluster.Summary {
	cfg := e.opts.Bootstrap
	if !cfg.Enabled {
		return nil
	}
	var unlabeled []int
	for i, r := range records {
		if r.SiteID == "" {
			unlabeled = append(unlabeled, i)
		}
	}
	if len(unlabeled) == 0 {
		return nil
	}

	vecs := make([][]float32, len(unlabeled))
	for j, i := range unlabeled {
		vecs[j] = vectors[i]
	}
	minSamples := max(cfg.MinSamples, 1)
	eps := cfg.Eps
	if eps <= 0 {
		eps = cluster.SuggestEps(vecs, minSamples)
	}

	labels := cluster.DBSCAN(vecs, eps, minSamples)
	for j, i := range unlabeled {
		records[i].SiteID = cluster.SiteLabel(labels[j], database.UnassignedSite)
	}
	summary := cluster.Summarize(labels)
	e.logger.Info("bootstrapped identities", "images", len(vecs), "eps", eps,
		"clusters", summary.Clusters, "noise", summary.Noise)
	return &summary
}

// commit writes the three artifacts into a staging directory and publishes
// them as the current generation.
func (e *Engine) commit(vocab *vocabulary.Vocabulary, idx *database.Index) (artifact.Generation, error) {
	stage, err := e.opts.Store.Stage()
	if err != nil {
		return artifact.Generation{}, err
	}
	if err := vocabulary.SaveFile(stage.Path(artifact.VocabularyFile), vocab, stage.ID()); err != nil {
		stage.Abort()
		return artifact.Generation{}, err
	}
	if err := idx.SaveFiles(stage.Path(artifact.IndexFile), stage.Path(artifact.MetadataFile), stage.ID()); err != nil {
		stage.Abort()
		return artifact.Generation{}, err
	}
	gen, err := stage.Commit()
	if err != nil {
		stage.Abort()
		return artifact.Generation{}, fmt.Errorf("committing generation: %w", err)
	}
	return gen, nil
}
