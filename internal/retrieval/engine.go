package retrieval

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/kozaktomas/turtle-id/internal/artifact"
	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/database"
	"github.com/kozaktomas/turtle-id/internal/features"
	"github.com/kozaktomas/turtle-id/internal/spatial"
	"github.com/kozaktomas/turtle-id/internal/vlad"
	"github.com/kozaktomas/turtle-id/internal/vocabulary"
)

// ErrNotReady is returned by queries issued before artifacts are loaded or built.
var ErrNotReady = errors.New("retrieval engine not ready")

// BootstrapConfig controls identity bootstrapping of unlabeled images during a rebuild.
type BootstrapConfig struct {
	Enabled    bool
	Eps        float64 // neighborhood radius, 0 picks one from the data
	MinSamples int
}

// Options configures an Engine.
type Options struct {
	Backend      FeatureBackend
	Archive      *database.Archive
	Store        *artifact.Store
	Vocabulary   vocabulary.Config
	Index        database.Params
	Verify       spatial.Config
	Orchestrator OrchestratorConfig
	Bootstrap    BootstrapConfig
	Oversample   int
	Concurrency  int
	// KeepGenerations is how many previous generations survive a rebuild;
	// negative disables pruning.
	KeepGenerations int
	Logger          *slog.Logger
}

// state is one matched set of loaded artifacts. It is replaced as a whole.
type state struct {
	vocab      *vocabulary.Vocabulary
	index      *database.Index
	generation artifact.Generation
}

// Engine owns the vocabulary, index and metadata of one artifact generation
// and serves queries against them. Queries run concurrently; inserts and
// rebuilds are serialized.
type Engine struct {
	opts     Options
	logger   *slog.Logger
	verifier *spatial.Verifier

	mu    sync.RWMutex
	state *state

	writeMu sync.Mutex
}

// NewEngine creates an engine with no artifacts loaded.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("feature backend is required")
	}
	if opts.Archive == nil {
		return nil, errors.New("descriptor archive is required")
	}
	if opts.Store == nil {
		return nil, errors.New("artifact store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Vocabulary.K == 0 {
		opts.Vocabulary = vocabulary.DefaultConfig()
	}
	if opts.Index.M == 0 {
		opts.Index = database.DefaultParams()
	}
	if opts.Verify.Ratio == 0 {
		opts.Verify = spatial.DefaultConfig()
	}
	if opts.Orchestrator.ResultLimit == 0 {
		opts.Orchestrator = DefaultOrchestratorConfig()
	}
	opts.Concurrency = max(opts.Concurrency, 1)
	opts.Vocabulary.Backend = opts.Backend.Signature()

	return &Engine{
		opts:     opts,
		logger:   opts.Logger,
		verifier: spatial.NewVerifier(opts.Verify, opts.Archive, opts.Logger),
	}, nil
}

func (e *Engine) current() *state {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) swap(st *state) {
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
}

// Ready reports whether queries can be served.
func (e *Engine) Ready() bool {
	return e.current() != nil
}

// StoredFeature identifies an archived descriptor set.
type StoredFeature struct {
	Key         string `json:"key"`
	Path        string `json:"path"`
	Descriptors int    `json:"descriptors"`
	Cached      bool   `json:"cached"`
}

// ExtractAndArchive extracts the image's descriptors and stores them keyed by
// the image content. Images already archived are not extracted again.
func (e *Engine) ExtractAndArchive(ctx context.Context, path string) (StoredFeature, error) {
	key, err := database.FileKey(path)
	if err != nil {
		return StoredFeature{}, fmt.Errorf("%w: %s: %v", features.ErrImageUnreadable, path, err)
	}
	if set, err := e.opts.Archive.Get(key); err == nil {
		return StoredFeature{Key: key, Path: path, Descriptors: set.Len(), Cached: true}, nil
	}

	img, err := features.DecodeFile(path)
	if err != nil {
		return StoredFeature{}, err
	}
	set, err := e.opts.Backend.Extract(ctx, img)
	if err != nil {
		return StoredFeature{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := e.opts.Archive.Put(key, path, set); err != nil {
		return StoredFeature{}, err
	}
	return StoredFeature{Key: key, Path: path, Descriptors: set.Len()}, nil
}

// Search decodes the image at path and searches for it.
func (e *Engine) Search(ctx context.Context, path, location string, limit int) ([]RankedCandidate, error) {
	img, err := features.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return e.SearchImage(ctx, img, location, limit)
}

// SearchImage returns up to limit ranked candidates for img, trying
// transformed variants of the query when the best match is weak.
func (e *Engine) SearchImage(ctx context.Context, img image.Image, location string, limit int) ([]RankedCandidate, error) {
	st := e.current()
	if st == nil {
		return nil, ErrNotReady
	}
	p := &queryPipeline{engine: e, state: st}
	return NewOrchestrator(p, e.opts.Backend.Orientations(), e.opts.Orchestrator, e.logger).
		Search(ctx, img, location, limit)
}

// queryPipeline runs one orientation against a fixed artifact state.
type queryPipeline struct {
	engine *Engine
	state  *state
}

func (p *queryPipeline) Run(ctx context.Context, img image.Image, location string, k int) ([]spatial.Candidate, error) {
	e := p.engine
	set, err := e.opts.Backend.Extract(ctx, img)
	if err != nil {
		return nil, err
	}
	vec, err := e.encode(set, p.state.vocab)
	if err != nil {
		return nil, err
	}
	cands, err := NewRetriever(p.state.index, e.opts.Oversample).Retrieve(vec, location, k)
	if err != nil {
		return nil, err
	}
	ranked, err := e.verifier.Rerank(ctx, set, cands)
	if errors.Is(err, spatial.ErrVerificationSkipped) {
		return cands, nil
	}
	return ranked, err
}

func (e *Engine) encode(set *features.DescriptorSet, vocab *vocabulary.Vocabulary) ([]float32, error) {
	return vlad.Encode(vocabulary.Subsample(set.Descriptors, e.opts.Vocabulary.MaxPerImage), vocab)
}

// InsertIdentityVector adds the image to the live index under siteID and
// persists the index. It returns database.ErrDuplicateVector when the image
// is already indexed. An insert that cannot be persisted is undone. Inserted
// identities are carried over by later rebuilds.
func (e *Engine) InsertIdentityVector(ctx context.Context, path, siteID, location string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	st := e.current()
	if st == nil {
		return ErrNotReady
	}
	stored, err := e.ExtractAndArchive(ctx, path)
	if err != nil {
		return err
	}
	set, err := e.opts.Archive.Get(stored.Key)
	if err != nil {
		return err
	}
	vec, err := e.encode(set, st.vocab)
	if err != nil {
		return err
	}
	if siteID == "" {
		siteID = database.UnassignedSite
	}

	before := st.index.Len()
	added, err := st.index.Add(vec, database.Record{
		Filename:    filepath.Base(path),
		StoragePath: path,
		SiteID:      siteID,
		Location:    location,
		ImageKey:    stored.Key,
		Confirmed:   true,
	})
	if err != nil {
		return err
	}
	if !added {
		return database.ErrDuplicateVector
	}

	gen := st.generation
	if err := st.index.SaveFiles(gen.Path(artifact.IndexFile), gen.Path(artifact.MetadataFile), gen.ID); err != nil {
		st.index.Truncate(before)
		// The index file may already hold the new node; rewrite both so the
		// generation stays loadable.
		if rerr := st.index.SaveFiles(gen.Path(artifact.IndexFile), gen.Path(artifact.MetadataFile), gen.ID); rerr != nil {
			e.logger.Warn("failed to restore artifacts after insert", "generation", gen.ID, "error", rerr)
		}
		return fmt.Errorf("failed to persist index after insert: %w", err)
	}
	e.logger.Info("identity vector inserted", "path", path, "site_id", siteID, "size", st.index.Len())
	return nil
}

// Stats describes the loaded artifacts.
type Stats struct {
	Ready          bool              `json:"ready"`
	Backend        string            `json:"backend"`
	Signature      string            `json:"signature"`
	Generation     string            `json:"generation,omitempty"`
	Entries        int               `json:"entries"`
	Sites          int               `json:"sites"`
	VocabularyK    int               `json:"vocabulary_k"`
	DescriptorDim  int               `json:"descriptor_dim"`
	EncodedDim     int               `json:"encoded_dim"`
	Locations      map[string]uint64 `json:"locations,omitempty"`
	ArchivedImages int               `json:"archived_images"`
}

// Stats returns a snapshot of the engine's state.
func (e *Engine) Stats() Stats {
	s := Stats{
		Backend:   e.opts.Backend.Name(),
		Signature: e.opts.Backend.Signature(),
	}
	if n, err := e.opts.Archive.Len(); err == nil {
		s.ArchivedImages = n
	}
	st := e.current()
	if st == nil {
		return s
	}
	s.Ready = true
	s.Generation = st.generation.ID
	s.Entries = st.index.Len()
	s.Sites = st.index.SiteCount()
	s.VocabularyK = st.vocab.K
	s.DescriptorDim = st.vocab.Dim
	s.EncodedDim = st.vocab.EncodedDim()
	s.Locations = st.index.Locations()
	return s
}

// Entries returns the indexed images with their current labels, in insertion
// order. It is nil before artifacts are loaded.
func (e *Engine) Entries() []corpus.Entry {
	st := e.current()
	if st == nil {
		return nil
	}
	records := st.index.Records()
	entries := make([]corpus.Entry, len(records))
	for i, rec := range records {
		entries[i] = corpus.Entry{Path: rec.StoragePath, SiteID: rec.SiteID, Location: rec.Location}
	}
	return entries
}
