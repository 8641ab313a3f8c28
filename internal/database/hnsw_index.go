package database

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/coder/hnsw"

	"github.com/kozaktomas/turtle-id/internal/artifact"
)

// Index is an append-only HNSW index over encoded image vectors. Position i
// of the graph always corresponds to records[i] and vectors[i].
type Index struct {
	mu         sync.RWMutex
	params     Params
	dim        int
	graph      *hnsw.Graph[int64]
	vectors    [][]float32
	records    []Record
	locations  map[string]*roaring.Bitmap // normalized location -> positions
	generation string
}

// NewIndex creates an empty index for vectors of width dim.
func NewIndex(dim int, params Params) *Index {
	return &Index{
		params:    params,
		dim:       dim,
		graph:     newGraph(params),
		locations: make(map[string]*roaring.Bitmap),
	}
}

func newGraph(params Params) *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = params.M
	// coder/hnsw promotes a node one layer up with probability Ml, so 1/M
	// gives the usual layer sizes n, n/M, n/M^2.
	g.Ml = 1.0 / float64(params.M)
	g.EfSearch = params.EfSearch
	g.Distance = hnsw.EuclideanDistance
	return g
}

// Build creates an index from parallel vector and record slices. Record
// insertion order is set to the vector's position.
func Build(vectors [][]float32, records []Record, params Params) (*Index, error) {
	if len(vectors) != len(records) {
		return nil, fmt.Errorf("%d vectors but %d records", len(vectors), len(records))
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	idx := NewIndex(dim, params)
	for i, vec := range vectors {
		if len(vec) != dim || dim == 0 {
			return nil, fmt.Errorf("vector %d: %w: got %d, want %d", i, ErrDimensionMismatch, len(vec), dim)
		}
		rec := records[i]
		rec.InsertionOrder = i
		idx.appendLocked(vec, rec)
	}
	return idx, nil
}

func (idx *Index) appendLocked(vec []float32, rec Record) int {
	pos := len(idx.records)
	idx.graph.Add(hnsw.MakeNode(int64(pos), vec))
	idx.vectors = append(idx.vectors, vec)
	idx.records = append(idx.records, rec)
	idx.indexLocation(pos, rec.Location)
	return pos
}

func (idx *Index) indexLocation(pos int, location string) {
	loc := NormalizeLocation(location)
	bm, ok := idx.locations[loc]
	if !ok {
		bm = roaring.New()
		idx.locations[loc] = bm
	}
	bm.Add(uint32(pos)) //nolint:gosec // positions are bounded by index size
}

// Add inserts vec unless its nearest neighbor is closer than the duplicate
// epsilon. It reports whether the vector was added.
func (idx *Index) Add(vec []float32, rec Record) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.dim == 0 {
		idx.dim = len(vec)
	}
	if len(vec) != idx.dim || len(vec) == 0 {
		return false, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), idx.dim)
	}

	if idx.graph.Len() > 0 {
		for _, n := range idx.graph.Search(vec, 1) {
			if L2Distance(vec, idx.vectors[n.Key]) < idx.params.DuplicateEpsilon {
				return false, nil
			}
		}
	}

	rec.InsertionOrder = len(idx.records)
	idx.appendLocked(vec, rec)
	return true, nil
}

// Truncate drops every position at or after n, undoing appends that could
// not be persisted. The graph is rebuilt from the remaining vectors since
// deleting a node can leave an upper layer without an entry point.
func (idx *Index) Truncate(n int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if n < 0 || n >= len(idx.records) {
		return
	}
	idx.vectors = idx.vectors[:n]
	idx.records = idx.records[:n]

	idx.graph = newGraph(idx.params)
	idx.locations = make(map[string]*roaring.Bitmap)
	for pos, vec := range idx.vectors {
		idx.graph.Add(hnsw.MakeNode(int64(pos), vec))
		idx.indexLocation(pos, idx.records[pos].Location)
	}
}

// Search returns up to k approximate nearest neighbors ordered by ascending
// exact L2 distance.
func (idx *Index) Search(query []float32, k int) ([]Neighbor, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(query) != idx.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), idx.dim)
	}
	if k <= 0 || idx.graph.Len() == 0 {
		return nil, nil
	}

	nodes := idx.graph.Search(query, min(k, idx.graph.Len()))
	out := make([]Neighbor, 0, len(nodes))
	for _, n := range nodes {
		pos := int(n.Key)
		out = append(out, Neighbor{Position: pos, Distance: L2Distance(query, idx.vectors[pos])})
	}
	sortNeighbors(out)
	return out, nil
}

// SearchSubset performs an exact scan over the given positions. An empty or
// nil subset yields no neighbors.
func (idx *Index) SearchSubset(query []float32, positions *roaring.Bitmap, k int) ([]Neighbor, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(query) != idx.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), idx.dim)
	}
	if k <= 0 || positions == nil || positions.IsEmpty() {
		return []Neighbor{}, nil
	}

	out := make([]Neighbor, 0, positions.GetCardinality())
	it := positions.Iterator()
	for it.HasNext() {
		pos := int(it.Next())
		if pos >= len(idx.vectors) {
			break
		}
		out = append(out, Neighbor{Position: pos, Distance: L2Distance(query, idx.vectors[pos])})
	}
	sortNeighbors(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func sortNeighbors(n []Neighbor) {
	sort.SliceStable(n, func(i, j int) bool {
		if n[i].Distance != n[j].Distance {
			return n[i].Distance < n[j].Distance
		}
		return n[i].Position < n[j].Position
	})
}

// PositionsForLocation returns a copy of the positions whose normalized
// location equals loc. Unknown locations yield an empty bitmap.
func (idx *Index) PositionsForLocation(loc string) *roaring.Bitmap {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if bm, ok := idx.locations[NormalizeLocation(loc)]; ok {
		return bm.Clone()
	}
	return roaring.New()
}

// Record returns the metadata at pos.
func (idx *Index) Record(pos int) (Record, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if pos < 0 || pos >= len(idx.records) {
		return Record{}, false
	}
	return idx.records[pos], true
}

// Records returns a copy of all metadata records in position order.
func (idx *Index) Records() []Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return append([]Record(nil), idx.records...)
}

// Len returns the number of indexed vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.records)
}

// Dim returns the vector width.
func (idx *Index) Dim() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim
}

// SiteCount returns the number of distinct identities, excluding unassigned images.
func (idx *Index) SiteCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	sites := make(map[string]struct{})
	for _, r := range idx.records {
		if r.SiteID != "" && r.SiteID != UnassignedSite {
			sites[r.SiteID] = struct{}{}
		}
	}
	return len(sites)
}

// Locations returns the number of positions per normalized location.
func (idx *Index) Locations() map[string]uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]uint64, len(idx.locations))
	for loc, bm := range idx.locations {
		out[loc] = bm.GetCardinality()
	}
	return out
}

// Generation returns the artifact generation the index belongs to.
func (idx *Index) Generation() string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.generation
}

// metadataPayload is the gob body of the metadata artifact.
type metadataPayload struct {
	Dim     int
	Records []Record
	Vectors [][]float32
}

// SaveFiles writes the graph and the metadata array as two artifacts of the
// given generation, each through a temporary file.
func (idx *Index) SaveFiles(indexPath, metadataPath, generation string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	attrs := map[string]string{
		"count": strconv.Itoa(len(idx.records)),
		"dim":   strconv.Itoa(idx.dim),
	}

	err := artifact.WriteFileAtomic(indexPath, func(w io.Writer) error {
		h := artifact.NewHeader(artifact.KindIndex, indexFormatVersion, generation)
		h.Attributes = attrs
		if err := artifact.WriteHeader(w, h); err != nil {
			return err
		}
		if err := idx.graph.Export(w); err != nil {
			return fmt.Errorf("exporting HNSW graph: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save HNSW index: %w", err)
	}

	err = artifact.WriteFileAtomic(metadataPath, func(w io.Writer) error {
		h := artifact.NewHeader(artifact.KindMetadata, metadataFormatVersion, generation)
		h.Attributes = attrs
		if err := artifact.WriteHeader(w, h); err != nil {
			return err
		}
		p := metadataPayload{Dim: idx.dim, Records: idx.records, Vectors: idx.vectors}
		if err := gob.NewEncoder(w).Encode(p); err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save index metadata: %w", err)
	}

	idx.generation = generation
	return nil
}

// LoadFiles reads an index and its metadata array. Missing files, undecodable
// content, mismatched generations and misaligned lengths are all reported as
// ErrIndexMissingOrCorrupt.
func LoadFiles(indexPath, metadataPath string, params Params) (*Index, error) {
	idx, err := loadFiles(indexPath, metadataPath, params)
	if err != nil {
		if errors.Is(err, ErrIndexMissingOrCorrupt) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrIndexMissingOrCorrupt, err)
	}
	return idx, nil
}

func loadFiles(indexPath, metadataPath string, params Params) (*Index, error) {
	var metaHeader artifact.Header
	var payload metadataPayload
	err := artifact.ReadFile(metadataPath, func(h artifact.Header, r io.Reader) error {
		if err := h.Expect(artifact.KindMetadata, metadataFormatVersion); err != nil {
			return err
		}
		metaHeader = h
		return gob.NewDecoder(r).Decode(&payload)
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: metadata file not found: %s", ErrIndexMissingOrCorrupt, metadataPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index metadata: %w", err)
	}

	g := newGraph(params)
	var indexHeader artifact.Header
	err = artifact.ReadFile(indexPath, func(h artifact.Header, r io.Reader) error {
		if err := h.Expect(artifact.KindIndex, indexFormatVersion); err != nil {
			return err
		}
		indexHeader = h
		return g.Import(r)
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: HNSW index file not found: %s", ErrIndexMissingOrCorrupt, indexPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load HNSW index: %w", err)
	}
	g.Distance = hnsw.EuclideanDistance
	g.EfSearch = params.EfSearch

	if err := artifact.SameGeneration(indexHeader, metaHeader); err != nil {
		return nil, err
	}
	if len(payload.Records) != len(payload.Vectors) || g.Len() != len(payload.Records) {
		return nil, fmt.Errorf("%w: graph has %d nodes, metadata %d records and %d vectors",
			ErrIndexMissingOrCorrupt, g.Len(), len(payload.Records), len(payload.Vectors))
	}

	idx := &Index{
		params:     params,
		dim:        payload.Dim,
		graph:      g,
		vectors:    payload.Vectors,
		records:    payload.Records,
		locations:  make(map[string]*roaring.Bitmap),
		generation: indexHeader.Generation,
	}
	for pos, rec := range idx.records {
		if len(idx.vectors[pos]) != idx.dim {
			return nil, fmt.Errorf("%w: vector %d has width %d", ErrIndexMissingOrCorrupt, pos, len(idx.vectors[pos]))
		}
		idx.indexLocation(pos, rec.Location)
	}
	return idx, nil
}
