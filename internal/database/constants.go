package database

// HNSW index parameters for VLAD vectors
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 32

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 64

	// DuplicateEpsilon is the L2 distance below which an insert is treated
	// as a re-ingestion of an already indexed image.
	DuplicateEpsilon = 1e-9
)

// Artifact format versions.
const (
	indexFormatVersion    = 1
	metadataFormatVersion = 1
)
