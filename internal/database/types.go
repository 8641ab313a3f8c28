package database

import (
	"errors"
)

var (
	// ErrIndexMissingOrCorrupt is returned when the index or its metadata
	// cannot be loaded, or they disagree with each other.
	ErrIndexMissingOrCorrupt = errors.New("index missing or corrupt")

	// ErrDuplicateVector is returned when an insert is rejected because an
	// identical vector is already indexed.
	ErrDuplicateVector = errors.New("duplicate vector")

	// ErrDimensionMismatch is returned when a vector's width differs from the index.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrNotArchived is returned when no descriptors are stored for an image.
	ErrNotArchived = errors.New("descriptors not archived")
)

// UnassignedSite labels images that belong to no identity yet.
const UnassignedSite = "unassigned"

// Record is the metadata stored at each index position.
type Record struct {
	Filename       string
	StoragePath    string
	SiteID         string
	Location       string
	InsertionOrder int
	ImageKey       string // archive key of the image's descriptors
	Confirmed      bool   // added by an identity insert rather than a corpus rebuild
}

// Neighbor is one search hit.
type Neighbor struct {
	Position int
	Distance float64
}

// Params configures an index.
type Params struct {
	M                int
	EfSearch         int
	DuplicateEpsilon float64
}

// DefaultParams returns the index settings of the reference deployment.
func DefaultParams() Params {
	return Params{
		M:                HNSWMaxNeighbors,
		EfSearch:         HNSWEfSearch,
		DuplicateEpsilon: DuplicateEpsilon,
	}
}
