// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Web constants
const (
	// MaxUploadSize is the largest query image accepted by the search endpoint
	MaxUploadSize = 32 << 20

	// EventChannelBuffer is the buffer size of each job event listener
	EventChannelBuffer = 100

	// DefaultSearchResults is the result count used when a request does not set k
	DefaultSearchResults = 5

	// MaxSearchResults caps k on search requests
	MaxSearchResults = 50
)

// Processing constants
const (
	// DefaultConcurrency is the default number of parallel extraction workers
	DefaultConcurrency = 4
)
