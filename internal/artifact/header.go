// Package artifact implements the persisted artifact layout: self-describing
// versioned file headers and generation directories switched atomically.
package artifact

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Magic identifies files written by this package.
const Magic = "turtle-id"

// maxHeaderSize bounds the JSON header so a corrupt length cannot trigger a huge allocation.
const maxHeaderSize = 1 << 16

// Kind names the artifact stored after the header.
type Kind string

const (
	KindVocabulary Kind = "vocabulary"
	KindIndex      Kind = "index"
	KindMetadata   Kind = "metadata"
)

var (
	// ErrBadHeader is returned when a file does not start with a valid header.
	ErrBadHeader = errors.New("invalid artifact header")

	// ErrGenerationMismatch is returned when artifacts from different
	// generations are loaded together.
	ErrGenerationMismatch = errors.New("artifact generation mismatch")
)

// Header precedes every artifact payload.
type Header struct {
	Magic      string            `json:"magic"`
	Kind       Kind              `json:"kind"`
	Version    int               `json:"version"`
	Generation string            `json:"generation"`
	CreatedAt  time.Time         `json:"created_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewHeader returns a header for the given artifact kind and generation.
func NewHeader(kind Kind, version int, generation string) Header {
	return Header{
		Magic:      Magic,
		Kind:       kind,
		Version:    version,
		Generation: generation,
		CreatedAt:  time.Now().UTC(),
	}
}

// WriteHeader writes h as a length-prefixed JSON document so that a binary
// payload can follow directly.
func WriteHeader(w io.Writer, h Header) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data))) //nolint:gosec // bounded by header content
	if _, err := w.Write(size[:]); err != nil {
		return fmt.Errorf("writing header size: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}

// ReadHeader reads a header written by WriteHeader.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	n := binary.BigEndian.Uint32(size[:])
	if n == 0 || n > maxHeaderSize {
		return h, fmt.Errorf("%w: header size %d", ErrBadHeader, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if h.Magic != Magic {
		return h, fmt.Errorf("%w: magic %q", ErrBadHeader, h.Magic)
	}
	return h, nil
}

// Expect checks the artifact kind and version.
func (h Header) Expect(kind Kind, version int) error {
	if h.Kind != kind {
		return fmt.Errorf("%w: kind %q, want %q", ErrBadHeader, h.Kind, kind)
	}
	if h.Version != version {
		return fmt.Errorf("%w: %s version %d, want %d", ErrBadHeader, kind, h.Version, version)
	}
	return nil
}

// SameGeneration returns ErrGenerationMismatch unless all headers share one generation.
func SameGeneration(headers ...Header) error {
	for _, h := range headers[min(1, len(headers)):] {
		if h.Generation != headers[0].Generation {
			return fmt.Errorf("%w: %s is %q, %s is %q",
				ErrGenerationMismatch, headers[0].Kind, headers[0].Generation, h.Kind, h.Generation)
		}
	}
	return nil
}
