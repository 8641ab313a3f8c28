package vocabulary

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/kozaktomas/turtle-id/internal/artifact"
)

const formatVersion = 1

type payload struct {
	K         int
	Dim       int
	Centroids [][]float32
	Backend   string
	Seed      uint64
}

// Write serializes v behind an artifact header for the given generation.
func Write(w io.Writer, v *Vocabulary, generation string) error {
	if err := v.Validate(); err != nil {
		return err
	}
	h := artifact.NewHeader(artifact.KindVocabulary, formatVersion, generation)
	h.Attributes = map[string]string{
		"k":       strconv.Itoa(v.K),
		"dim":     strconv.Itoa(v.Dim),
		"backend": v.Backend,
	}
	if err := artifact.WriteHeader(w, h); err != nil {
		return err
	}
	p := payload{K: v.K, Dim: v.Dim, Centroids: v.Centroids, Backend: v.Backend, Seed: v.Seed}
	if err := gob.NewEncoder(w).Encode(p); err != nil {
		return fmt.Errorf("encoding vocabulary: %w", err)
	}
	return nil
}

// Read decodes a vocabulary written by Write. Any failure, including a
// decoded codebook that fails Validate, is reported as ErrVocabularyMissingOrCorrupt.
func Read(h artifact.Header, r io.Reader) (*Vocabulary, error) {
	if err := h.Expect(artifact.KindVocabulary, formatVersion); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVocabularyMissingOrCorrupt, err)
	}
	var p payload
	if err := gob.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", ErrVocabularyMissingOrCorrupt, err)
	}
	v := &Vocabulary{
		K:          p.K,
		Dim:        p.Dim,
		Centroids:  p.Centroids,
		Backend:    p.Backend,
		Seed:       p.Seed,
		Generation: h.Generation,
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// SaveFile writes v to path atomically.
func SaveFile(path string, v *Vocabulary, generation string) error {
	err := artifact.WriteFileAtomic(path, func(w io.Writer) error {
		return Write(w, v, generation)
	})
	if err != nil {
		return fmt.Errorf("saving vocabulary: %w", err)
	}
	v.Generation = generation
	return nil
}

// LoadFile reads a vocabulary from path.
func LoadFile(path string) (*Vocabulary, error) {
	var v *Vocabulary
	err := artifact.ReadFile(path, func(h artifact.Header, r io.Reader) error {
		var err error
		v, err = Read(h, r)
		return err
	})
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s not found", ErrVocabularyMissingOrCorrupt, path)
	case errors.Is(err, ErrVocabularyMissingOrCorrupt):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrVocabularyMissingOrCorrupt, err)
	}
	return v, nil
}
