package artifact

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// File names inside a generation directory.
const (
	VocabularyFile = "vocabulary.bin"
	IndexFile      = "index.hnsw"
	MetadataFile   = "metadata.gob"
)

const (
	generationsDir = "generations"
	currentFile    = "CURRENT"
	stagingPrefix  = ".staging-"
)

// ErrNoGeneration is returned when no generation has been committed yet.
var ErrNoGeneration = errors.New("no artifact generation")

// Generation is one committed set of matched artifacts.
type Generation struct {
	ID  string
	Dir string
}

// Path returns the location of a file within the generation.
func (g Generation) Path(name string) string {
	return filepath.Join(g.Dir, name)
}

// Store manages generation directories below a root directory.
type Store struct {
	root string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Current returns the generation the CURRENT pointer refers to.
func (s *Store) Current() (Generation, error) {
	data, err := os.ReadFile(filepath.Join(s.root, currentFile)) //nolint:gosec // path is from trusted config
	if errors.Is(err, os.ErrNotExist) {
		return Generation{}, ErrNoGeneration
	}
	if err != nil {
		return Generation{}, fmt.Errorf("reading current generation: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if _, err := uuid.Parse(id); err != nil {
		return Generation{}, fmt.Errorf("current generation %q: %w", id, err)
	}
	g := s.generation(id)
	if _, err := os.Stat(g.Dir); err != nil {
		return Generation{}, fmt.Errorf("current generation %s: %w", id, err)
	}
	return g, nil
}

func (s *Store) generation(id string) Generation {
	return Generation{ID: id, Dir: filepath.Join(s.root, generationsDir, id)}
}

// Stage creates a fresh staging directory for a new generation. Nothing is
// visible to readers until Commit.
func (s *Store) Stage() (*Staging, error) {
	id := uuid.NewString()
	dir := filepath.Join(s.root, generationsDir, stagingPrefix+id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Staging{store: s, id: id, dir: dir}, nil
}

// Staging is a generation under construction.
type Staging struct {
	store *Store
	id    string
	dir   string
	done  bool
}

// ID returns the generation ID the staged artifacts must carry.
func (st *Staging) ID() string {
	return st.id
}

// Path returns the staging location of a file.
func (st *Staging) Path(name string) string {
	return filepath.Join(st.dir, name)
}

// Commit moves the staged directory into place and switches CURRENT to it.
func (st *Staging) Commit() (Generation, error) {
	if st.done {
		return Generation{}, errors.New("staging already finished")
	}
	for _, name := range []string{VocabularyFile, IndexFile, MetadataFile} {
		if _, err := os.Stat(st.Path(name)); err != nil {
			return Generation{}, fmt.Errorf("staged %s: %w", name, err)
		}
	}
	g := st.store.generation(st.id)
	if err := os.Rename(st.dir, g.Dir); err != nil {
		return Generation{}, fmt.Errorf("publishing generation: %w", err)
	}
	st.done = true
	err := WriteFileAtomic(filepath.Join(st.store.root, currentFile), func(w io.Writer) error {
		_, err := io.WriteString(w, st.id+"\n")
		return err
	})
	if err != nil {
		return Generation{}, fmt.Errorf("switching current generation: %w", err)
	}
	return g, nil
}

// Abort removes the staging directory. It is a no-op after Commit.
func (st *Staging) Abort() {
	if st.done {
		return
	}
	st.done = true
	_ = os.RemoveAll(st.dir)
}

// Prune removes every generation except the current one and the keep most
// recently modified others. Leftover staging directories are removed too.
func (s *Store) Prune(keep int) error {
	cur, err := s.Current()
	if err != nil && !errors.Is(err, ErrNoGeneration) {
		return err
	}
	base := filepath.Join(s.root, generationsDir)
	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing generations: %w", err)
	}

	type candidate struct {
		name    string
		modTime int64
	}
	var old []candidate
	for _, e := range entries {
		if !e.IsDir() || e.Name() == cur.ID {
			continue
		}
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			_ = os.RemoveAll(filepath.Join(base, e.Name()))
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		old = append(old, candidate{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(old, func(i, j int) bool { return old[i].modTime > old[j].modTime })
	for i, c := range old {
		if i < keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(base, c.name)); err != nil {
			return fmt.Errorf("removing generation %s: %w", c.name, err)
		}
	}
	return nil
}

// WriteFileAtomic writes path through a temporary file in the same directory
// and renames it into place once fn succeeds.
func WriteFileAtomic(path string, fn func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	bw := bufio.NewWriter(tmp)
	if err := fn(bw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flushing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming %s: %w", path, err)
	}
	return nil
}

// ReadFile opens path, reads its header and hands the remaining stream to fn.
func ReadFile(path string, fn func(h Header, r io.Reader) error) error {
	f, err := os.Open(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	h, err := ReadHeader(br)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return fn(h, br)
}
