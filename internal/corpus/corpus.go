// Package corpus enumerates the reference images a database is built from,
// either from a YAML manifest or by walking a directory tree.
package corpus

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Entry is one reference image with its identity and location labels.
// An empty SiteID marks an image whose identity is not known yet.
type Entry struct {
	Path     string `yaml:"path"`
	SiteID   string `yaml:"site_id"`
	Location string `yaml:"location"`
}

// Manifest is the on-disk manifest format.
type Manifest struct {
	Entries []Entry `yaml:"entries"`
}

// refDataDir is the directory holding an identity's reference photos in the
// <state>/<location>/<site>/ref_data/<image> layout.
const refDataDir = "ref_data"

// DefaultIncludes matches reference photos in the standard layout.
var DefaultIncludes = []string{"**/" + refDataDir + "/*.{jpg,jpeg,png,bmp,tif,tiff,webp,JPG,JPEG,PNG}"}

// LoadManifest reads a YAML manifest. Relative image paths are resolved
// against the manifest's directory.
func LoadManifest(path string) ([]Entry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.Path == "" {
			return nil, fmt.Errorf("manifest entry %d: missing path", i)
		}
		if !filepath.IsAbs(e.Path) {
			e.Path = filepath.Join(base, e.Path)
		}
	}
	return m.Entries, nil
}

// WriteManifest writes entries as a YAML manifest.
func WriteManifest(path string, entries []Entry) error {
	data, err := yaml.Marshal(Manifest{Entries: entries})
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Walker finds images below a root directory by glob patterns.
type Walker struct {
	includes []string
	excludes []string
}

// NewWalker creates a walker. Without includes, DefaultIncludes is used.
func NewWalker(includes, excludes []string) *Walker {
	if len(includes) == 0 {
		includes = DefaultIncludes
	}
	return &Walker{
		includes: includes,
		excludes: excludes,
	}
}

// Walk returns every matching image below root, sorted by path. Labels are
// derived from the layout: images under <location...>/<site>/ref_data/ get
// that site and location; other images get their parent directory as
// location and no site.
func (w *Walker) Walk(root string) ([]Entry, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && w.match(w.excludes, rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if w.match(w.includes, rel) && !w.match(w.excludes, rel) {
			site, location := parseLayout(rel)
			entries = append(entries, Entry{Path: path, SiteID: site, Location: location})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (w *Walker) match(patterns []string, path string) bool {
	for _, pattern := range patterns {
		matched, err := doublestar.Match(pattern, path)
		if err == nil && matched {
			return true
		}
	}
	return false
}

func parseLayout(rel string) (site, location string) {
	parts := strings.Split(rel, "/")
	n := len(parts)
	if n >= 3 && parts[n-2] == refDataDir {
		return parts[n-3], strings.Join(parts[:n-3], "/")
	}
	return "", strings.Join(parts[:n-1], "/")
}

// Load reads entries from source: a .yaml/.yml manifest file or a directory.
func Load(source string, includes, excludes []string) ([]Entry, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("corpus source: %w", err)
	}
	if info.IsDir() {
		return NewWalker(includes, excludes).Walk(source)
	}
	switch strings.ToLower(filepath.Ext(source)) {
	case ".yaml", ".yml":
		return LoadManifest(source)
	default:
		return nil, errors.New("corpus source must be a directory or a .yaml manifest")
	}
}
