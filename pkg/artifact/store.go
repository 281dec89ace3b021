// Artifact store persisting the exported and queried views of each test case
// Files are written atomically under one subdirectory per signal kind
package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/andrewh/otlpconform/pkg/normalize"
	"github.com/andrewh/otlpconform/pkg/signal"
	"github.com/rboyer/safeio"
	"golang.org/x/sync/errgroup"
)

const (
	// ExportedSuffix names the exported-payload view file.
	ExportedSuffix = "-proto.json"
	// QueriedSuffix names the queried-backend view file.
	QueriedSuffix = "-nrdb.json"

	fileMode = 0o644
	dirMode  = 0o755
)

// Artifact is the normalized pair of views for one test case.
type Artifact struct {
	Kind     signal.Kind
	Name     string
	Exported any
	Queried  any
}

// Paths are the files an artifact was written to.
type Paths struct {
	Exported string
	Queried  string
}

// Store writes artifacts beneath a root directory. Distinct artifacts may be
// saved concurrently.
type Store struct {
	root string
}

// NewStore returns a store rooted at root. Nothing is created until Reset or Save.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root is the store's base directory.
func (s *Store) Root() string { return s.root }

// Dir is the subdirectory holding artifacts of kind, named after the
// lowercased backend data type ("span", "metric", "log").
func (s *Store) Dir(kind signal.Kind) string {
	return filepath.Join(s.root, strings.ToLower(kind.DataType()))
}

// Reset clears and recreates the subdirectory of each kind. Other kinds'
// directories are left alone.
func (s *Store) Reset(ctx context.Context, kinds []signal.Kind) error {
	g, _ := errgroup.WithContext(ctx)
	for _, k := range kinds {
		g.Go(func() error {
			dir := s.Dir(k)
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("clearing %s: %w", dir, err)
			}
			if err := os.MkdirAll(dir, dirMode); err != nil {
				return fmt.Errorf("creating %s: %w", dir, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Save writes both views of a as indented JSON. A nil queried view is
// written as an empty list so every test case yields a file pair.
func (s *Store) Save(a Artifact) (Paths, error) {
	queried := a.Queried
	if queried == nil {
		queried = []any{}
	}
	base := filepath.Join(s.Dir(a.Kind), signal.Slug(a.Name))
	paths := Paths{Exported: base + ExportedSuffix, Queried: base + QueriedSuffix}

	if err := writeJSON(paths.Exported, a.Exported); err != nil {
		return Paths{}, err
	}
	if err := writeJSON(paths.Queried, queried); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

func writeJSON(path string, doc any) error {
	data, err := normalize.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	fh, err := safeio.OpenFile(path, fileMode)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer fh.Close() //nolint:errcheck // Close after Commit is a no-op; otherwise it discards the temp file

	if _, err := fh.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := fh.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", path, err)
	}
	return nil
}

// Files lists artifact files under root as slash-separated paths relative to
// root, e.g. "metric/gauge-proto.json", sorted.
func Files(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ExportedSuffix) && !strings.HasSuffix(name, QueriedSuffix) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing artifacts in %s: %w", root, err)
	}
	slices.Sort(out)
	return out, nil
}
