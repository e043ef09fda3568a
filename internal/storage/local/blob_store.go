// Package local implements a filesystem blob store for running the exporter
// without a cloud bucket.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where objects are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore reads and writes objects below a base directory. Object paths
// use forward slashes regardless of platform.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	return &BlobStore{
		baseDir: filepath.Clean(cfg.BaseDir),
	}, nil
}

// PutObject streams r to a file and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	f, err := os.Create(fullPath) // #nosec G304 -- path is confined to baseDir by resolve.
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	return "file://" + fullPath, nil
}

// OpenObject opens a stored object for reading.
func (s *BlobStore) OpenObject(_ context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(fullPath) // #nosec G304 -- path is confined to baseDir by resolve.
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", path, err)
	}
	return f, nil
}

// ListObjects walks the directory tree under prefix. The walk happens on
// the first call to Next and results are sorted by object path.
func (s *BlobStore) ListObjects(_ context.Context, prefix string) geoexport.ObjectIterator {
	return &objectIterator{store: s, prefix: prefix}
}

func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(path)))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

func (s *BlobStore) list(prefix string) ([]geoexport.ObjectInfo, error) {
	// Walk from the deepest directory fully named by the prefix.
	root := s.baseDir
	if dir := prefix[:strings.LastIndex(prefix, "/")+1]; dir != "" {
		resolved, err := s.resolve(dir)
		if err != nil {
			return nil, err
		}
		root = resolved
	}

	var infos []geoexport.ObjectInfo
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		infos = append(infos, geoexport.ObjectInfo{Path: rel, Size: fi.Size(), Updated: fi.ModTime().UTC()})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

type objectIterator struct {
	store  *BlobStore
	prefix string
	items  []geoexport.ObjectInfo
	loaded bool
}

func (it *objectIterator) Next() (geoexport.ObjectInfo, error) {
	if !it.loaded {
		items, err := it.store.list(it.prefix)
		if err != nil {
			return geoexport.ObjectInfo{}, err
		}
		it.items = items
		it.loaded = true
	}
	if len(it.items) == 0 {
		return geoexport.ObjectInfo{}, geoexport.ErrIteratorDone
	}
	next := it.items[0]
	it.items = it.items[1:]
	return next, nil
}
