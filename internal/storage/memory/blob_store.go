// Package memory keeps jobs and export objects in process memory for local
// development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/s2-index-exporter/internal/geoexport"
)

type object struct {
	data        []byte
	contentType string
	updated     time.Time
}

// BlobStore stores objects in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects: make(map[string]object),
	}
}

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object data: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{data: data, contentType: contentType, updated: time.Now().UTC()}
	return "memory://" + path, nil
}

// ListObjects returns objects under prefix in lexical order, as seen at the
// first call to Next.
func (s *BlobStore) ListObjects(_ context.Context, prefix string) geoexport.ObjectIterator {
	return &objectIterator{store: s, prefix: prefix}
}

// OpenObject returns a reader over a copy of the stored bytes.
func (s *BlobStore) OpenObject(_ context.Context, path string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *BlobStore) snapshot(prefix string) []geoexport.ObjectInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]geoexport.ObjectInfo, 0)
	for path, obj := range s.objects {
		if strings.HasPrefix(path, prefix) {
			infos = append(infos, geoexport.ObjectInfo{Path: path, Size: int64(len(obj.data)), Updated: obj.updated})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

type objectIterator struct {
	store  *BlobStore
	prefix string
	items  []geoexport.ObjectInfo
	loaded bool
}

func (it *objectIterator) Next() (geoexport.ObjectInfo, error) {
	if !it.loaded {
		it.items = it.store.snapshot(it.prefix)
		it.loaded = true
	}
	if len(it.items) == 0 {
		return geoexport.ObjectInfo{}, geoexport.ErrIteratorDone
	}
	next := it.items[0]
	it.items = it.items[1:]
	return next, nil
}
