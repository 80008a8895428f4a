package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
)

// BlobStore keeps archived payloads in memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string]blob
}

type blob struct {
	contentType string
	body        []byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string]blob)}
}

// PutObject persists a copy of the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	path = strings.TrimLeft(path, "/")
	s.mu.Lock()
	s.data[path] = blob{contentType: contentType, body: body}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// GetObject returns the stored content and its content type.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, string, error) {
	path = strings.TrimPrefix(strings.TrimLeft(path, "/"), "memory://")
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[path]
	if !ok {
		return nil, "", fmt.Errorf("get object %s: %w", path, catalog.ErrNotFound)
	}
	return append([]byte(nil), b.body...), b.contentType, nil
}

// Paths lists stored object paths under prefix in lexical order.
func (s *BlobStore) Paths(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p := range s.data {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
