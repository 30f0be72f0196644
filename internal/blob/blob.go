// Package blob is the opaque document store. Keys are content-addressed
// (SHA-256 of the stored bytes) so a re-upload of identical normalized content
// lands on the same key.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"matricula/pkg/platform/sentinel"
)

// Store puts and gets opaque document bytes.
type Store interface {
	// Put stores data and returns its content-addressed key.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	// Get returns the bytes and content type for a key, sentinel.ErrNotFound
	// when absent.
	Get(ctx context.Context, key string) ([]byte, string, error)
}

// Key computes the content-addressed key for a payload.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// InMemory keeps blobs in a map. Development and tests.
type InMemory struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	data        []byte
	contentType string
}

func NewInMemory() *InMemory {
	return &InMemory{blobs: make(map[string]memoryBlob)}
}

func (s *InMemory) Put(_ context.Context, data []byte, contentType string) (string, error) {
	key := Key(data)
	stored := make([]byte, len(data))
	copy(stored, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = memoryBlob{data: stored, contentType: contentType}
	return key, nil
}

func (s *InMemory) Get(_ context.Context, key string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, "", sentinel.ErrNotFound
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, b.contentType, nil
}
