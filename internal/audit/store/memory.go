// Package store holds the append-only audit persistence implementations.
package store

import (
	"context"
	"sync"

	"matricula/internal/audit"
	"matricula/pkg/domain"
)

// InMemory keeps entries per identity. Entries are value copies; nothing
// handed back can mutate the stored trail.
type InMemory struct {
	mu      sync.RWMutex
	entries map[domain.IdentityID][]audit.Entry
}

func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[domain.IdentityID][]audit.Entry)}
}

func (s *InMemory) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Details = cloneDetails(entry.Details)
	s.entries[entry.IdentityID] = append(s.entries[entry.IdentityID], entry)
	return nil
}

// ListByIdentity returns entries newest first.
func (s *InMemory) ListByIdentity(_ context.Context, identityID domain.IdentityID) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.entries[identityID]
	out := make([]audit.Entry, 0, len(stored))
	// Appends arrive in causal order; reverse for newest-first.
	for i := len(stored) - 1; i >= 0; i-- {
		entry := stored[i]
		entry.Details = cloneDetails(entry.Details)
		out = append(out, entry)
	}
	return out, nil
}

func cloneDetails(details map[string]string) map[string]string {
	if details == nil {
		return nil
	}
	c := make(map[string]string, len(details))
	for k, v := range details {
		c[k] = v
	}
	return c
}
