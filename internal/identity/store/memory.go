package store

import (
	"context"
	"sync"
	"time"

	"matricula/internal/identity/models"
	"matricula/pkg/domain"
	"matricula/pkg/platform/sentinel"
)

// InMemory keeps identities in a map guarded by a RWMutex. It implements the
// same version-check semantics as the Postgres store so unit tests exercise
// the real concurrency contract.
type InMemory struct {
	mu         sync.RWMutex
	identities map[domain.IdentityID]*models.Identity
	byOwner    map[string]domain.IdentityID
}

func NewInMemory() *InMemory {
	return &InMemory{
		identities: make(map[domain.IdentityID]*models.Identity),
		byOwner:    make(map[string]domain.IdentityID),
	}
}

func (s *InMemory) Create(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOwner[identity.OwnerID]; ok {
		return sentinel.ErrConflict
	}
	stored := identity.Clone()
	stored.Version = 1
	s.identities[identity.ID] = stored
	s.byOwner[identity.OwnerID] = identity.ID
	identity.Version = 1
	return nil
}

func (s *InMemory) Get(_ context.Context, id domain.IdentityID) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return identity.Clone(), nil
}

func (s *InMemory) GetByOwner(_ context.Context, ownerID string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOwner[ownerID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.identities[id].Clone(), nil
}

func (s *InMemory) Update(_ context.Context, identity *models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.identities[identity.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Version != identity.Version {
		return sentinel.ErrConflict
	}
	next := identity.Clone()
	next.Version = stored.Version + 1
	s.identities[identity.ID] = next
	identity.Version = next.Version
	return nil
}

func (s *InMemory) ListVerifiedExpiredBefore(_ context.Context, cutoff time.Time, limit int) ([]*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Identity
	for _, identity := range s.identities {
		if len(out) >= limit {
			break
		}
		if identity.Status != models.StatusVerified {
			continue
		}
		if identity.VerificationExpiresAt == nil || !identity.VerificationExpiresAt.Before(cutoff) {
			continue
		}
		out = append(out, identity.Clone())
	}
	return out, nil
}
