package store

import (
	"context"
	"sync"

	"matricula/internal/appeal/models"
	"matricula/pkg/domain"
	"matricula/pkg/platform/sentinel"
)

// InMemory is the map-backed store for development and tests.
type InMemory struct {
	mu      sync.RWMutex
	appeals map[domain.AppealID]*models.Appeal
	// byIdentity preserves insertion order for newest-first listing.
	byIdentity map[domain.IdentityID][]domain.AppealID
}

func NewInMemory() *InMemory {
	return &InMemory{
		appeals:    make(map[domain.AppealID]*models.Appeal),
		byIdentity: make(map[domain.IdentityID][]domain.AppealID),
	}
}

func (s *InMemory) Create(_ context.Context, appeal *models.Appeal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.byIdentity[appeal.IdentityID] {
		if s.appeals[id].Status.Open() {
			return sentinel.ErrConflict
		}
	}
	stored := appeal.Clone()
	stored.Version = 1
	s.appeals[appeal.ID] = stored
	s.byIdentity[appeal.IdentityID] = append(s.byIdentity[appeal.IdentityID], appeal.ID)
	appeal.Version = 1
	return nil
}

func (s *InMemory) Get(_ context.Context, id domain.AppealID) (*models.Appeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	appeal, ok := s.appeals[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return appeal.Clone(), nil
}

func (s *InMemory) Update(_ context.Context, appeal *models.Appeal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.appeals[appeal.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Version != appeal.Version {
		return sentinel.ErrConflict
	}
	next := appeal.Clone()
	next.Version = stored.Version + 1
	s.appeals[appeal.ID] = next
	appeal.Version = next.Version
	return nil
}

func (s *InMemory) FindOpenByIdentity(_ context.Context, identityID domain.IdentityID) (*models.Appeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.byIdentity[identityID] {
		if appeal := s.appeals[id]; appeal.Status.Open() {
			return appeal.Clone(), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) ListByIdentity(_ context.Context, identityID domain.IdentityID) ([]*models.Appeal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byIdentity[identityID]
	out := make([]*models.Appeal, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.appeals[ids[i]].Clone())
	}
	return out, nil
}
