// Package store persists appeals.
package store

import (
	"context"

	"matricula/internal/appeal/models"
	"matricula/pkg/domain"
)

// Store is the appeal persistence contract.
//
// Create must refuse a second open appeal for the same identity with
// sentinel.ErrConflict; that check is the store's job so it holds under
// concurrent opens. Update is an optimistic-concurrency write keyed on
// Version and returns sentinel.ErrConflict when the row moved underneath
// the caller.
type Store interface {
	Create(ctx context.Context, appeal *models.Appeal) error
	Get(ctx context.Context, id domain.AppealID) (*models.Appeal, error)
	Update(ctx context.Context, appeal *models.Appeal) error
	// FindOpenByIdentity returns the open appeal for an identity, or
	// sentinel.ErrNotFound when none is open.
	FindOpenByIdentity(ctx context.Context, identityID domain.IdentityID) (*models.Appeal, error)
	// ListByIdentity returns all appeals for an identity, newest first.
	ListByIdentity(ctx context.Context, identityID domain.IdentityID) ([]*models.Appeal, error)
}
