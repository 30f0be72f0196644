// Package store persists Identity records. Implementations must honor the
// optimistic concurrency contract: Update succeeds only when the caller holds
// the current version, so two concurrent transitions can never both win.
package store

import (
	"context"
	"time"

	"matricula/internal/identity/models"
	"matricula/pkg/domain"
)

// Store is the Identity persistence contract.
type Store interface {
	// Create inserts a new identity. Fails with sentinel.ErrConflict when the
	// owner already has one.
	Create(ctx context.Context, identity *models.Identity) error

	// Get returns the identity by ID, sentinel.ErrNotFound when absent.
	Get(ctx context.Context, id domain.IdentityID) (*models.Identity, error)

	// GetByOwner returns the identity belonging to an owner.
	GetByOwner(ctx context.Context, ownerID string) (*models.Identity, error)

	// Update persists a mutated identity if and only if identity.Version still
	// matches the stored row, then bumps the version. A lost race returns
	// sentinel.ErrConflict and the caller must re-read.
	Update(ctx context.Context, identity *models.Identity) error

	// ListVerifiedExpiredBefore returns verified identities whose verification
	// expiry lies before the cutoff, for the background sweep.
	ListVerifiedExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Identity, error)
}
