// Package models defines the appeal a student raises against a rejected or
// expired verification.
package models

import (
	"time"

	identitymodels "matricula/internal/identity/models"
	"matricula/pkg/domain"
)

// Status is the appeal's own lifecycle, separate from the identity's.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusApproved    Status = "approved"
	StatusDenied      Status = "denied"
	StatusWithdrawn   Status = "withdrawn"
)

// Open reports whether the appeal still blocks further appeals on the same
// identity.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusUnderReview
}

// Appeal is one request to overturn a rejection or expiry. At most one open
// appeal may exist per identity; the stores enforce that invariant.
type Appeal struct {
	ID         domain.AppealID
	IdentityID domain.IdentityID
	OwnerID    string
	// Reason is the student's stated grounds, required at open time.
	Reason string
	// EvidenceKey references an optional supporting document in the blob
	// store; empty when the student attached nothing.
	EvidenceKey string
	Status      Status
	// PriorIdentityStatus is what the identity reverts to on withdrawal.
	PriorIdentityStatus identitymodels.Status

	ResolvedBy      string
	ResolutionNotes string
	ResolvedAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the optimistic concurrency counter.
	Version int64
}

// New opens an appeal in pending, remembering the identity status it
// interrupted.
func New(identityID domain.IdentityID, ownerID, reason string, prior identitymodels.Status, now time.Time) *Appeal {
	return &Appeal{
		ID:                  domain.NewAppealID(),
		IdentityID:          identityID,
		OwnerID:             ownerID,
		Reason:              reason,
		Status:              StatusPending,
		PriorIdentityStatus: prior,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// CanResolve reports whether a staff decision is still possible.
func (a *Appeal) CanResolve() bool {
	return a.Status.Open()
}

// CanWithdraw reports whether the student can still pull the appeal back.
// Once review has started the decision belongs to staff.
func (a *Appeal) CanWithdraw() bool {
	return a.Status == StatusPending
}

// Clone returns a deep copy for in-memory stores.
func (a *Appeal) Clone() *Appeal {
	c := *a
	if a.ResolvedAt != nil {
		v := *a.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}
