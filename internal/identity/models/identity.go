// Package models defines the verification subject and its lifecycle states.
package models

import (
	"time"

	"matricula/pkg/domain"
)

// Status is the lifecycle position of an Identity. Transitions are owned by
// the verification service; nothing else mutates status.
type Status string

const (
	// StatusPending: created on registration, no document yet.
	StatusPending Status = "pending"
	// StatusUploaded: document ingested and stored, review not started.
	StatusUploaded Status = "uploaded"
	// StatusProcessing: automated review in flight, or awaiting manual review
	// when a confidence score is already recorded.
	StatusProcessing Status = "processing"
	// StatusVerified: approved by the matcher or a staff reviewer.
	StatusVerified Status = "verified"
	// StatusRejected: declined by a staff reviewer or a denied appeal.
	StatusRejected Status = "rejected"
	// StatusAppealing: transient marker while an appeal is open.
	StatusAppealing Status = "appealing"
	// StatusExpired: verification or document aged out.
	StatusExpired Status = "expired"
)

// transitions lists the legal lifecycle edges. Every service operation
// validates against this before persisting; an edge missing here is a bug in
// the caller, not a policy to bend.
var transitions = map[Status][]Status{
	StatusPending:    {StatusUploaded},
	StatusUploaded:   {StatusProcessing, StatusVerified, StatusRejected},
	StatusProcessing: {StatusVerified, StatusRejected},
	StatusVerified:   {StatusExpired},
	StatusRejected:   {StatusUploaded, StatusAppealing},
	StatusExpired:    {StatusUploaded, StatusAppealing},
	StatusAppealing:  {StatusVerified, StatusRejected, StatusExpired},
}

// CanTransitionTo reports whether the edge s -> next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusUploaded, StatusProcessing, StatusVerified,
		StatusRejected, StatusAppealing, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s is retained for audit rather than in flight.
func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusRejected || s == StatusExpired
}

// ProgressPercent maps status onto the progress bar shown to students.
func (s Status) ProgressPercent() int {
	switch s {
	case StatusUploaded:
		return 25
	case StatusProcessing:
		return 50
	case StatusAppealing:
		return 75
	case StatusVerified:
		return 100
	default: // pending, rejected, expired
		return 0
	}
}

// Display returns the human-readable status label.
func (s Status) Display() string {
	switch s {
	case StatusPending:
		return "Awaiting document"
	case StatusUploaded:
		return "Document received"
	case StatusProcessing:
		return "Under review"
	case StatusVerified:
		return "Verified"
	case StatusRejected:
		return "Rejected"
	case StatusAppealing:
		return "Appeal in progress"
	case StatusExpired:
		return "Expired"
	}
	return string(s)
}

// Identity is one person's verification attempt and current trust state.
// Never hard-deleted; terminal states are retained for audit.
type Identity struct {
	ID                   domain.IdentityID
	OwnerID              string
	ClaimedFullName      string
	ClaimedInstitutionID string
	// ClaimedExternalID is the optional student number printed on the card.
	ClaimedExternalID string

	// DocumentKey references the blob store; empty until first upload.
	DocumentKey         string
	DocumentContentType string
	// DocumentHash is the SHA-256 of the original upload, kept for integrity
	// and dedup even though the stored copy is normalized.
	DocumentHash string

	Status Status
	// ConfidenceScore is set only after a match attempt.
	ConfidenceScore *float64
	StatusReason    string

	VerifiedAt *time.Time
	// VerifiedBy is empty for system (auto) approvals.
	VerifiedBy string

	DocumentExpiresAt     *time.Time
	VerificationExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is the optimistic concurrency counter; stores reject updates
	// whose version does not match the persisted row.
	Version int64
}

// New returns a registration-time Identity with no document.
func New(ownerID, fullName, institutionID, externalID string, now time.Time) *Identity {
	return &Identity{
		ID:                   domain.NewIdentityID(),
		OwnerID:              ownerID,
		ClaimedFullName:      fullName,
		ClaimedInstitutionID: institutionID,
		ClaimedExternalID:    externalID,
		Status:               StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// CanUpload reports whether a new document submission is legal from the
// current state.
func (i *Identity) CanUpload() bool {
	switch i.Status {
	case StatusPending, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsVerified reports trust at the given instant. Callers must run the lazy
// expiration check (or the sweep) before relying on this.
func (i *Identity) IsVerified(now time.Time) bool {
	if i.Status != StatusVerified {
		return false
	}
	if i.VerificationExpiresAt != nil && now.After(*i.VerificationExpiresAt) {
		return false
	}
	return true
}

// NeedsManualReview distinguishes "automation still running" from "a human
// must look at this": a recorded score below the auto-approve threshold left
// the identity parked in processing.
func (i *Identity) NeedsManualReview() bool {
	return i.Status == StatusProcessing && i.ConfidenceScore != nil
}

// Clone returns a deep copy so in-memory stores never hand out shared
// pointers.
func (i *Identity) Clone() *Identity {
	c := *i
	if i.ConfidenceScore != nil {
		v := *i.ConfidenceScore
		c.ConfidenceScore = &v
	}
	c.VerifiedAt = cloneTime(i.VerifiedAt)
	c.DocumentExpiresAt = cloneTime(i.DocumentExpiresAt)
	c.VerificationExpiresAt = cloneTime(i.VerificationExpiresAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
