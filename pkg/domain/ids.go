// Package domain holds typed identifiers shared across services and stores.
// Wrapping uuid.UUID in distinct types keeps an appeal id from being passed
// where an identity id is expected.
package domain

import "github.com/google/uuid"

// IdentityID identifies one verification subject.
type IdentityID uuid.UUID

// AppealID identifies one appeal attached to an identity.
type AppealID uuid.UUID

// AuditEntryID identifies one immutable audit record.
type AuditEntryID uuid.UUID

// NewIdentityID returns a fresh random IdentityID.
func NewIdentityID() IdentityID {
	return IdentityID(uuid.New())
}

// NewAppealID returns a fresh random AppealID.
func NewAppealID() AppealID {
	return AppealID(uuid.New())
}

// NewAuditEntryID returns a fresh random AuditEntryID.
func NewAuditEntryID() AuditEntryID {
	return AuditEntryID(uuid.New())
}

// ParseIdentityID parses the canonical string form of an IdentityID.
func ParseIdentityID(s string) (IdentityID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return IdentityID{}, err
	}
	return IdentityID(u), nil
}

// ParseAppealID parses the canonical string form of an AppealID.
func ParseAppealID(s string) (AppealID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AppealID{}, err
	}
	return AppealID(u), nil
}

func (i IdentityID) String() string { return uuid.UUID(i).String() }

func (i IdentityID) IsNil() bool { return uuid.UUID(i) == uuid.Nil }

func (a AppealID) String() string { return uuid.UUID(a).String() }

func (a AppealID) IsNil() bool { return uuid.UUID(a) == uuid.Nil }

func (e AuditEntryID) String() string { return uuid.UUID(e).String() }

func (e AuditEntryID) IsNil() bool { return uuid.UUID(e) == uuid.Nil }
