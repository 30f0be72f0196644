package service

import (
	"time"

	"matricula/internal/identity/models"
)

// VerificationExpiry computes when a verification granted at verifiedAt
// stops being valid.
func VerificationExpiry(verifiedAt time.Time, validity time.Duration) time.Time {
	return verifiedAt.Add(validity)
}

// Expired reports whether a verified identity's grant has lapsed, either
// because the validity window closed or because the underlying document
// itself expired. Non-verified identities never expire.
func Expired(identity *models.Identity, now time.Time) bool {
	if identity.Status != models.StatusVerified {
		return false
	}
	if identity.VerificationExpiresAt != nil && now.After(*identity.VerificationExpiresAt) {
		return true
	}
	if identity.DocumentExpiresAt != nil && now.After(*identity.DocumentExpiresAt) {
		return true
	}
	return false
}
