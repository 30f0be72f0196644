// Package match scores agreement between the fields a student claimed and the
// fields extracted from their document. The scoring is weighted partial
// credit: each satisfied component contributes its weight, nothing subtracts.
package match

import (
	"strings"

	identitymodels "matricula/internal/identity/models"
	"matricula/internal/ocr"
)

// DefaultAutoApproveThreshold is the confidence at or above which a
// verification is approved without human review. With the default weights,
// 0.8 requires the name plus at least one other component to match.
const DefaultAutoApproveThreshold = 0.8

// Weights assigns partial credit per matched component. They need not sum to
// 1.0, but the defaults do.
type Weights struct {
	Name        float64
	ExternalID  float64
	Institution float64
}

// DefaultWeights carries the documented 0.4/0.3/0.3 split.
var DefaultWeights = Weights{
	Name:        0.4,
	ExternalID:  0.3,
	Institution: 0.3,
}

// Field names reported in match explanations.
const (
	FieldName        = "name"
	FieldExternalID  = "external_id"
	FieldInstitution = "institution"
)

// Result explains one match attempt.
type Result struct {
	Confidence       float64
	MatchedFields    []string
	MismatchedFields []string
}

// Matcher scores extracted fields against claims.
type Matcher struct {
	weights Weights
}

func New(weights Weights) *Matcher {
	return &Matcher{weights: weights}
}

// Score compares the claimed identity against OCR output. The score is the
// sum of satisfied component weights, clamped to [0, 1]. A component whose
// claim is empty cannot match (no credit for vacuous agreement).
func (m *Matcher) Score(identity *identitymodels.Identity, extracted ocr.Extracted) Result {
	var result Result
	score := 0.0

	if containsFold(extracted.Name, identity.ClaimedFullName) {
		score += m.weights.Name
		result.MatchedFields = append(result.MatchedFields, FieldName)
	} else {
		result.MismatchedFields = append(result.MismatchedFields, FieldName)
	}

	if equalsTrimmed(extracted.ExternalID, identity.ClaimedExternalID) {
		score += m.weights.ExternalID
		result.MatchedFields = append(result.MatchedFields, FieldExternalID)
	} else {
		result.MismatchedFields = append(result.MismatchedFields, FieldExternalID)
	}

	if containsFold(extracted.InstitutionName, identity.ClaimedInstitutionID) {
		score += m.weights.Institution
		result.MatchedFields = append(result.MatchedFields, FieldInstitution)
	} else {
		result.MismatchedFields = append(result.MismatchedFields, FieldInstitution)
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0 {
		score = 0
	}
	result.Confidence = score
	return result
}

// containsFold reports whether the claimed value appears in the extracted
// text, case-insensitively, after whitespace normalization. Substring rather
// than equality: OCR output carries surrounding card text.
func containsFold(extracted, claimed string) bool {
	e := normalizeSpace(strings.ToLower(extracted))
	c := normalizeSpace(strings.ToLower(claimed))
	if c == "" || e == "" {
		return false
	}
	return strings.Contains(e, c)
}

func equalsTrimmed(extracted, claimed string) bool {
	e := strings.TrimSpace(extracted)
	c := strings.TrimSpace(claimed)
	if c == "" || e == "" {
		return false
	}
	return e == c
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
