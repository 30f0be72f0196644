package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	identitymodels "matricula/internal/identity/models"
	"matricula/internal/ocr"
)

func claimed(name, institution, external string) *identitymodels.Identity {
	return &identitymodels.Identity{
		ClaimedFullName:      name,
		ClaimedInstitutionID: institution,
		ClaimedExternalID:    external,
	}
}

func TestScore(t *testing.T) {
	m := New(DefaultWeights)

	tests := []struct {
		name       string
		identity   *identitymodels.Identity
		extracted  ocr.Extracted
		confidence float64
		matched    []string
	}{
		{
			name:     "all components match",
			identity: claimed("Ada Lovelace", "Analytical College", "S-1815"),
			extracted: ocr.Extracted{
				Name:            "STUDENT  Ada Lovelace  Mathematics",
				InstitutionName: "The Analytical College of London",
				ExternalID:      "S-1815",
			},
			confidence: 1.0,
			matched:    []string{FieldName, FieldExternalID, FieldInstitution},
		},
		{
			name:     "name only",
			identity: claimed("Ada Lovelace", "Analytical College", "S-1815"),
			extracted: ocr.Extracted{
				Name: "ada   lovelace",
			},
			confidence: 0.4,
			matched:    []string{FieldName},
		},
		{
			name:     "name and external id reach the threshold",
			identity: claimed("Ada Lovelace", "Analytical College", "S-1815"),
			extracted: ocr.Extracted{
				Name:       "Ada Lovelace",
				ExternalID: " S-1815 ",
			},
			confidence: 0.7,
			matched:    []string{FieldName, FieldExternalID},
		},
		{
			name:       "nothing matches",
			identity:   claimed("Ada Lovelace", "Analytical College", "S-1815"),
			extracted:  ocr.Extracted{Name: "Charles Babbage", ExternalID: "S-1791"},
			confidence: 0,
			matched:    nil,
		},
		{
			name:     "empty claim earns no credit even against empty extraction",
			identity: claimed("Ada Lovelace", "", ""),
			extracted: ocr.Extracted{
				Name: "Ada Lovelace",
			},
			confidence: 0.4,
			matched:    []string{FieldName},
		},
		{
			name:       "external id is exact, not substring",
			identity:   claimed("Ada Lovelace", "", "S-18"),
			extracted:  ocr.Extracted{ExternalID: "S-1815"},
			confidence: 0,
			matched:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := m.Score(tt.identity, tt.extracted)
			assert.InDelta(t, tt.confidence, result.Confidence, 1e-9)
			assert.Equal(t, tt.matched, result.MatchedFields)
		})
	}
}

// Adding a matching component never lowers the score.
func TestScoreMonotonicity(t *testing.T) {
	m := New(DefaultWeights)
	identity := claimed("Ada Lovelace", "Analytical College", "S-1815")

	base := ocr.Extracted{}
	steps := []func(*ocr.Extracted){
		func(e *ocr.Extracted) { e.Name = "Ada Lovelace" },
		func(e *ocr.Extracted) { e.ExternalID = "S-1815" },
		func(e *ocr.Extracted) { e.InstitutionName = "Analytical College" },
	}

	prev := m.Score(identity, base).Confidence
	for _, step := range steps {
		step(&base)
		next := m.Score(identity, base).Confidence
		require.GreaterOrEqual(t, next, prev)
		prev = next
	}
	assert.InDelta(t, 1.0, prev, 1e-9)
}

func TestScoreClamped(t *testing.T) {
	m := New(Weights{Name: 0.9, ExternalID: 0.9, Institution: 0.9})
	identity := claimed("Ada Lovelace", "Analytical College", "S-1815")
	result := m.Score(identity, ocr.Extracted{
		Name:            "Ada Lovelace",
		ExternalID:      "S-1815",
		InstitutionName: "Analytical College",
	})
	assert.Equal(t, 1.0, result.Confidence)
}

func TestMismatchedFieldsReported(t *testing.T) {
	m := New(DefaultWeights)
	identity := claimed("Ada Lovelace", "Analytical College", "S-1815")
	result := m.Score(identity, ocr.Extracted{Name: "Ada Lovelace"})
	assert.Equal(t, []string{FieldExternalID, FieldInstitution}, result.MismatchedFields)
}
