package guardrails

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

func backstopCandidates(cands []clinical.CandidateDetection) map[string]clinical.CandidateDetection {
	out := make(map[string]clinical.CandidateDetection)
	for _, c := range cands {
		if c.ExtractorID == clinical.ExtractorBackstop {
			out[c.FieldPath] = c
		}
	}
	return out
}

func TestBackstops_FillUncoveredFields(t *testing.T) {
	note := "BAL was obtained from the RML. r-EBUS confirmed the lesion. " +
		"POCUS showed no residual effusion."

	out := NewBackstops(nil).Apply(note, nil)
	added := backstopCandidates(out)

	require.Len(t, added, 3)
	for _, path := range []string{"bronch.lavage", "bronch.radial_ebus", "imaging.chest_ultrasound"} {
		c, ok := added[path]
		require.True(t, ok, "missing backstop for %s", path)
		assert.Equal(t, true, c.Value)
		assert.Equal(t, clinical.PriorityNarrative, c.PriorityClass)
		require.NotEmpty(t, c.Evidence)
		for _, ev := range c.Evidence {
			assert.True(t, ev.VerbatimIn(note))
			assert.Equal(t, clinical.ExtractorBackstop, ev.Source)
		}
	}
}

func TestBackstops_NeverOverrideExplicitNegation(t *testing.T) {
	note := "BAL was obtained from the RML."
	negated := clinical.CandidateDetection{
		FieldPath: "bronch.lavage",
		Value:     false,
		Evidence: []clinical.EvidenceSpan{{
			Source: clinical.ExtractorNegation, Text: "BAL", Span: [2]int{0, 3}, Confidence: 0.9,
		}},
		ExtractorID:   clinical.ExtractorNegation,
		PriorityClass: clinical.PriorityExplicitNegation,
	}

	out := NewBackstops(nil).Apply(note, []clinical.CandidateDetection{negated})

	added := backstopCandidates(out)
	assert.Empty(t, added)
	require.Len(t, out, 1)
	assert.Equal(t, negated, out[0])
}

func TestBackstops_SkipFieldsAlreadyCoveredAtEqualPriority(t *testing.T) {
	note := "BAL was obtained from the RML."
	existing := clinical.CandidateDetection{
		FieldPath: "bronch.lavage",
		Value:     true,
		Evidence: []clinical.EvidenceSpan{{
			Source: clinical.ExtractorNarrative, Text: "BAL was obtained", Span: [2]int{0, 16}, Confidence: 0.85,
		}},
		ExtractorID:   clinical.ExtractorNarrative,
		PriorityClass: clinical.PriorityNarrative,
	}

	out := NewBackstops(nil).Apply(note, []clinical.CandidateDetection{existing})
	assert.Empty(t, backstopCandidates(out))
}

func TestBackstops_AddOverCheckboxOnlyCoverage(t *testing.T) {
	// An unchecked template box is the weakest class; narrative-grade
	// backstop vocabulary may still assert the field.
	note := "[ ] Bronchoalveolar lavage\nBAL was obtained and sent for culture."
	unchecked := clinical.CandidateDetection{
		FieldPath: "bronch.lavage",
		Value:     false,
		Evidence: []clinical.EvidenceSpan{{
			Source: clinical.ExtractorCheckbox, Text: "Bronchoalveolar lavage", Span: [2]int{4, 26}, Confidence: 0.85,
		}},
		ExtractorID:   clinical.ExtractorCheckbox,
		PriorityClass: clinical.PriorityCheckboxTemplate,
	}

	out := NewBackstops(nil).Apply(note, []clinical.CandidateDetection{unchecked})

	added := backstopCandidates(out)
	require.Contains(t, added, "bronch.lavage")
	assert.Equal(t, true, added["bronch.lavage"].Value)
}

func TestBackstops_MenuVocabularyIgnored(t *testing.T) {
	note := "BILLING OPTIONS:\n" +
		"[ ] 31624 - BAL was performed\n" +
		"[ ] 31654 - r-EBUS localization\n" +
		"[ ] 76604 - POCUS chest\n"

	out := NewBackstops(nil).Apply(note, nil)
	assert.Empty(t, backstopCandidates(out))
}

func TestBackstops_EmptyNote(t *testing.T) {
	out := NewBackstops(nil).Apply("", nil)
	assert.Empty(t, out)
}

func TestBackstops_Deterministic(t *testing.T) {
	note := "ENB was used for registration to the target nodule. Cryoprobe was applied with two freeze-thaw cycles."
	a := NewBackstops(nil).Apply(note, nil)
	b := NewBackstops(nil).Apply(note, nil)
	assert.Equal(t, a, b)
}
