package coding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/note_bert"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

func newScanner(minConfidence float64) *OmissionScanner {
	return NewOmissionScanner(config.OmissionConfig{MinConfidence: minConfidence}, nil)
}

func performedFlag(text string) registry.Flag {
	return registry.Flag{
		Performed: true,
		Evidence: []clinical.EvidenceSpan{{
			Source:     clinical.ExtractorNarrative,
			Text:       text,
			Span:       [2]int{0, len(text)},
			Confidence: 0.9,
		}},
		ExtractorID: clinical.ExtractorNarrative,
		Confidence:  0.9,
	}
}

func TestScan_RaisesWarningForUnsetField(t *testing.T) {
	rec := registry.NewRecord("abc")
	signal := note_bert.RawSignal{"bronch.lavage": 0.82}

	got := newScanner(0.75).Scan(rec, signal)
	require.Len(t, got, 1)
	assert.Equal(t, "bronch.lavage", got[0].FieldPath)
	assert.Equal(t, "31624", got[0].Warning.CodeHint)
	assert.InDelta(t, 0.82, got[0].Warning.TriggeringConfidence, 1e-9)
	assert.Contains(t, got[0].Warning.Reason, "bronch.lavage")
}

func TestScan_SkipsPerformedField(t *testing.T) {
	rec := registry.NewRecord("abc")
	require.NoError(t, rec.SetFlag("bronch.lavage", performedFlag("lavage was performed")))
	signal := note_bert.RawSignal{"bronch.lavage": 0.95}

	assert.Empty(t, newScanner(0.75).Scan(rec, signal))
}

func TestScan_SkipsBelowThreshold(t *testing.T) {
	rec := registry.NewRecord("abc")
	signal := note_bert.RawSignal{"bronch.lavage": 0.60}

	assert.Empty(t, newScanner(0.75).Scan(rec, signal))
}

func TestScan_NilSignalScansNothing(t *testing.T) {
	rec := registry.NewRecord("abc")
	assert.Empty(t, newScanner(0.75).Scan(rec, nil))
}

func TestScan_IgnoresUnwatchedFields(t *testing.T) {
	rec := registry.NewRecord("abc")
	// sedation.moderate is signaled but not watch-listed: it has no
	// standalone high-value code to miss.
	signal := note_bert.RawSignal{"sedation.moderate": 0.99}

	assert.Empty(t, newScanner(0.75).Scan(rec, signal))
}

func TestScan_MultipleOmissionsKeepWatchOrder(t *testing.T) {
	rec := registry.NewRecord("abc")
	signal := note_bert.RawSignal{
		"pleural.thoracentesis":        0.91,
		"bronch.transbronchial_biopsy": 0.88,
	}

	got := newScanner(0.75).Scan(rec, signal)
	require.Len(t, got, 2)
	assert.Equal(t, "bronch.transbronchial_biopsy", got[0].FieldPath)
	assert.Equal(t, "pleural.thoracentesis", got[1].FieldPath)
}

func TestWarnings_StripsFieldPaths(t *testing.T) {
	in := []Omission{
		{FieldPath: "bronch.lavage", Warning: clinical.OmissionWarning{CodeHint: "31624"}},
		{FieldPath: "pleural.thoracentesis", Warning: clinical.OmissionWarning{CodeHint: "32554"}},
	}
	got := Warnings(in)
	require.Len(t, got, 2)
	assert.Equal(t, "31624", got[0].CodeHint)
	assert.Equal(t, "32554", got[1].CodeHint)

	assert.Nil(t, Warnings(nil))
}
