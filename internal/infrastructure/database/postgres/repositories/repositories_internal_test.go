package repositories

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// fakeRow satisfies rowScanner with canned column values in the SELECT order
// used by scanResult.
type fakeRow struct {
	values []interface{}
}

func (f fakeRow) Scan(dest ...interface{}) error {
	for i, d := range dest {
		switch v := f.values[i].(type) {
		case uuid.UUID:
			*d.(*uuid.UUID) = v
		case string:
			*d.(*string) = v
		case []byte:
			*d.(*[]byte) = v
		case bool:
			*d.(*bool) = v
		case time.Time:
			*d.(*time.Time) = v
		}
	}
	return nil
}

func resultRow(registryJSON string) fakeRow {
	return fakeRow{values: []interface{}{
		uuid.New(),
		"sha256:feed01",
		[]byte(registryJSON),
		[]byte(`[{"code":"31624","description":"BAL","derived_from":["bronch.lavage"],"evidence":[],"quantity":1}]`),
		[]byte(`{"matched":["31624"],"derivation_only":null,"predictor_only":null,"recommendation":"auto_approve"}`),
		[]byte(`[]`),
		false,
		[]byte(`["learned extractor unavailable"]`),
		time.Now().UTC(),
	}}
}

func TestScanResult_CurrentSchemaRow(t *testing.T) {
	rec := registry.NewRecord("sha256:feed01")
	rec.Bronch.Lavage.Flag = registry.Flag{Performed: true, Confidence: 0.9}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	res, err := scanResult(resultRow(string(raw)))
	require.NoError(t, err)

	assert.Equal(t, "sha256:feed01", res.NoteHash)
	assert.True(t, res.Registry.Frozen())
	assert.True(t, res.Registry.Bronch.Lavage.Flag.Performed)
	require.Len(t, res.Codes, 1)
	assert.Equal(t, "31624", res.Codes[0].Code)
	assert.Equal(t, clinical.RecommendAutoApprove, res.Reconciliation.Recommendation)
	assert.Equal(t, []string{"learned extractor unavailable"}, res.Warnings)
}

func TestScanResult_LegacyRegistryUpgrades(t *testing.T) {
	legacy := `{
		"note_hash": "sha256:feed01",
		"bronch_lavage": {
			"performed": true,
			"evidence": [{"source":"p","text":"lavage","begin":3,"finish":9,"confidence":0.8}]
		}
	}`

	res, err := scanResult(resultRow(legacy))
	require.NoError(t, err)

	assert.Equal(t, registry.CurrentSchemaVersion, res.Registry.SchemaVersion)
	assert.True(t, res.Registry.Bronch.Lavage.Flag.Performed)
	assert.Equal(t, [2]int{3, 9}, res.Registry.Bronch.Lavage.Flag.Evidence[0].Span)
}

func TestScanResult_CorruptRegistryFails(t *testing.T) {
	_, err := scanResult(resultRow(`{"schema_version": 99}`))
	require.Error(t, err)
}

func TestEmptySlice_NeverNil(t *testing.T) {
	assert.NotNil(t, emptySlice[string](nil))
	assert.Empty(t, emptySlice[string](nil))
	assert.Equal(t, []string{"a"}, emptySlice([]string{"a"}))
}

func TestArgPlaceholders(t *testing.T) {
	assert.Equal(t, " LIMIT $1 OFFSET $2", argPlaceholders(0))
	assert.Equal(t, " LIMIT $2 OFFSET $3", argPlaceholders(1))
}
