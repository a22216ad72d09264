package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/billing"
)

func TestCatalogCmd_JSONListsFullCatalog(t *testing.T) {
	out, err := runCLI(t, "", "catalog", "-o", "json")
	require.NoError(t, err)

	var entries []catalogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, len(billing.DefaultCatalog()))

	codes := make(map[string]catalogEntry, len(entries))
	for _, e := range entries {
		codes[e.Code] = e
	}
	require.Contains(t, codes, billing.CodeDiagnosticBronch)
	assert.Equal(t, billing.FamilyBronch, codes[billing.CodeDiagnosticBronch].Family)
	assert.True(t, codes[billing.CodeDiagnosticBronch].Diagnostic)
}

func TestCatalogCmd_FamilyFilter(t *testing.T) {
	out, err := runCLI(t, "", "catalog", "--family", "sedation", "-o", "json")
	require.NoError(t, err)

	var entries []catalogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, billing.FamilySedation, e.Family)
	}
}

func TestCatalogCmd_TableOutput(t *testing.T) {
	out, err := runCLI(t, "", "catalog")
	require.NoError(t, err)

	assert.Contains(t, out, "CODE")
	assert.Contains(t, out, billing.CodeLavage)
}
