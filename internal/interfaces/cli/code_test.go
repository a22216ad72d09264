package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

const lavageNote = "Bronchoalveolar lavage was performed in the right middle lobe with 60cc return."

func TestCodeCmd_InlineNoteJSON(t *testing.T) {
	out, err := runCLI(t, "", "code", "--note", lavageNote, "-o", "json")
	require.NoError(t, err)

	assert.Contains(t, out, `"31624"`)
	assert.Contains(t, out, `"registry"`)
	assert.Contains(t, out, `"auto_approve"`)
}

func TestCodeCmd_TextOutput(t *testing.T) {
	out, err := runCLI(t, "", "code", "--note", lavageNote, "--no-color")
	require.NoError(t, err)

	assert.Contains(t, out, "31624")
	assert.Contains(t, out, "recommendation: auto_approve")
}

func TestCodeCmd_TableOutput(t *testing.T) {
	out, err := runCLI(t, "", "code", "--note", lavageNote, "--no-color", "-o", "table")
	require.NoError(t, err)

	assert.Contains(t, out, "31624")
	assert.Contains(t, out, "CODE")
}

func TestCodeCmd_NoteFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte(lavageNote), 0o600))

	out, err := runCLI(t, "", "code", path, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"31624"`)
}

func TestCodeCmd_NoteFromStdin(t *testing.T) {
	out, err := runCLI(t, lavageNote, "code", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"31624"`)
}

func TestCodeCmd_MissingFile(t *testing.T) {
	_, err := runCLI(t, "", "code", filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestCodeCmd_EmptyNote(t *testing.T) {
	_, err := runCLI(t, "", "code")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNoteCorrupt))
}

func TestCodeCmd_ModelFlagsDegradeWithoutBackend(t *testing.T) {
	out, err := runCLI(t, "", "code", "--note", lavageNote, "--learned", "--predictor", "-o", "json")
	require.NoError(t, err)

	// The deterministic path still codes the note; the missing backends show
	// up as warnings rather than failures.
	assert.Contains(t, out, `"31624"`)
	assert.Contains(t, out, `"warnings"`)
}
