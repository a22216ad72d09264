package cli

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCmd_Text(t *testing.T) {
	out, err := runCLI(t, "", "version")
	require.NoError(t, err)

	assert.Contains(t, out, "medcode "+Version)
	assert.Contains(t, out, runtime.Version())
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := runCLI(t, "", "version", "-o", "json")
	require.NoError(t, err)

	assert.Contains(t, out, `"version"`)
	assert.Contains(t, out, `"go_version"`)
}
