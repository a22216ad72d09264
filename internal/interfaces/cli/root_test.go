package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the full command tree the way main() does, with config
// sourced from MEDCODE_* env vars only.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MEDCODE_DATABASE_USER", "medcode")

	// Subcommand flags bind package-level vars; reset between runs.
	codeNoteText = ""
	codeEnableLearned = false
	codeEnableCorrective = false
	codeEnablePredictor = false
	catalogFamily = ""

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)

	err := root.Execute()
	return out.String(), err
}

func TestNewRootCommand_Structure(t *testing.T) {
	cmd := NewRootCommand()

	assert.Equal(t, "medcode", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.Contains(t, cmd.Version, Version)

	names := make([]string, 0)
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"code", "catalog", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestNewRootCommand_PersistentFlags(t *testing.T) {
	cmd := NewRootCommand()
	pf := cmd.PersistentFlags()

	for _, name := range []string{"config", "log-level", "output", "verbose", "no-color", "timeout"} {
		assert.NotNil(t, pf.Lookup(name), "flag %s must be registered", name)
	}

	assert.Equal(t, "warn", pf.Lookup("log-level").DefValue)
	assert.Equal(t, "text", pf.Lookup("output").DefValue)
	assert.Equal(t, "30s", pf.Lookup("timeout").DefValue)
}

func TestGetCLIContext_NotInitialized(t *testing.T) {
	cmd := &cobra.Command{}
	_, err := GetCLIContext(cmd)
	assert.Error(t, err)

	cmd.SetContext(context.Background())
	_, err = GetCLIContext(cmd)
	assert.Error(t, err)
}

func TestGetCLIContext_Initialized(t *testing.T) {
	cliCtx := &CLIContext{OutputFormat: "json"}
	cmd := &cobra.Command{}
	cmd.SetContext(context.WithValue(context.Background(), cliContextKey{}, cliCtx))

	got, err := GetCLIContext(cmd)
	require.NoError(t, err)
	assert.Equal(t, "json", got.OutputFormat)
}

func TestRootCommand_UnknownSubcommand(t *testing.T) {
	_, err := runCLI(t, "", "assess")
	assert.Error(t, err)
}

func TestPrintError_WritesToStderr(t *testing.T) {
	cmd := &cobra.Command{}
	var errBuf bytes.Buffer
	cmd.SetErr(&errBuf)

	PrintError(cmd, assert.AnError)
	assert.Contains(t, errBuf.String(), "Error:")

	errBuf.Reset()
	PrintError(cmd, nil)
	assert.Empty(t, errBuf.String())
}
