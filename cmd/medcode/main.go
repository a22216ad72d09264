// Command medcode is the CLI client: it runs the coding pipeline on a note,
// lists the billing catalog, and prints build info.
package main

import (
	"os"

	"github.com/turtacn/MedCode-Intelligence/internal/interfaces/cli"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func init() {
	cli.Version = version
	cli.GitCommit = commit
	cli.BuildDate = buildDate
}

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
