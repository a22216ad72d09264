package cli

import (
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/billing"
)

var catalogFamily string

// catalogEntry is the serializable view of a descriptor; emission predicates
// stay behind.
type catalogEntry struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Family      string   `json:"family"`
	Diagnostic  bool     `json:"diagnostic"`
	Requires    []string `json:"requires,omitempty"`
}

// NewCatalogCmd creates the catalog command: list billing code descriptors.
func NewCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the billing code catalog",
		RunE:  runCatalog,
	}

	cmd.Flags().StringVar(&catalogFamily, "family", "", "filter by bundling family (bronch, pleural, imaging, sedation)")

	return cmd
}

func runCatalog(cmd *cobra.Command, args []string) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}

	entries := make([]catalogEntry, 0)
	for _, d := range billing.DefaultCatalog() {
		if catalogFamily != "" && d.Family != catalogFamily {
			continue
		}
		entries = append(entries, catalogEntry{
			Code:        d.Code,
			Description: d.Description,
			Family:      d.Family,
			Diagnostic:  d.Diagnostic,
			Requires:    d.Requires,
		})
	}

	if strings.ToLower(cliCtx.OutputFormat) == "json" {
		return printJSON(cmd, entries)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Code", "Family", "Diagnostic", "Requires", "Description"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for _, e := range entries {
		diagnostic := ""
		if e.Diagnostic {
			diagnostic = "yes"
		}
		table.Append([]string{
			e.Code,
			e.Family,
			diagnostic,
			strings.Join(e.Requires, ", "),
			e.Description,
		})
	}
	table.Render()

	return nil
}
