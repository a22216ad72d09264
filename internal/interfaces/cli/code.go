package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/turtacn/MedCode-Intelligence/internal/application/coding"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

var (
	codeNoteText         string
	codeEnableLearned    bool
	codeEnableCorrective bool
	codeEnablePredictor  bool
)

// NewCodeCmd creates the code command: run the coding pipeline on one note.
func NewCodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code [file]",
		Short: "Derive billing codes from a procedure note",
		Long: `Run the coding pipeline on a procedure note read from a file, from
--note, or from stdin. Model-backed stages (learned extractor, corrective
pass, secondary predictor) need a configured serving backend; without one
they degrade into warnings and the deterministic path still codes the note.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCode,
	}

	cmd.Flags().StringVar(&codeNoteText, "note", "", "note text inline (overrides file/stdin)")
	cmd.Flags().BoolVar(&codeEnableLearned, "learned", false, "enable the learned span extractor")
	cmd.Flags().BoolVar(&codeEnableCorrective, "corrective", false, "enable the corrective pass on omission warnings")
	cmd.Flags().BoolVar(&codeEnablePredictor, "predictor", false, "enable the secondary code predictor")

	return cmd
}

func runCode(cmd *cobra.Command, args []string) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}

	note, err := readNoteInput(cmd, args)
	if err != nil {
		return err
	}

	// No serving backend is wired in CLI mode; enabled model stages degrade
	// into warnings inside the pipeline.
	pipeline := coding.NewPipeline(cliCtx.Config.Pipeline, coding.Deps{Logger: cliCtx.Logger})
	opts := coding.Options{
		EnableLearnedExtractor:   codeEnableLearned,
		EnableCorrectivePass:     codeEnableCorrective,
		EnableSecondaryPredictor: codeEnablePredictor,
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cliCtx.Timeout)
	defer cancel()

	result, err := pipeline.Process(ctx, note, opts)
	if err != nil {
		return err
	}

	switch strings.ToLower(cliCtx.OutputFormat) {
	case "json":
		return printJSON(cmd, result)
	case "table":
		printCodesTable(cmd, result, cliCtx.NoColor)
		return nil
	default:
		printCodesText(cmd, result, cliCtx.NoColor)
		return nil
	}
}

// readNoteInput resolves the note text: --note, file argument, or stdin.
func readNoteInput(cmd *cobra.Command, args []string) (string, error) {
	if codeNoteText != "" {
		return codeNoteText, nil
	}

	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", errors.Wrap(err, errors.ErrCodeValidation, fmt.Sprintf("cannot read note file %s", args[0]))
		}
		return string(data), nil
	}

	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeValidation, "cannot read note from stdin")
	}
	return string(data), nil
}

func printCodesTable(cmd *cobra.Command, result *coding.Result, noColor bool) {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"Code", "Qty", "Modifiers", "Description", "Derived From"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)

	for _, entry := range result.Codes {
		table.Append([]string{
			entry.Code,
			fmt.Sprintf("%d", entry.Quantity),
			strings.Join(entry.Modifiers, ","),
			entry.Description,
			strings.Join(entry.DerivedFrom, ", "),
		})
	}
	table.Render()

	printDisposition(cmd, result, noColor)
}

func printCodesText(cmd *cobra.Command, result *coding.Result, noColor bool) {
	out := cmd.OutOrStdout()

	for _, entry := range result.Codes {
		line := entry.Code
		if len(entry.Modifiers) > 0 {
			line += "-" + strings.Join(entry.Modifiers, "-")
		}
		if entry.Quantity > 1 {
			line += fmt.Sprintf(" x%d", entry.Quantity)
		}
		fmt.Fprintf(out, "%s  %s\n", line, entry.Description)
	}

	printDisposition(cmd, result, noColor)
}

func printDisposition(cmd *cobra.Command, result *coding.Result, noColor bool) {
	out := cmd.OutOrStdout()

	recon := result.Reconciliation
	recommendation := recon.Recommendation.String()
	if !noColor {
		switch recommendation {
		case "auto_approve":
			recommendation = color.GreenString(recommendation)
		case "review_needed":
			recommendation = color.YellowString(recommendation)
		default:
			recommendation = color.RedString(recommendation)
		}
	}
	fmt.Fprintf(out, "\nrecommendation: %s\n", recommendation)
	if len(recon.PredictorOnly) > 0 {
		fmt.Fprintf(out, "predictor-only codes: %s\n", strings.Join(recon.PredictorOnly, ", "))
	}

	for _, om := range result.OmissionWarnings {
		fmt.Fprintf(out, "omission: %s (%s)\n", om.CodeHint, om.Reason)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if result.Corrected {
		fmt.Fprintln(out, "note: corrective pass amended the registry record")
	}
}
