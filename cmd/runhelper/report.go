package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/runhelper/pkg/launcher"
	"github.com/wehubfusion/runhelper/pkg/record"
)

var reportCmd = &cobra.Command{
	Use:   "report <launcher-stdout> [output-file]",
	Short: "Parse a saved launcher report into a result record",
	Long: `Parse the standard output of a launcher run, plus the tag lines of the
instance output file if given, and print the record that would be appended
to the result table.

Example:
  runhelper report sat-01.report output/sat-01.out`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().String("instance", "", "Instance id (default: output file name without extension)")
}

func runReport(cmd *cobra.Command, args []string) error {
	stdout, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read launcher report: %w", err)
	}

	id, _ := cmd.Flags().GetString("instance")
	if id == "" {
		base := filepath.Base(args[len(args)-1])
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}

	rec, err := launcher.ParseReport(id, string(stdout))
	if err != nil {
		return err
	}
	if len(args) == 2 {
		if err := appendTags(args[1], rec); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func appendTags(path string, rec *record.Record) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()
	return launcher.ParseTagLog(f, rec)
}
