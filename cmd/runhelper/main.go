// Command runhelper runs benchmark batches under a resource-supervising
// launcher and collects the results into a resumable CSV table.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "runhelper",
	Short: "Run benchmark instances and collect their results",
	Long: `runhelper runs every instance of a batch under a launcher that enforces
time and memory limits, and appends one row per instance to a CSV result table.

Instances already present in the table are skipped, so an interrupted batch
is resumed by running it again.

Settings come from RUNHELPER_* environment variables (a .env file in the
working directory is loaded first), the batch manifest and flags, in
increasing order of precedence.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
}

func main() {
	// A missing .env file is fine
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
