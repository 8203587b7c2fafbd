package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/taxscore/cmd/taxscore/commands"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
)

var rootCmd = &cobra.Command{
	Use:   "taxscore",
	Short: "taxscore - background-normalized taxon scoring for metagenomic samples",
	Long: `taxscore - background-normalized taxon scoring for metagenomic samples.

Scores a sample's per-taxon abundance against a background model of control
runs, ranks taxa with a configurable scoring expression and highlights the
top candidates.

Available commands:
  am           - Manage taxscore configuration ("I am")
  db           - Manage the taxscore database
  lineage      - Import lineage versions and resolve ancestry
  observations - Import pipeline runs and per-taxon counts
  background   - Create and build background models
  model        - Inspect scoring models
  report       - Generate a scored report for a run
  pulse        - Run the Pulse daemon (async background builds)

Examples:
  taxscore am show
  taxscore lineage import --version 2024-02-06 lineages.jsonl
  taxscore background build 3 --async
  taxscore report --run 12 --background 3 --version 2024-02-06`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.DatabasePath, "db", "", "Database path (overrides database.path)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.LineageCmd)
	rootCmd.AddCommand(commands.ObservationsCmd)
	rootCmd.AddCommand(commands.BackgroundCmd)
	rootCmd.AddCommand(commands.ModelCmd)
	rootCmd.AddCommand(commands.ReportCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "hint: %s\n", hint)
		}
		os.Exit(1)
	}
}
