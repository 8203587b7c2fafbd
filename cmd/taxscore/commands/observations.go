package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/observation"
	"github.com/teranos/taxscore/taxon"
)

// ObservationsCmd groups pipeline run import commands
var ObservationsCmd = &cobra.Command{
	Use:     "observations",
	Aliases: []string{"obs"},
	Short:   "Import pipeline runs and per-taxon counts",
	Long: `observations - Per-taxon alignment counts of pipeline runs

Rows are JSON Lines with taxid, tax_level, count_type (NT|NR), count and
optional rpm/bpm. Missing rpm and bpm are derived from the run's read and
base depth.

Examples:
  taxscore observations import --run 12 --total-reads 1200000 counts.jsonl
  taxscore observations show 12`,
}

var obsImportCmd = &cobra.Command{
	Use:   "import <file.jsonl|->",
	Short: "Record a pipeline run and its taxon counts",
	Args:  cobra.ExactArgs(1),
	RunE:  runObsImport,
}

var obsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Summarize a pipeline run's observations",
	Args:  cobra.ExactArgs(1),
	RunE:  runObsShow,
}

var (
	obsRun     observation.Run
	obsJSONFlag bool
)

func init() {
	f := obsImportCmd.Flags()
	f.Int64Var(&obsRun.ID, "run", 0, "Pipeline run id")
	f.StringVar(&obsRun.Name, "name", "", "Run name")
	f.Int64Var(&obsRun.TotalReads, "total-reads", 0, "Total reads of the run")
	f.Int64Var(&obsRun.TotalERCCReads, "ercc-reads", 0, "ERCC spike-in reads excluded from depth")
	f.Float64Var(&obsRun.SubsampleFraction, "subsample-fraction", 1, "Fraction of reads aligned")
	f.Int64Var(&obsRun.TotalBases, "total-bases", 0, "Total bases of the run")
	f.Float64Var(&obsRun.FractionSubsampledBases, "fraction-subsampled-bases", 1, "Fraction of bases aligned")
	_ = obsImportCmd.MarkFlagRequired("run")

	obsShowCmd.Flags().BoolVarP(&obsJSONFlag, "json", "j", false, "Output as JSON")

	ObservationsCmd.AddCommand(obsImportCmd)
	ObservationsCmd.AddCommand(obsShowCmd)
}

func runObsImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	run := obsRun
	existing, err := a.observations.GetRun(ctx, run.ID)
	switch {
	case err == nil:
		pterm.Info.Printf("Run %d exists, appending observations with its recorded depth\n", run.ID)
		run = *existing
	case errors.IsNotFoundError(err):
		if err := a.observations.SaveRun(ctx, run); err != nil {
			return err
		}
	default:
		return err
	}

	in, err := openInput(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	obs, err := observation.ReadObservations(in, run)
	if err != nil {
		return err
	}
	if err := a.observations.SaveObservations(ctx, run.ID, obs); err != nil {
		return err
	}

	pterm.Success.Printf("Imported %d observations into run %d\n", len(obs), run.ID)
	return nil
}

func runObsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID, err := parseID("run", args[0])
	if err != nil {
		return err
	}

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.observations.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	obs, err := a.observations.ListForRun(ctx, runID)
	if err != nil {
		return err
	}

	if obsJSONFlag {
		return printJSON(struct {
			Run          *observation.Run          `json:"run"`
			Observations []observation.Observation `json:"observations"`
		}{run, obs})
	}

	counts := map[taxon.Rank]map[taxon.CountType]int{}
	for _, o := range obs {
		if counts[o.TaxLevel] == nil {
			counts[o.TaxLevel] = map[taxon.CountType]int{}
		}
		counts[o.TaxLevel][o.CountType]++
	}

	pterm.Printf("Run %d %s\n", run.ID, pterm.Gray(run.Name))
	pterm.Printf("  Total reads:  %d (ERCC %d, subsample %.3f)\n", run.TotalReads, run.TotalERCCReads, run.SubsampleFraction)
	for _, rank := range taxon.Ranks {
		byType, ok := counts[rank]
		if !ok {
			continue
		}
		pterm.Printf("  %-13s NT %s  NR %s\n", rank,
			pterm.LightCyan(byType[taxon.NT]), pterm.LightCyan(byType[taxon.NR]))
	}
	return nil
}
