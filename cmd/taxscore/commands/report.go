package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/highlight"
	"github.com/teranos/taxscore/report"
	"github.com/teranos/taxscore/scoring"
)

// ReportCmd generates a scored report for one run
var ReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate a scored, highlighted report for a run",
	Long: `report - Score a run's taxa against a background

Every species and genus observed in the run is normalized against the
background, resolved at the lineage version, scored by the model and passed
through the highlight selector. Thresholds default to the [report] section
of am.toml.

Examples:
  taxscore report --run 12 --background csf-controls --version 2024-02-06
  taxscore report --run 12 --background 3 --version 2024-02-06 --model nt_rpm --top-n 5
  taxscore report --run 12 --background 3 --version 2024-02-06 --json
  taxscore report --run 12 --background 3 --version 2024-02-06 --watch   # re-score on model edits`,
	RunE: runReport,
}

var (
	reportRunFlag        int64
	reportBackgroundFlag string
	reportVersionFlag    string
	reportModelFlag      string
	reportJSONFlag       bool
	reportAllFlag        bool
	reportWatchFlag      bool
	reportThresholds     highlight.Thresholds
)

func init() {
	f := ReportCmd.Flags()
	f.Int64Var(&reportRunFlag, "run", 0, "Pipeline run id")
	f.StringVar(&reportBackgroundFlag, "background", "", "Background id or name")
	f.StringVar(&reportVersionFlag, "version", "", "Lineage version label")
	f.StringVar(&reportModelFlag, "model", "", "Scoring model (default: scoring.default_model)")
	f.Float64Var(&reportThresholds.MinNTZ, "min-nt-z", 0, "Minimum NT z-score (default: report.min_nt_z)")
	f.Float64Var(&reportThresholds.MinNRZ, "min-nr-z", 0, "Minimum NR z-score (default: report.min_nr_z)")
	f.Float64Var(&reportThresholds.MinNTRPM, "min-nt-rpm", 0, "Minimum NT rpm (default: report.min_nt_rpm)")
	f.Float64Var(&reportThresholds.MinNRRPM, "min-nr-rpm", 0, "Minimum NR rpm (default: report.min_nr_rpm)")
	f.IntVar(&reportThresholds.TopN, "top-n", 0, "Number of taxa to highlight (default: report.top_n)")
	f.BoolVarP(&reportJSONFlag, "json", "j", false, "Output the full report as JSON")
	f.BoolVar(&reportAllFlag, "all", false, "List every species, not only highlighted ones")
	f.BoolVar(&reportWatchFlag, "watch", false, "Keep running and regenerate the report when model files change")
	_ = ReportCmd.MarkFlagRequired("run")
	_ = ReportCmd.MarkFlagRequired("background")
	_ = ReportCmd.MarkFlagRequired("version")
}

// thresholdsFromFlags starts from cfg and applies the flags the user set
func thresholdsFromFlags(cmd *cobra.Command, base highlight.Thresholds) highlight.Thresholds {
	t := base
	flags := cmd.Flags()
	if flags.Changed("min-nt-z") {
		t.MinNTZ = reportThresholds.MinNTZ
	}
	if flags.Changed("min-nr-z") {
		t.MinNRZ = reportThresholds.MinNRZ
	}
	if flags.Changed("min-nt-rpm") {
		t.MinNTRPM = reportThresholds.MinNTRPM
	}
	if flags.Changed("min-nr-rpm") {
		t.MinNRRPM = reportThresholds.MinNRRPM
	}
	if flags.Changed("top-n") {
		t.TopN = reportThresholds.TopN
	}
	return t
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	bg, err := lookupBackground(ctx, a.backgrounds, reportBackgroundFlag)
	if err != nil {
		return err
	}

	req := report.Request{
		RunID:        reportRunFlag,
		BackgroundID: bg.ID,
		VersionLabel: reportVersionFlag,
		ModelName:    reportModelFlag,
		Thresholds:   thresholdsFromFlags(cmd, highlight.FromConfig(a.cfg.Report)),
	}
	emit := func() error {
		rep, err := a.reports.Generate(ctx, req)
		if err != nil {
			return errors.Wrapf(err, "report for run %d", reportRunFlag)
		}
		if reportJSONFlag {
			return printJSON(rep)
		}
		return renderReport(rep, reportAllFlag)
	}

	if err := emit(); err != nil {
		return err
	}
	if !reportWatchFlag {
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	pterm.Info.Printf("Watching %s for model changes, Ctrl+C to stop\n", a.cfg.GetModelsDir())
	return followModels(ctx, a.models, emit)
}

// followModels calls regenerate after every successful model reload until
// ctx is done. A failed regeneration is reported and watching continues.
func followModels(ctx context.Context, models *scoring.Registry, regenerate func() error) error {
	reloaded := make(chan struct{}, 1)
	models.OnReload(func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	if err := models.Watch(); err != nil {
		return err
	}
	defer models.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reloaded:
			if err := regenerate(); err != nil {
				pterm.Error.Printf("Report failed: %v\n", err)
			}
		}
	}
}

func renderReport(rep *report.Report, all bool) error {
	pterm.DefaultHeader.WithFullWidth().Println(fmt.Sprintf("Run %d vs %s", rep.RunID, rep.BackgroundName))
	pterm.Printf("Lineage %s, model %s, top %d\n\n", rep.VersionLabel, rep.Model, rep.Thresholds.TopN)

	data := [][]string{{"", "taxid", "name", "genus", "score", "NT z", "NT rpm", "NR z", "NR rpm"}}
	for _, g := range rep.Genera {
		for _, row := range g.Species {
			if !all && !row.Highlighted {
				continue
			}
			data = append(data, reportRow(row, g.Name))
		}
	}

	if len(data) == 1 {
		pterm.Info.Println("No taxa met the highlight thresholds")
	} else if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return errors.Wrap(err, "failed to render report table")
	}

	for _, w := range rep.Warnings {
		pterm.Warning.Printf("%s %d: %s\n", w.Kind, w.TaxID, w.Message)
	}
	pterm.Println()
	pterm.Info.Println(rep.String())
	return nil
}

func reportRow(row report.Row, genus string) []string {
	marker := ""
	if row.Highlighted {
		marker = pterm.Green("*")
	}
	score := pterm.Gray("excluded")
	if row.Score != nil {
		score = formatFloat(*row.Score)
	}
	return []string{
		marker,
		fmt.Sprint(row.TaxID),
		row.Name,
		genus,
		score,
		formatFloat(row.NT.ZScore),
		formatFloat(row.NT.RPM),
		formatFloat(row.NR.ZScore),
		formatFloat(row.NR.RPM),
	}
}
