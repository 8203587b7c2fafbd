package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/taxscore/background"
	"github.com/teranos/taxscore/pulse/async"
)

// BackgroundCmd groups background model commands
var BackgroundCmd = &cobra.Command{
	Use:     "background",
	Aliases: []string{"bg"},
	Short:   "Create and build background models",
	Long: `background - Per-taxon statistics over a set of control runs

A background's membership is fixed at creation. Building it computes, for
every taxon seen in any member run, the mean and population standard
deviation of its abundance (rpm, or bpm for mass-normalized backgrounds)
with absent members contributing 0. A rebuild replaces all summaries.

Examples:
  taxscore background create --name csf-controls --members 4,5,6
  taxscore background build csf-controls
  taxscore background build 3 --async     # hand off to the Pulse daemon
  taxscore background show 3`,
}

var bgCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a background over member runs",
	RunE:  runBgCreate,
}

var bgBuildCmd = &cobra.Command{
	Use:   "build <id|name>",
	Short: "Build (or rebuild) a background's summaries",
	Args:  cobra.ExactArgs(1),
	RunE:  runBgBuild,
}

var bgShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Show a background and its summaries",
	Args:  cobra.ExactArgs(1),
	RunE:  runBgShow,
}

var bgListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backgrounds",
	RunE:  runBgList,
}

var (
	bgNameFlag        string
	bgDescriptionFlag string
	bgMembersFlag     []int64
	bgMassFlag        bool
	bgAsyncFlag       bool
	bgLimitFlag       int
	bgJSONFlag        bool
)

func init() {
	bgCreateCmd.Flags().StringVar(&bgNameFlag, "name", "", "Unique background name")
	bgCreateCmd.Flags().StringVar(&bgDescriptionFlag, "description", "", "Free-form description")
	bgCreateCmd.Flags().Int64SliceVar(&bgMembersFlag, "members", nil, "Member pipeline run ids")
	bgCreateCmd.Flags().BoolVar(&bgMassFlag, "mass-normalized", false, "Summarize bpm instead of rpm")
	_ = bgCreateCmd.MarkFlagRequired("name")

	bgBuildCmd.Flags().BoolVar(&bgAsyncFlag, "async", false, "Queue the build for the Pulse daemon")

	bgShowCmd.Flags().IntVar(&bgLimitFlag, "limit", 20, "Number of summaries to show")
	bgShowCmd.Flags().BoolVarP(&bgJSONFlag, "json", "j", false, "Output as JSON")
	bgListCmd.Flags().BoolVarP(&bgJSONFlag, "json", "j", false, "Output as JSON")

	BackgroundCmd.AddCommand(bgCreateCmd)
	BackgroundCmd.AddCommand(bgBuildCmd)
	BackgroundCmd.AddCommand(bgShowCmd)
	BackgroundCmd.AddCommand(bgListCmd)
}

// lookupBackground accepts a numeric id or a background name
func lookupBackground(ctx context.Context, store *background.Store, arg string) (*background.Background, error) {
	if id, err := parseID("background", arg); err == nil {
		return store.Get(ctx, id)
	}
	return store.GetByName(ctx, arg)
}

func runBgCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	bg := &background.Background{
		Name:           bgNameFlag,
		Description:    bgDescriptionFlag,
		MemberRunIDs:   bgMembersFlag,
		MassNormalized: bgMassFlag,
	}
	if err := a.backgrounds.Create(ctx, bg); err != nil {
		return err
	}

	pterm.Success.Printf("Created background %d %q with %d member runs\n", bg.ID, bg.Name, len(bg.MemberRunIDs))
	pterm.Info.Printf("Build it with: taxscore background build %d\n", bg.ID)
	return nil
}

func runBgBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	bg, err := lookupBackground(ctx, a.backgrounds, args[0])
	if err != nil {
		return err
	}

	if bgAsyncFlag {
		job, err := background.NewBuildJob(bg.ID)
		if err != nil {
			return err
		}
		queued, created, err := async.NewQueue(a.db).EnqueueUnique(ctx, job)
		if err != nil {
			return err
		}
		if !created {
			pterm.Warning.Printf("Build of %q already %s as job %s\n", bg.Name, queued.Status, queued.ID)
			return nil
		}
		pterm.Success.Printf("Queued build of %q as job %s\n", bg.Name, queued.ID)
		pterm.Info.Println("Run 'taxscore pulse start' to process it")
		return nil
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Building %q from %d runs", bg.Name, len(bg.MemberRunIDs)))
	result, err := a.builds.Rebuild(ctx, bg.ID, func(done, total int) {
		spinner.UpdateText(fmt.Sprintf("Building %q: %d/%d runs extracted", bg.Name, done, total))
	})
	if err != nil {
		spinner.Fail(fmt.Sprintf("Build of %q failed", bg.Name))
		return err
	}
	spinner.Success(fmt.Sprintf("Built %q: %d taxon summaries in %s",
		bg.Name, result.Summaries, result.Duration.Round(time.Millisecond)))
	return nil
}

func runBgShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	bg, err := lookupBackground(ctx, a.backgrounds, args[0])
	if err != nil {
		return err
	}
	summaries, err := a.backgrounds.ListSummaries(ctx, bg.ID)
	if err != nil {
		return err
	}

	if bgJSONFlag {
		return printJSON(struct {
			*background.Background
			Summaries []background.TaxonSummary `json:"summaries"`
		}{bg, summaries})
	}

	pterm.Printf("Background %d %s\n", bg.ID, pterm.LightCyan(bg.Name))
	if bg.Description != "" {
		pterm.Printf("  %s\n", pterm.Gray(bg.Description))
	}
	pterm.Printf("  Members:         %s\n", joinIDs(bg.MemberRunIDs))
	pterm.Printf("  Mass normalized: %t\n", bg.MassNormalized)
	if bg.BuiltAt == nil {
		pterm.Warning.Println("Never built")
		return nil
	}
	pterm.Printf("  Built at:        %s\n", bg.BuiltAt.Format("2006-01-02 15:04:05"))
	pterm.Printf("  Summaries:       %d\n\n", len(summaries))

	for i, s := range summaries {
		if bgLimitFlag > 0 && i >= bgLimitFlag {
			pterm.Printf("  %s\n", pterm.Gray(fmt.Sprintf("... %d more", len(summaries)-i)))
			break
		}
		pterm.Printf("  %8d %-8s %s  mean %s  stdev %s\n",
			s.TaxID, s.TaxLevel, s.CountType, formatFloat(s.Mean), formatFloat(s.Stdev))
	}
	return nil
}

func runBgList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	bgs, err := a.backgrounds.List(ctx)
	if err != nil {
		return err
	}
	if bgJSONFlag {
		return printJSON(bgs)
	}
	if len(bgs) == 0 {
		pterm.Info.Println("No backgrounds")
		return nil
	}
	for _, bg := range bgs {
		state := pterm.Yellow("unbuilt")
		if bg.BuiltAt != nil {
			state = pterm.Green("built " + bg.BuiltAt.Format("2006-01-02"))
		}
		pterm.Printf("  %4d  %-24s %3d runs  %s\n", bg.ID, bg.Name, len(bg.MemberRunIDs), state)
	}
	return nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	if len(parts) == 0 {
		return "(none)"
	}
	return strings.Join(parts, ", ")
}
