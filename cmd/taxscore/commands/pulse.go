package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/taxscore/am"
	"github.com/teranos/taxscore/background"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/logger"
	"github.com/teranos/taxscore/pulse/async"
)

// PulseCmd represents the pulse command - Pulse daemon for async job processing
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Manage the Pulse daemon (async background builds)",
	Long: `Pulse daemon - runs queued jobs.

The daemon provides:
- Async job queue processing with a worker pool
- Background builds queued by 'taxscore background build --async'
- A prometheus /metrics endpoint when metrics.enabled is set
- Graceful shutdown (running jobs are cancelled and re-queued on next start)

Example:
  taxscore pulse start              # Start daemon in foreground
  taxscore pulse start --workers 3  # Start with 3 concurrent workers
  taxscore pulse jobs --status failed
  taxscore pulse stats
  taxscore pulse prune --older-than 168h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the Pulse daemon
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	RunE:  runPulseStart,
}

var pulseJobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs",
	RunE:  runPulseJobs,
}

var pulseStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runPulseStats,
}

var pulseCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued job",
	Args:  cobra.ExactArgs(1),
	RunE:  runPulseCancel,
}

var pulsePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs older than --older-than",
	RunE:  runPulsePrune,
}

var (
	pulseWorkersFlag   int
	pulseStatusFlag    string
	pulseLimitFlag     int
	pulseJSONFlag      bool
	pulseOlderThanFlag time.Duration
)

func init() {
	PulseStartCmd.Flags().IntVar(&pulseWorkersFlag, "workers", 0, "Number of concurrent workers (default: pulse.workers)")

	pulseJobsCmd.Flags().StringVar(&pulseStatusFlag, "status", "", "Filter by status: queued, running, completed, failed, cancelled")
	pulseJobsCmd.Flags().IntVar(&pulseLimitFlag, "limit", 20, "Maximum jobs to list")
	pulseJobsCmd.Flags().BoolVarP(&pulseJSONFlag, "json", "j", false, "Output as JSON")
	pulseStatsCmd.Flags().BoolVarP(&pulseJSONFlag, "json", "j", false, "Output as JSON")
	pulsePruneCmd.Flags().DurationVar(&pulseOlderThanFlag, "older-than", 7*24*time.Hour, "Minimum age of a finished job")

	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(pulseJobsCmd)
	PulseCmd.AddCommand(pulseStatsCmd)
	PulseCmd.AddCommand(pulseCancelCmd)
	PulseCmd.AddCommand(pulsePruneCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	poolCfg := async.DefaultWorkerPoolConfig()
	poolCfg.Workers = a.cfg.Pulse.Workers
	if pulseWorkersFlag > 0 {
		poolCfg.Workers = pulseWorkersFlag
	}
	poolCfg.PollInterval = a.cfg.GetPollInterval()

	pool := async.NewWorkerPool(ctx, a.db, poolCfg, logger.ComponentLogger("pulse"))
	pool.SetRecorder(a.metrics)
	if err := pool.Registry().Register(background.NewBuildHandler(a.builds, pool.Queue(), logger.ComponentLogger("background"))); err != nil {
		return err
	}
	pool.Start()

	var metricsServer *http.Server
	if a.cfg.Metrics.Enabled {
		metricsServer = startMetricsServer(a)
	}

	watcher := watchConfig(a)

	pterm.Success.Println("Pulse daemon started")
	pterm.Printf("  Workers:          %d\n", poolCfg.Workers)
	pterm.Printf("  Poll interval:    %v\n", poolCfg.PollInterval)
	pterm.Printf("  Build timeout:    %v\n", a.builds.Timeout())
	pterm.Printf("  Handlers:         %v\n", pool.Registry().Names())
	if metricsServer != nil {
		pterm.Printf("  Metrics:          http://%s/metrics\n", metricsServer.Addr)
	}
	pterm.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("Shutting down...")

	if watcher != nil {
		_ = watcher.Stop()
	}
	pool.Stop()
	if metricsServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	cancel()

	pterm.Success.Printf("Pulse daemon stopped after %d jobs\n", pool.JobsProcessed())
	return nil
}

func startMetricsServer(a *app) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())

	srv := &http.Server{
		Addr:              a.cfg.GetMetricsAddress(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Logger.Errorw("Metrics server failed", "address", srv.Addr, logger.FieldError, err)
		}
	}()
	return srv
}

// watchConfig reloads the project am.toml while the daemon runs. Only the
// build timeout is applied live; other changes need a restart.
func watchConfig(a *app) *am.ConfigWatcher {
	path := am.GetProjectConfigPath()
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		pterm.Warning.Printf("Config file not watched: %v\n", err)
		return nil
	}
	log := logger.ComponentLogger("pulse")
	watcher.OnReload(func(cfg *am.Config) error {
		timeout := cfg.GetBackgroundTimeout()
		if timeout != a.builds.Timeout() {
			a.builds.SetTimeout(timeout)
			log.Infow("Background build timeout updated", "timeout", timeout.String())
		}
		if cfg.Pulse.Workers != a.cfg.Pulse.Workers {
			log.Warnw("pulse.workers changed, restart the daemon to apply", "workers", cfg.Pulse.Workers)
		}
		return nil
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher
}

func runPulseJobs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()

	var status *async.JobStatus
	if pulseStatusFlag != "" {
		if !async.IsValidStatus(pulseStatusFlag) {
			return errors.NewInvalidRequestError("unknown job status %q", pulseStatusFlag)
		}
		s := async.JobStatus(pulseStatusFlag)
		status = &s
	}

	jobs, err := async.NewQueue(database).ListJobs(cmd.Context(), status, pulseLimitFlag)
	if err != nil {
		return err
	}
	if pulseJSONFlag {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs")
		return nil
	}
	for _, job := range jobs {
		pterm.Printf("  %s  %-18s %-10s %-16s %s\n",
			job.ID, job.HandlerName, colorStatus(job.Status), job.Source, progressText(job))
		if job.Error != "" {
			pterm.Printf("      %s\n", pterm.Red(job.Error))
		}
	}
	return nil
}

func runPulseStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := async.NewQueue(database).GetStats(cmd.Context())
	if err != nil {
		return err
	}
	if pulseJSONFlag {
		return printJSON(stats)
	}
	pterm.Printf("Queued:    %d\n", stats.Queued)
	pterm.Printf("Running:   %d\n", stats.Running)
	pterm.Printf("Completed: %d\n", stats.Completed)
	pterm.Printf("Failed:    %d\n", stats.Failed)
	pterm.Printf("Cancelled: %d\n", stats.Cancelled)
	pterm.Printf("Total:     %d\n", stats.Total)
	return nil
}

func runPulseCancel(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := async.NewQueue(database).CancelJob(cmd.Context(), args[0], "cancelled from CLI"); err != nil {
		return err
	}
	pterm.Success.Printf("Cancelled job %s\n", args[0])
	return nil
}

func runPulsePrune(cmd *cobra.Command, args []string) error {
	if pulseOlderThanFlag <= 0 {
		return errors.NewInvalidRequestError("--older-than must be positive, got %s", pulseOlderThanFlag)
	}

	database, err := openDatabase(DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()

	removed, err := async.NewQueue(database).Cleanup(cmd.Context(), pulseOlderThanFlag)
	if err != nil {
		return errors.Wrap(err, "failed to prune jobs")
	}
	pterm.Success.Printf("Removed %d finished jobs older than %s\n", removed, pulseOlderThanFlag)
	return nil
}

func colorStatus(s async.JobStatus) string {
	switch s {
	case async.JobStatusCompleted:
		return pterm.Green(s)
	case async.JobStatusFailed:
		return pterm.Red(s)
	case async.JobStatusRunning:
		return pterm.LightCyan(s)
	case async.JobStatusCancelled:
		return pterm.Gray(s)
	default:
		return pterm.Yellow(s)
	}
}

func progressText(job *async.Job) string {
	if job.Progress.Total == 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d (%.0f%%)", job.Progress.Current, job.Progress.Total, job.Progress.Percentage())
}
