package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"cspflow/internal/batch"
	"cspflow/internal/config"
	"cspflow/internal/driver"
	"cspflow/internal/history"
	"cspflow/internal/reliability"
)

var (
	inputPath     string
	outputPath    string
	adminURL      string
	passwordFlag  string
	workersFlag   int
	sharedSession bool
	headedFlag    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of change requests",
	Long: `Loads the input document, opens browser sessions against the admin
console and processes every change request. A JSON report is written when
the batch finishes, and the run is recorded in the history database.`,
	RunE: runBatchCmd,
}

func init() {
	runCmd.Flags().StringVarP(&inputPath, "input", "i", "input.json", "batch input document")
	runCmd.Flags().StringVarP(&outputPath, "output", "o", "", "report path (default cspflow_results_<unix>.json)")
	runCmd.Flags().StringVar(&adminURL, "url", "", "override the admin console URL from the input")
	runCmd.Flags().StringVar(&passwordFlag, "password", "", "admin password (prompted when absent everywhere)")
	runCmd.Flags().IntVar(&workersFlag, "workers", 0, "parallel workers (overrides config)")
	runCmd.Flags().BoolVar(&sharedSession, "shared-session", false, "reuse one session for the whole batch")
	runCmd.Flags().BoolVar(&headedFlag, "headed", false, "run the browser with a visible window")
}

func runBatchCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)

	in, err := batch.LoadInput(inputPath)
	if err != nil {
		return err
	}
	if adminURL != "" {
		in.Credentials.AdminURL = adminURL
	}
	if in.Credentials.AdminURL == "" {
		return fmt.Errorf("no admin console URL: set csp_admin_url in the input or pass --url")
	}
	if err := resolvePassword(in, cfg); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	rep, ok, err := executeBatch(ctx, cfg, in)
	if err != nil {
		return err
	}

	path := outputPath
	if path == "" {
		path = batch.DefaultReportPath(time.Now())
	}
	if err := batch.WriteReport(path, rep); err != nil {
		return err
	}

	fmt.Printf("Processed %d users: %d successful, %d failed (%.1f%% success rate)\n",
		rep.TotalUsers, rep.Successful, rep.Failed, rep.SuccessRate())
	fmt.Printf("Report written to %s\n", path)
	if !ok {
		return fmt.Errorf("%d of %d requests did not succeed", rep.Failed, rep.TotalUsers)
	}
	return nil
}

// executeBatch wires driver, coordinator and history together for one
// run. Shared by run and watch.
func executeBatch(ctx context.Context, cfg *config.Config, in *batch.Input) (batch.Report, bool, error) {
	if cfg.Planner.APIKey == "" {
		return batch.Report{}, false, fmt.Errorf("no planner API key: set planner.api_key or CSPFLOW_API_KEY")
	}
	planner, err := driver.NewGeminiPlanner(ctx, cfg.Planner.APIKey, cfg.Planner.Model)
	if err != nil {
		return batch.Report{}, false, err
	}

	run := batch.NewRunContext(logger)
	drv := driver.NewRod(cfg.Browser, planner, run.Log)
	defer func() {
		if err := drv.Shutdown(context.Background()); err != nil {
			run.Log.Warn("browser shutdown failed", zap.Error(err))
		}
	}()

	retry := reliability.DefaultPolicy()
	retry.MaxAttempts = cfg.Reliability.MaxRetries

	co := batch.NewCoordinator(run, drv, in, batch.CoordinatorConfig{
		Workers:           cfg.Batch.Workers,
		InterRequestPause: cfg.InterRequestPause(),
		Session: batch.SessionConfig{
			StartRetries: cfg.Reliability.StartRetries,
			Shared:       cfg.Batch.SharedSession,
		},
		Pipeline: batch.PipelineConfig{
			ActionCeiling:          cfg.Reliability.ActionCeiling,
			WaitTimeout:            cfg.WaitTimeout(),
			WaitInterval:           cfg.WaitInterval(),
			ScopeOnlyLegacyBranch:  cfg.Batch.ScopeOnlyLegacyBranch,
			DefaultHierarchyRoot:   cfg.Batch.DefaultHierarchyRoot,
			DefaultHierarchyRegion: cfg.Batch.DefaultHierarchyRegion,
		},
		Retry:            retry,
		BreakerThreshold: cfg.Reliability.BreakerFailures,
		BreakerCooldown:  cfg.BreakerCooldown(),
	})

	rep := co.Run(ctx)

	if cfg.History.Enabled {
		if store, herr := history.Open(cfg.History.DatabasePath); herr != nil {
			run.Log.Warn("history database unavailable", zap.Error(herr))
		} else {
			if rerr := store.Record(run.ExecutionID, rep); rerr != nil {
				run.Log.Warn("could not record run history", zap.Error(rerr))
			}
			_ = store.Close()
		}
	}

	ok := rep.Failed == 0 && rep.TotalUsers == len(in.Users)
	return rep, ok, nil
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("workers") && workersFlag > 0 {
		cfg.Batch.Workers = workersFlag
	}
	if cmd.Flags().Changed("shared-session") {
		cfg.Batch.SharedSession = sharedSession
	}
	if cmd.Flags().Changed("headed") {
		cfg.Browser.Headless = !headedFlag
	}
}

// resolvePassword fills the credential password: input document first,
// then config, then flag, then an interactive prompt.
func resolvePassword(in *batch.Input, cfg *config.Config) error {
	if in.Credentials.Password != "" {
		return nil
	}
	if cfg.Batch.Password != "" {
		in.Credentials.Password = cfg.Batch.Password
		return nil
	}
	if passwordFlag != "" {
		in.Credentials.Password = passwordFlag
		return nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return fmt.Errorf("no password: set it in the input, config, --password, or run interactively")
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", in.Credentials.Username)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("empty password")
	}
	in.Credentials.Password = string(raw)
	return nil
}
