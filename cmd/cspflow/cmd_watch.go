package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cspflow/internal/batch"
	"cspflow/internal/config"
)

var watchInput string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch an input document and run the batch whenever it changes",
	Long: `Watches the input document and runs the whole batch every time the
file is written. Useful while an operator iterates on a request list:
save the file, the batch runs, read the report, adjust, save again.
Because applied changes are detected and skipped, reruns only touch the
requests that still differ.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchInput, "input", "i", "input.json", "batch input document to watch")
	watchCmd.Flags().StringVar(&passwordFlag, "password", "", "admin password (prompted when absent everywhere)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files instead of writing in place, so watch the
	// directory and filter by name.
	dir := filepath.Dir(watchInput)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ctx, stop := signalContext()
	defer stop()

	logger.Info("watching input document", zap.String("path", watchInput))
	fmt.Printf("Watching %s, press Ctrl+C to stop\n", watchInput)

	// Run once up front so a prepared file does not sit idle.
	runOnce(ctx, cfg)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			logger.Info("watch stopped")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(watchInput) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Debounce: editors fire bursts of events per save.
			pending = time.After(500 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			runOnce(ctx, cfg)
		}
	}
}

func runOnce(ctx context.Context, cfg *config.Config) {
	in, err := batch.LoadInput(watchInput)
	if err != nil {
		logger.Warn("input not runnable", zap.Error(err))
		fmt.Printf("Skipping run: %v\n", err)
		return
	}
	if err := resolvePassword(in, cfg); err != nil {
		logger.Warn("no password available", zap.Error(err))
		fmt.Printf("Skipping run: %v\n", err)
		return
	}
	if in.Credentials.AdminURL == "" {
		fmt.Println("Skipping run: input has no csp_admin_url")
		return
	}

	rep, _, err := executeBatch(ctx, cfg, in)
	if err != nil {
		logger.Error("batch failed to execute", zap.Error(err))
		fmt.Printf("Batch failed: %v\n", err)
		return
	}
	path := batch.DefaultReportPath(time.Now())
	if err := batch.WriteReport(path, rep); err != nil {
		logger.Error("report write failed", zap.Error(err))
		return
	}
	fmt.Printf("Processed %d users: %d successful, %d failed, %.1f%% success rate (report: %s)\n",
		rep.TotalUsers, rep.Successful, rep.Failed, rep.SuccessRate(), path)
}
