package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cspflow/internal/config"
	"cspflow/internal/history"
)

var (
	historyLimit int
	historyRunID int64
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded batch runs",
	Long: `Lists past runs from the history database. With --run, prints the
per-user results of one run instead.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "how many runs to list")
	historyCmd.Flags().Int64Var(&historyRunID, "run", 0, "show the results of one run id")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.History.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if historyRunID > 0 {
		results, err := store.Results(historyRunID)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Printf("No results for run %d\n", historyRunID)
			return nil
		}
		fmt.Fprintln(w, "USER\tROLE\tBRANCH\tSTATUS\tTIME")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.UserEmail, r.NewRole, r.NewBranch, r.Status, r.Timestamp)
		}
		return nil
	}

	runs, err := store.Recent(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs")
		return nil
	}
	fmt.Fprintln(w, "ID\tEXECUTION\tTIME\tTOTAL\tOK\tFAILED")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\n", r.ID, r.ExecutionID, r.Timestamp, r.TotalUsers, r.Successful, r.Failed)
	}
	return nil
}
