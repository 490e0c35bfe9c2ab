package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/five82/gvlauncher/internal/history"
	"github.com/five82/gvlauncher/internal/util"
)

const defaultHistoryLimit = 20

func newHistoryCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs or flaky tests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configFile, selectionBindings)
			if err != nil {
				return err
			}
			path := cfg.GetHistoryDB()
			if !util.FileExists(path) {
				fmt.Fprintf(cmd.OutOrStdout(), "No results history at %s\n", path)
				return nil
			}

			store, err := history.Open(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer closeQuietly(store, "results history")

			limit, _ := cmd.Flags().GetInt("limit")
			if flaky, _ := cmd.Flags().GetBool("flaky"); flaky {
				return printFlaky(cmd, store, limit)
			}
			return printRuns(cmd, store, limit)
		},
	}
	cmd.Flags().IntP("limit", "n", defaultHistoryLimit, "Number of entries to show, 0 for all")
	cmd.Flags().Bool("flaky", false, "List the tests that both passed and failed")
	return cmd
}

func printRuns(cmd *cobra.Command, store *history.Store, limit int) error {
	runs, err := store.RecentRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tTESTSUITES\tTESTS\tFAILURES")
	for _, r := range runs {
		duration := "running"
		if !r.FinishedAt.IsZero() {
			duration = util.FormatDuration(r.FinishedAt.Sub(r.StartedAt).Seconds())
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.StartedAt.Format(time.DateTime), duration, strings.Join(r.Testsuites, ","), r.Total, r.Failures)
	}
	return w.Flush()
}

func printFlaky(cmd *cobra.Command, store *history.Store, limit int) error {
	flaky, err := store.FlakyTests(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(flaky) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No flaky tests recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TEST\tPASSES\tFAILURES\tLAST SEEN")
	for _, f := range flaky {
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", f.Classname, f.Passes, f.Failures, f.LastSeen.Format(time.DateTime))
	}
	return w.Flush()
}
