package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	gvlauncher "github.com/five82/gvlauncher"
	"github.com/five82/gvlauncher/internal/bugtracker"
)

func newListCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:     "list [testsuite...]",
		Aliases: []string{"ls"},
		Short:   "List the tests that would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configFile, selectionBindings)
			if err != nil {
				return err
			}
			withTestsuites(cfg, args)

			l, err := gvlauncher.New(cfg)
			if err != nil {
				return err
			}
			names, err := l.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			fmt.Fprintf(out, "\nNumber of tests: %d\n", len(names))
			return nil
		},
	}
}

func newCheckBugsCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-bugs [testsuite...]",
		Short: "Check that the bugs referenced by known issues are still open",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configFile, selectionBindings)
			if err != nil {
				return err
			}
			withTestsuites(cfg, args)
			// The command reports the findings itself.
			cfg.Selection.CheckBugsStatus = false

			l, err := gvlauncher.New(cfg)
			if err != nil {
				return err
			}
			findings, err := l.CheckBugs(cmd.Context())
			if err != nil {
				return err
			}
			return printFindings(cmd, findings)
		},
	}
}

func printFindings(cmd *cobra.Command, findings []gvlauncher.Finding) error {
	out := cmd.OutOrStdout()
	if len(findings) == 0 {
		fmt.Fprintln(out, "All referenced bugs are still open.")
		return nil
	}

	failures := 0
	for _, f := range findings {
		c := color.New(color.FgYellow)
		switch f.Severity {
		case bugtracker.Failure:
			c = color.New(color.FgRed, color.Bold)
			failures++
		case bugtracker.Info:
			c = color.New(color.FgCyan)
		}
		c.Fprintf(out, "%-8s", f.Severity.String())
		fmt.Fprintf(out, " %s\n", f.String())
	}
	if failures > 0 {
		return fmt.Errorf("%d referenced bugs are closed", failures)
	}
	return nil
}
