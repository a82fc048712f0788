package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lockplane/ratchet/internal/conflict"
	"github.com/lockplane/ratchet/internal/sandbox"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report conflicts and drift; exit 1 when any would block an apply",
		Long: `Run the conflict detector and the drift validator over every migration file
and tracking row. All problems are reported in one run. Warnings such as
out-of-order migrations do not change the exit code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			report, checkErr := s.engine.Check(cmd.Context())
			if opts.json() {
				if report.Conflicts == nil {
					report.Conflicts = []conflict.Conflict{}
				}
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				return checkErr
			}

			renderConflicts(cmd.OutOrStdout(), report)
			if checkErr != nil {
				return checkErr
			}
			if report.Empty() {
				_, _ = color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "✓ No conflicts or drift")
			}
			return nil
		},
	}
}

func newTestCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test [number]",
		Short: "Run migrations in sandbox databases without touching the target",
		Long: `Clone the target into a sandbox, apply the migration, verify its effects and
run its rollback script. Without a number every pending migration is tested,
each in its own sandbox.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var (
				results []*sandbox.Result
				testErr error
			)
			if len(args) == 1 {
				number, err := parseNumber(args[0])
				if err != nil {
					return err
				}
				var res *sandbox.Result
				res, testErr = s.engine.Test(cmd.Context(), number)
				if res != nil {
					results = append(results, res)
				}
			} else {
				results, testErr = s.engine.TestPending(cmd.Context())
			}

			if opts.json() {
				if results == nil {
					results = []*sandbox.Result{}
				}
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				return testErr
			}

			if len(results) == 0 && testErr == nil {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations to test.")
			}
			for _, res := range results {
				renderSandbox(cmd.OutOrStdout(), res)
			}
			return testErr
		},
	}
}
