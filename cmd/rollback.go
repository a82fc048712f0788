package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lockplane/ratchet/internal/engine"
)

func newRollbackCmd(opts *rootOptions) *cobra.Command {
	var (
		rbOpts engine.RollbackOptions
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "rollback <number>",
		Short: "Run the rollback script of an applied migration",
		Long: `Run NNN_name_rollback.sql against the target under the advisory lock and mark
the applied row rolled_back. Migrations that other applied migrations depend
on are refused. Requires --yes or interactive confirmation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			rbOpts.Confirmed = yes
			if !yes && !opts.json() {
				d, err := s.engine.Lookup(args[0])
				if err != nil {
					return err
				}
				prompt := fmt.Sprintf("Roll back %s in %s?", d.Label(), s.env.Name)
				if rbOpts.Confirmed, err = confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt, d.Label()); err != nil {
					return err
				}
			}

			res, err := s.engine.Rollback(cmd.Context(), number, rbOpts)
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			_, _ = color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Rolled back %s in %d ms (record %d)\n",
				args[0], res.DurationMs, res.RecordID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().StringVar(&rbOpts.Notes, "notes", "", "Notes appended to the tracking row")
	return cmd
}

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	var recoverOpts engine.RecoverOptions
	cmd := &cobra.Command{
		Use:   "recover <number>",
		Short: "Mark an apply that died mid-flight as failed",
		Long: `Mark every in_progress row of a migration failed so it can be applied again.
Use it only when no apply is running: the command takes the advisory lock
first. --break-lock also removes a lock row left behind by a crashed process
(SQLite only; PostgreSQL and MySQL locks end with their session).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			res, err := s.engine.Recover(cmd.Context(), number, recoverOpts)
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			if res.LockBroken {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), warningStyle.Render("Removed a stale migration lock."))
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Marked %d in-progress attempt(s) of %s failed\n", res.Abandoned, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&recoverOpts.BreakLock, "break-lock", false, "Remove a lock left by a crashed process")
	return cmd
}
