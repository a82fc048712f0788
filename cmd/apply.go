package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lockplane/ratchet/internal/engine"
	"github.com/lockplane/ratchet/internal/errdefs"
)

func newApplyCmd(opts *rootOptions) *cobra.Command {
	var (
		applyOpts engine.ApplyOptions
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "apply <number>",
		Short: "Test a migration in a sandbox, then apply it",
		Long: `Apply one migration to the target database.

The migration is first checked for conflicts, drift and ordering, then run
in a sandbox clone together with its rollback script. Only when the sandbox
passes is the advisory lock taken and the script executed against the target.
Applying an already-applied migration does nothing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			applyOpts.Timeout = timeout

			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			res, applyErr := s.engine.Apply(cmd.Context(), number, applyOpts)
			if opts.json() {
				if res != nil {
					if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
				}
				return applyErr
			}

			w := cmd.OutOrStdout()
			if res != nil && res.Sandbox != nil {
				renderSandbox(w, res.Sandbox)
			}
			if applyErr != nil {
				return applyErr
			}
			label := errdefs.FormatNumber(res.Number) + "_" + res.Name
			if res.AlreadyApplied {
				_, _ = fmt.Fprintf(w, "%s is already applied\n", label)
				return nil
			}
			_, _ = color.New(color.FgGreen).Fprintf(w, "✓ Applied %s in %d ms (record %d)\n", label, res.DurationMs, res.RecordID)
			if res.Notes != "" {
				_, _ = fmt.Fprintln(w, hintStyle.Render("  notes: "+res.Notes))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&applyOpts.SkipSandbox, "skip-sandbox", false, "Apply without a sandbox test (recorded in notes)")
	flags.BoolVar(&applyOpts.AllowOutOfOrder, "allow-out-of-order", false, "Allow applying ahead of earlier pending or below applied migrations")
	flags.DurationVar(&timeout, "timeout", 0, "Abort execution after this long (default: apply_timeout)")
	flags.StringVar(&applyOpts.Notes, "notes", "", "Notes stored with the tracking row")
	return cmd
}

func newMarkAppliedCmd(opts *rootOptions) *cobra.Command {
	var (
		markOpts engine.MarkOptions
		yes      bool
	)
	cmd := &cobra.Command{
		Use:   "mark-applied <name>",
		Short: "Record a migration as applied without running it",
		Long: `Record a migration as applied without executing any SQL, for changes that
were made by hand. The name may be a number, a bare name or a file name.

Requires --yes, or typing the migration name at the interactive prompt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			d, err := s.engine.Lookup(args[0])
			if err != nil {
				return err
			}
			markOpts.Confirmed = yes
			if !yes && !opts.json() {
				prompt := fmt.Sprintf("Mark %s as applied in %s without running it?", d.Label(), s.env.Name)
				if markOpts.Confirmed, err = confirm(cmd.InOrStdin(), cmd.OutOrStdout(), prompt, d.Label()); err != nil {
					return err
				}
			}

			res, err := s.engine.MarkApplied(cmd.Context(), d.FileName(), markOpts)
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			if res.AlreadyApplied {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is already applied\n", d.Label())
				return nil
			}
			_, _ = color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "✓ Marked %s as applied (record %d)\n", d.Label(), res.RecordID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().StringVar(&markOpts.Notes, "notes", "", "Notes stored with the tracking row")
	return cmd
}
