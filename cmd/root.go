// Package cmd implements the ratchet command line.
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lockplane/ratchet/internal/errdefs"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	env           string
	output        string
	logLevel      string
	verbose       bool
	databaseURL   string
	dialect       string
	migrationsDir string
}

func (o *rootOptions) json() bool { return o.output == outputJSON }

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "ratchet",
		Short: "Track, check and safely apply SQL migrations",
		Long: `ratchet applies numbered SQL migration files to PostgreSQL, MySQL and SQLite.

Every migration is checked for conflicts and drift, tested in a throwaway
sandbox database and then applied under an advisory lock. Each attempt is
recorded in a tracking table in the target database.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputText, outputJSON:
				return nil
			}
			return fmt.Errorf("unknown output format %q (expected text or json)", opts.output)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.env, "env", "e", "", "Environment from ratchet.toml (default: default_environment or local)")
	flags.StringVarP(&opts.output, "output", "o", outputText, "Output format: text or json")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Shorthand for --log-level debug")
	flags.StringVar(&opts.databaseURL, "database-url", "", "Target database, overriding the environment")
	flags.StringVar(&opts.dialect, "dialect", "", "Target dialect: postgresql, mysql or sqlite")
	flags.StringVar(&opts.migrationsDir, "migrations-dir", "", "Directory holding NNN_name.sql files")

	root.AddCommand(
		newInitCmd(opts),
		newStatusCmd(opts),
		newPendingCmd(opts),
		newHistoryCmd(opts),
		newCheckCmd(opts),
		newApplyCmd(opts),
		newMarkAppliedCmd(opts),
		newTestCmd(opts),
		newRollbackCmd(opts),
		newRecoverCmd(opts),
		newSandboxCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// Execute runs the command line and returns the process exit code: 0 on
// success, 1 on any error, including blocking conflicts and failed applies.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		printError(root.ErrOrStderr(), err)
		return 1
	}
	return 0
}

// printError writes err and every remediation hint found in its chain.
func printError(w io.Writer, err error) {
	_, _ = fmt.Fprintln(w, errorStyle.Render("Error:"), err)
	for _, hint := range errdefs.Hints(err) {
		_, _ = fmt.Fprintln(w, hintStyle.Render("  hint: "+hint))
	}
	if errdefs.IsRetryable(err) {
		_, _ = fmt.Fprintln(w, hintStyle.Render("  this error is retryable; nothing was changed"))
	}
}
