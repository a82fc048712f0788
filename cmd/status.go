package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lockplane/ratchet/internal/engine"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/source"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every migration and whether it is applied",
		Long: `Show the union of migration files and tracking rows, ordered by number.

Conflicts and drift are reported but do not fail the command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			report, err := s.engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			renderStatus(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

type pendingEntry struct {
	Number      int    `json:"number"`
	Name        string `json:"name"`
	File        string `json:"file"`
	DependsOn   []int  `json:"depends_on,omitempty"`
	HasRollback bool   `json:"has_rollback"`
}

func newPendingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List migrations that are not applied yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			pending, err := s.engine.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json() {
				entries := make([]pendingEntry, 0, len(pending))
				for _, d := range pending {
					entries = append(entries, pendingEntry{
						Number:      d.Number,
						Name:        d.Name,
						File:        d.FilePath,
						DependsOn:   d.DependsOn,
						HasRollback: d.HasRollback(),
					})
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			renderPending(cmd, pending)
			return nil
		},
	}
}

func renderPending(cmd *cobra.Command, pending []source.Descriptor) {
	w := cmd.OutOrStdout()
	if len(pending) == 0 {
		_, _ = fmt.Fprintln(w, "No pending migrations.")
		return
	}
	for _, d := range pending {
		line := fmt.Sprintf("%s %s", stateIcon(engine.StatePending), d.FileName())
		if len(d.DependsOn) > 0 {
			line += hintStyle.Render(fmt.Sprintf("  (depends on %v)", d.DependsOn))
		}
		_, _ = fmt.Fprintln(w, line)
	}
	_, _ = fmt.Fprintf(w, "%d pending\n", len(pending))
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history [N]",
		Short: "Show the most recent apply attempts",
		Long:  "Show the N most recent tracking rows, newest first. Without N every row is shown.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit := 0
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("invalid history length %q: expected a positive number", args[0])
				}
				limit = n
			}

			s, err := opts.openSession(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			records, err := s.engine.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.json() {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			renderHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}
}

// parseNumber reads a migration number argument such as "7", "007" or
// "007_add_users.sql".
func parseNumber(arg string) (int, error) {
	ref := strings.TrimSuffix(filepath.Base(arg), ".sql")
	if i := strings.IndexByte(ref, '_'); i > 0 {
		ref = ref[:i]
	}
	n, err := strconv.Atoi(ref)
	if err != nil || n < 0 {
		return 0, &errdefs.NotFoundError{Ref: arg}
	}
	return n, nil
}
