package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockplane/ratchet/internal/connect"
	"github.com/lockplane/ratchet/internal/sandbox"
)

func newSandboxCmd(opts *rootOptions) *cobra.Command {
	sandboxCmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage sandbox databases",
	}

	var olderThan time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop sandboxes left behind by interrupted runs",
		Long: `Every sandbox is recorded in a lease file under .ratchet/sandboxes while it
exists. A lease that outlives its run means the process died before teardown;
prune drops the sandbox and removes the lease.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.resolve()
			if err != nil {
				return err
			}
			store := sandbox.NewLeaseStoreOS(leaseDir(env))

			results, err := sandbox.Prune(cmd.Context(), store, olderThan, sandbox.DropLease)
			if err != nil {
				return err
			}
			if opts.json() {
				if results == nil {
					results = []sandbox.PruneResult{}
				}
				return writeJSON(cmd.OutOrStdout(), results)
			}

			w := cmd.OutOrStdout()
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					_, _ = fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("✗ %s (%s): %v", r.Lease.Name, r.Lease.Dialect, r.Err)))
					continue
				}
				_, _ = fmt.Fprintf(w, "dropped %s (%s, created %s)\n",
					r.Lease.Name, connect.Redact(r.Lease.DSN), formatTime(r.Lease.CreatedAt))
			}
			if len(results) == 0 {
				_, _ = fmt.Fprintln(w, "No stale sandboxes.")
			}
			if failed > 0 {
				return fmt.Errorf("%d sandbox(es) could not be dropped; their leases were kept", failed)
			}
			return nil
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", time.Hour, "Only prune leases older than this")

	sandboxCmd.AddCommand(pruneCmd)
	return sandboxCmd
}
