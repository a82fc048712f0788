package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"

	"github.com/lockplane/ratchet/internal/conflict"
	"github.com/lockplane/ratchet/internal/engine"
	"github.com/lockplane/ratchet/internal/errdefs"
	"github.com/lockplane/ratchet/internal/sandbox"
	"github.com/lockplane/ratchet/internal/state"
)

// Color palette
var (
	colorPrimary = lipgloss.Color("86")  // Cyan
	colorError   = lipgloss.Color("196") // Red
	colorWarning = lipgloss.Color("214") // Orange
	colorMuted   = lipgloss.Color("240") // Gray
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(colorWarning)

	hintStyle = lipgloss.NewStyle().
			Foreground(colorMuted).
			Italic(true)

	cellStyle = lipgloss.NewStyle().Padding(0, 1)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stateIcon(s engine.MigrationState) string {
	switch s {
	case engine.StateApplied:
		return color.GreenString("✓")
	case engine.StatePending:
		return color.YellowString("•")
	case engine.StateFailed:
		return color.RedString("✗")
	case engine.StateRolledBack:
		return color.MagentaString("↺")
	case engine.StateInProgress:
		return color.CyanString("…")
	case engine.StateMissingFile:
		return color.RedString("?")
	case engine.StateSkipped:
		return color.HiBlackString("-")
	}
	return " "
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		}).
		Headers(headers...)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func renderStatus(w io.Writer, r *engine.StatusReport) {
	_, _ = fmt.Fprintf(w, "%s %s (%s)\n", headerStyle.Render("Target:"), r.Dialect, r.Table)
	if !r.Initialized {
		_, _ = fmt.Fprintln(w, warningStyle.Render("Tracking table does not exist yet; run `ratchet init`."))
	}
	if len(r.Migrations) == 0 {
		_, _ = fmt.Fprintln(w, "No migrations found.")
	} else {
		t := newTable("", "#", "Name", "State", "Applied at", "Rollback", "Attempts")
		for _, e := range r.Migrations {
			appliedAt := ""
			if e.Latest != nil && e.State == engine.StateApplied {
				appliedAt = formatTime(e.Latest.AppliedAt)
			}
			stateLabel := string(e.State)
			if e.Drifted {
				stateLabel += " (drift)"
			}
			rollback := ""
			if e.HasRollback {
				rollback = "yes"
			}
			t.Row(stateIcon(e.State), errdefs.FormatNumber(e.Number), e.Name, stateLabel, appliedAt, rollback, strconv.Itoa(e.Attempts))
		}
		_, _ = fmt.Fprintln(w, t.Render())
	}

	_, _ = fmt.Fprintf(w, "%d applied, %d pending\n", r.Count(engine.StateApplied), r.PendingCount())
	for _, m := range r.Malformed {
		_, _ = fmt.Fprintln(w, errorStyle.Render("✗ "+m))
	}
	renderConflicts(w, r.Conflicts)
}

func renderConflicts(w io.Writer, report conflict.Report) {
	for _, c := range report.Conflicts {
		label := warningStyle.Render("! " + string(c.Kind))
		if c.Blocking {
			label = errorStyle.Render("✗ " + string(c.Kind))
		}
		_, _ = fmt.Fprintf(w, "%s: %s\n", label, c.Detail)
		if c.Hint != "" {
			_, _ = fmt.Fprintln(w, hintStyle.Render("  hint: "+c.Hint))
		}
	}
}

func renderHistory(w io.Writer, records []state.Record) {
	if len(records) == 0 {
		_, _ = fmt.Fprintln(w, "No migrations have been applied.")
		return
	}
	t := newTable("ID", "#", "Name", "Status", "Applied at", "By", "ms", "Notes")
	for _, r := range records {
		notes := r.Notes
		if r.ErrorMessage != nil {
			notes = state.AppendNote(notes, *r.ErrorMessage)
		}
		t.Row(strconv.FormatInt(r.ID, 10), errdefs.FormatNumber(r.Number), r.Name, string(r.Status),
			formatTime(r.AppliedAt), r.AppliedBy, strconv.FormatInt(r.ExecutionTimeMs, 10), truncate(notes, 60))
	}
	_, _ = fmt.Fprintln(w, t.Render())
}

func renderSandbox(w io.Writer, res *sandbox.Result) {
	if res.OK() {
		_, _ = color.New(color.FgGreen).Fprintf(w, "✓ %s_%s passed in sandbox (%d ms)\n",
			errdefs.FormatNumber(res.Number), res.Name, res.DurationMs)
	} else {
		_, _ = color.New(color.FgRed).Fprintf(w, "✗ %s_%s failed in sandbox: %s\n",
			errdefs.FormatNumber(res.Number), res.Name, res.Error)
	}
	for _, v := range res.Verified {
		_, _ = fmt.Fprintln(w, hintStyle.Render("  verified: "+v))
	}
	for _, warn := range res.Warnings {
		_, _ = fmt.Fprintln(w, warningStyle.Render("  warning: "+warn))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
