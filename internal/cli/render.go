package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...)
}

func renderPlugins(w io.Writer, list []PluginStatus) {
	if len(list) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No plugins registered."))
		return
	}
	t := newTable("PLUGIN", "VERSION", "STATE", "DEPENDS ON", "ORIGIN", "NOTES")
	for _, p := range list {
		state := mutedStyle.Render("inactive")
		if p.Active {
			state = activeStyle.Render("active")
		}
		var notes []string
		if !p.Installed {
			notes = append(notes, "not installed: "+p.InstallError)
		}
		if len(p.MissingDependencies) > 0 {
			notes = append(notes, "missing "+strings.Join(p.MissingDependencies, ", "))
		}
		if p.MigrationPending {
			notes = append(notes, "migration pending")
		}
		t.Row(
			p.Manifest.Name,
			p.Manifest.Version,
			state,
			strings.Join(p.Manifest.Dependencies, ", "),
			p.Origin,
			strings.Join(notes, "; "),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func renderActivation(w io.Writer, res *ActivationResult) {
	verb := "deactivated"
	if res.Active {
		verb = "activated"
	}
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(res.Plugin), verb)
	if res.RestartRequired {
		fmt.Fprintln(w, warnStyle.Render("Restart required")+mutedStyle.Render(" (pluginctl restart)"))
	}
}

func renderRestartStatus(w io.Writer, st *RestartStatus) {
	fmt.Fprintln(w, titleStyle.Render("Restart status"))
	required := mutedStyle.Render("no")
	if st.RestartRequired {
		required = warnStyle.Render("yes")
	}
	fmt.Fprintf(w, "  required:   %s\n", required)
	scheduled := mutedStyle.Render("not scheduled")
	if st.ScheduledAt != nil {
		scheduled = st.ScheduledAt.UTC().Format(time.RFC3339)
		if st.Due {
			scheduled += warnStyle.Render(" (due)")
		}
	}
	fmt.Fprintf(w, "  scheduled:  %s\n", scheduled)
	fmt.Fprintf(w, "  strategy:   %s\n", st.Strategy)
	if len(st.PendingMigrations) > 0 {
		fmt.Fprintf(w, "  migrations: %s\n", strings.Join(st.PendingMigrations, ", "))
	}
}

func renderMigrations(w io.Writer, res *MigrationResult) {
	if len(res.Migrated) == 0 && len(res.Failed) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No pending migrations."))
		return
	}
	if len(res.Migrated) > 0 {
		fmt.Fprintf(w, "%s %s (%d applied)\n", activeStyle.Render("migrated"), strings.Join(res.Migrated, ", "), res.Applied)
	}
	if len(res.Failed) > 0 {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("failed"), strings.Join(res.Failed, ", "))
	}
}

func renderHistory(w io.Writer, name string, entries []HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No history for "+name+"."))
		return
	}
	t := newTable("WHEN", "ACTION", "ACTOR")
	for _, e := range entries {
		t.Row(e.At.UTC().Format(time.RFC3339), e.Action, e.Actor)
	}
	fmt.Fprintln(w, t.Render())
}
