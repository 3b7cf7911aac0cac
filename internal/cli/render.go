package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/audit"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true).MarginTop(1)
)

const rule = 50

func renderIssues(w io.Writer, path string, issues []contracts.Issue) {
	fmt.Fprintf(w, "%s %s (%d issues)\n", errorStyle.Render("✗"), titleStyle.Render(path), len(issues))
	for _, issue := range issues {
		where := issue.Path
		if where == "" {
			where = "spec"
		}
		fmt.Fprintf(w, "  %s %s %s\n", mutedStyle.Render(where), warnStyle.Render("["+issue.Code+"]"), issue.Message)
	}
}

// renderValid lists the flows of a valid document with the stages in which
// their steps become ready.
func renderValid(w io.Writer, path string, c *config.Compiled) {
	flows := sortedFlows(c)
	fmt.Fprintf(w, "%s %s %s\n", okStyle.Render("✓"), titleStyle.Render(path), mutedStyle.Render("flows: "+strings.Join(flows, ", ")))
	for _, name := range flows {
		stages := make([]string, 0, len(c.Flows[name].Stages))
		for _, set := range c.Flows[name].Stages {
			ids := make([]string, len(set))
			for i, id := range set {
				ids[i] = string(id)
			}
			stages = append(stages, strings.Join(ids, " "))
		}
		fmt.Fprintf(w, "  %s %s\n", titleStyle.Render(name), mutedStyle.Render(strings.Join(stages, " → ")))
	}
}

func statusStyle(status contracts.RunStatus) lipgloss.Style {
	switch status {
	case contracts.RunCompleted:
		return okStyle
	case contracts.RunSuspended, contracts.RunBudgetExceeded:
		return warnStyle
	case contracts.RunFailed:
		return errorStyle
	default:
		return mutedStyle
	}
}

func renderOutcome(w io.Writer, out contracts.Outcome, snap contracts.RunSnapshot) {
	fmt.Fprintln(w, sectionStyle.Render("RUN "+string(out.RunID)))
	fmt.Fprintln(w, strings.Repeat("─", rule))
	status := out.Status.String()
	if out.Degraded {
		status += " (degraded)"
	}
	fmt.Fprintf(w, "Status:   %s\n", statusStyle(out.Status).Render(status))
	if out.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", errorStyle.Render(out.Error))
	}
	fmt.Fprintf(w, "Consumed: %s\n", formatUsage(snap.Consumed, snap.Budget))

	if len(snap.Steps) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("STEPS"))
		ids := make([]string, 0, len(snap.Steps))
		for id := range snap.Steps {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			st := snap.Steps[contracts.StepID(id)]
			line := fmt.Sprintf("  %-16s %-14s attempts=%d", id, st.Status, st.Attempts)
			if st.Iterations > 0 {
				line += fmt.Sprintf(" iterations=%d", st.Iterations)
			}
			if st.DidNotConverge {
				line += " " + warnStyle.Render("did not converge")
			}
			if st.Error != "" {
				line += " " + errorStyle.Render(st.Error)
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(out.Output) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("OUTPUT"))
		renderRecord(w, out.Output)
	}

	if len(out.Pending) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("AWAITING"))
		for _, req := range out.Pending {
			fmt.Fprintf(w, "  %s %s %s\n", titleStyle.Render(string(req.StepID)), req.Prompt,
				mutedStyle.Render("until "+req.Deadline.Format("2006-01-02 15:04:05")))
		}
	}

	for _, e := range out.Events {
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("!"), formatEvent(e))
	}
}

func renderRecord(w io.Writer, rec contracts.Record) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", titleStyle.Render(k), rec[k])
	}
}

func renderAttempts(w io.Writer, attempts []contracts.Attempt) {
	fmt.Fprintln(w, sectionStyle.Render("ATTEMPTS"))
	fmt.Fprintln(w, strings.Repeat("─", rule))
	if len(attempts) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  none"))
		return
	}
	for _, a := range attempts {
		idx := fmt.Sprintf("#%d", a.Index)
		if a.Iteration > 0 {
			idx = fmt.Sprintf("#%d.%d", a.Iteration, a.Index)
		}
		status := string(a.Status)
		style := okStyle
		if len(a.Violations) > 0 || a.Error != "" {
			style = errorStyle
		}
		fmt.Fprintf(w, "  %-4d %-12s %-6s %s %s\n", a.Seq, a.StepID, idx, style.Render(status),
			mutedStyle.Render(fmt.Sprintf("cost=%.4f %s", a.Cost, a.Duration)))
		for _, v := range a.Violations {
			fmt.Fprintf(w, "         %s\n", warnStyle.Render(v.Text()))
		}
		if a.Error != "" {
			fmt.Fprintf(w, "         %s\n", errorStyle.Render(a.Error))
		}
	}
}

func renderPatterns(w io.Writer, patterns []audit.Pattern) {
	fmt.Fprintln(w, sectionStyle.Render("POSTCONDITION PATTERNS"))
	fmt.Fprintln(w, strings.Repeat("─", rule))
	if len(patterns) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  no check fired"))
		return
	}
	for _, p := range patterns {
		rate := fmt.Sprintf("%3.0f%%", p.Rate()*100)
		style := mutedStyle
		if p.Rate() >= 0.5 {
			style = warnStyle
		}
		fmt.Fprintf(w, "  %s %-14s %s %s\n", style.Render(rate), p.Function, p.Check,
			mutedStyle.Render(fmt.Sprintf("(%d fires in %d/%d runs)", p.Fires, p.RunsHit, p.Runs)))
	}
}

func formatUsage(u contracts.Usage, b contracts.Budget) string {
	s := fmt.Sprintf("cost %.4f", u.Cost)
	if b.MaxCost > 0 {
		s += fmt.Sprintf(" / %.4f", b.MaxCost)
	}
	s += fmt.Sprintf(", time %s", u.Duration)
	if b.MaxTime > 0 {
		s += fmt.Sprintf(" / %s", b.MaxTime)
	}
	return s
}

func formatEvent(e contracts.Event) string {
	s := string(e.Kind)
	if e.StepID != "" {
		s += " " + string(e.StepID)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}
