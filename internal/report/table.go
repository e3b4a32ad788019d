package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	// Table border style - cyan
	tableBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	// Table header style - magenta bold
	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("13")).
				Bold(true)

	passedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	brokenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// statusIcon returns the Offered-column icon: passed, failed, or skipped.
func statusIcon(r *Row) string {
	if r.NotUsed() {
		return "⊘"
	}
	if r.OverallPassed() {
		return "✓"
	}
	return "✗"
}

// resolutionMark shows how cargo resolved the offered version: exact match,
// upgraded within range, or forced past the range.
func resolutionMark(r *Row) string {
	switch {
	case r.Offered.Forced:
		return "≠"
	case r.UsedOffered:
		return "="
	default:
		return "↑"
	}
}

// offeredCell formats the Offered column: "- baseline" for baseline rows,
// otherwise icon, resolution mark, version, and the patch-depth marker.
func offeredCell(r *Row) string {
	if r.IsBaseline() {
		return "- baseline"
	}

	cell := fmt.Sprintf("%s %s%s", statusIcon(r), resolutionMark(r), r.Offered.Version)
	if marker := r.Offered.PatchDepth.Marker(); marker != "" {
		cell += "→" + marker
	}
	return cell
}

// specCell formats the Spec column; a forced row shows the rewritten pin.
func specCell(r *Row) string {
	if r.Offered != nil && r.Offered.Forced {
		return "→ =" + r.Offered.Version
	}
	return r.Spec
}

func rowStyle(r *Row, label string) lipgloss.Style {
	switch {
	case label == "not used":
		return skippedStyle
	case strings.Contains(label, "broken") || label == "same failure":
		return brokenStyle
	case r.OverallPassed():
		return passedStyle
	default:
		return failedStyle
	}
}

// RenderTable renders the classified rows grouped per dependent, with
// "same failure" deduplication against each dependent's baseline and error
// boxes truncated to errorLines lines per failure (0 = unlimited).
func RenderTable(rows []Row, errorLines int) string {
	headers := []string{"Offered", "Spec", "Resolved", "Dependent", "Result", "Time"}

	var data [][]string
	styles := make(map[int]lipgloss.Style)
	var errorBoxes []string
	var hints []string

	baselineSig := ""
	for i := range rows {
		r := &rows[i]
		if r.IsBaseline() {
			baselineSig = Signature(r)
		}

		label := ResultLabel(r)
		errText := ""

		if !r.OverallPassed() && !r.NotUsed() {
			errText = ErrorText(r)
			// A non-baseline failure matching the baseline's signature is
			// noise: collapse it to "same failure"
			if !r.IsBaseline() && baselineSig != "" && Signature(r) == baselineSig {
				label = "same failure"
				errText = ""
			}
		}

		resolved := r.Resolved
		if resolved != "?" {
			resolved = fmt.Sprintf("%s (%s)", r.Resolved, r.ResolvedSource)
		}

		data = append(data, []string{
			offeredCell(r),
			specCell(r),
			resolved,
			fmt.Sprintf("%s %s", r.DependentName, r.DependentVersion),
			fmt.Sprintf("%s %s", label, r.Execution.ICTMarks()),
			fmt.Sprintf("%.1fs", r.Execution.TotalDuration().Seconds()),
		})
		styles[len(data)-1] = rowStyle(r, label)

		if errText != "" {
			errorBoxes = append(errorBoxes, formatErrorBox(r, errText, errorLines))
		}
		if r.NotUsed() {
			hints = append(hints, fmt.Sprintf("%s %s: offered %s was not used (resolved %s stays in range); use --force-versions to override",
				r.DependentName, r.DependentVersion, r.Offered.Version, r.Resolved))
		}
		if len(r.BlockingCrates) > 0 {
			hints = append(hints, fmt.Sprintf("%s %s: blocking crates: %s",
				r.DependentName, r.DependentVersion, strings.Join(r.BlockingCrates, ", ")))
		}
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tableBorderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			if style, ok := styles[row]; ok {
				return style
			}
			return lipgloss.NewStyle()
		})

	for _, row := range data {
		t.Row(row...)
	}

	out := t.Render()
	if len(errorBoxes) > 0 {
		out += "\n\n" + strings.Join(errorBoxes, "\n\n")
	}
	if len(hints) > 0 {
		out += "\n\n" + strings.Join(hints, "\n")
	}
	return out
}

// formatErrorBox renders one failure's error text, truncated to maxLines.
func formatErrorBox(r *Row, errText string, maxLines int) string {
	var b strings.Builder

	phase, _ := r.Execution.FirstFailure()
	fmt.Fprintf(&b, "cargo %s failed on %s %s\n", phase.Subcommand(), r.DependentName, r.DependentVersion)

	lines := strings.Split(errText, "\n")
	shown := lines
	if maxLines > 0 && len(lines) > maxLines {
		shown = lines[:maxLines]
	}
	for _, line := range shown {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintf(&b, "  %s\n", line)
	}
	if maxLines > 0 && len(lines) > maxLines {
		fmt.Fprintf(&b, "  ... (%d more lines)\n", len(lines)-maxLines)
	}

	return strings.TrimRight(b.String(), "\n")
}

// RenderSummary renders the run's aggregate counts.
func RenderSummary(s Summary) string {
	parts := []string{
		passedStyle.Render(fmt.Sprintf("%d passed", s.Passed)),
	}
	if s.Regressed > 0 {
		parts = append(parts, failedStyle.Render(fmt.Sprintf("%d regressed", s.Regressed)))
	}
	if s.Broken > 0 {
		parts = append(parts, brokenStyle.Render(fmt.Sprintf("%d broken", s.Broken)))
	}
	if s.Skipped > 0 {
		parts = append(parts, skippedStyle.Render(fmt.Sprintf("%d not used", s.Skipped)))
	}
	return fmt.Sprintf("Results: %s (%d total)", strings.Join(parts, ", "), s.Total)
}
