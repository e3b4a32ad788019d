package report

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document is the exported shape of a full run.
type Document struct {
	BaseCrate string  `json:"base_crate"`
	Rows      []Row   `json:"rows"`
	Summary   Summary `json:"summary"`
}

// ExportJSON renders the run as indented JSON.
func ExportJSON(baseCrate string, rows []Row) ([]byte, error) {
	doc := Document{
		BaseCrate: baseCrate,
		Rows:      rows,
		Summary:   Summarize(rows),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return data, nil
}

// ExportMarkdown renders the run as a Markdown table with a summary line.
func ExportMarkdown(baseCrate string, rows []Row, errorLines int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Downstream test results for %s\n\n", baseCrate)
	b.WriteString("| Offered | Spec | Resolved | Dependent | Result | Time |\n")
	b.WriteString("|---|---|---|---|---|---|\n")

	baselineSig := ""
	var failures []string

	for i := range rows {
		r := &rows[i]
		if r.IsBaseline() {
			baselineSig = Signature(r)
		}

		label := ResultLabel(r)
		if !r.OverallPassed() && !r.NotUsed() {
			if !r.IsBaseline() && baselineSig != "" && Signature(r) == baselineSig {
				label = "same failure"
			} else if errText := ErrorText(r); errText != "" {
				failures = append(failures, formatErrorBox(r, errText, errorLines))
			}
		}

		fmt.Fprintf(&b, "| %s | %s | %s | %s %s | %s %s | %.1fs |\n",
			offeredCell(r), specCell(r), r.Resolved,
			r.DependentName, r.DependentVersion,
			label, r.Execution.ICTMarks(),
			r.Execution.TotalDuration().Seconds())
	}

	s := Summarize(rows)
	fmt.Fprintf(&b, "\n**%d passed, %d regressed, %d broken, %d not used** (%d total)\n",
		s.Passed, s.Regressed, s.Broken, s.Skipped, s.Total)

	if len(failures) > 0 {
		b.WriteString("\n## Failures\n\n")
		for _, f := range failures {
			b.WriteString("```\n")
			b.WriteString(f)
			b.WriteString("\n```\n\n")
		}
	}

	return b.String()
}
