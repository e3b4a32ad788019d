package report

import (
	"sort"
	"strings"

	"github.com/imazen/copter/internal/diagnostics"
	"github.com/imazen/copter/internal/matrix"
)

// ErrorSignature normalises an error text into a canonical, order-invariant
// form: every "error[<code>]: <message>" clause with its source location
// stripped, deduplicated, sorted, and joined. Two failures with matching
// signatures are rendered as the same failure.
func ErrorSignature(text string) string {
	seen := make(map[string]bool)
	var clauses []string

	for _, line := range strings.Split(text, "\n") {
		start := strings.Index(line, "error[")
		if start < 0 {
			continue
		}
		end := strings.Index(line[start:], "]:")
		if end < 0 {
			continue
		}

		code := line[start : start+end+2]
		message := strings.TrimSpace(line[start+end+2:])
		// Drop source locations so the same error type matches across
		// different line numbers
		message = strings.TrimSpace(strings.SplitN(message, "-->", 2)[0])

		clause := code + " " + message
		if !seen[clause] {
			seen[clause] = true
			clauses = append(clauses, clause)
		}
	}

	sort.Strings(clauses)
	return strings.Join(clauses, "\n")
}

// ErrorText collects the full error output of every failed phase in a row,
// falling back to raw stderr when no diagnostics were captured.
func ErrorText(r *Row) string {
	var parts []string

	appendPhase := func(res *matrix.CompileResult) {
		if res == nil || res.Success {
			return
		}
		if msg := diagnostics.ErrorWithFallback(res.Diagnostics, res.Stderr); msg != "" {
			parts = append(parts, msg)
		}
	}

	appendPhase(&r.Execution.Fetch)
	appendPhase(r.Execution.Check)
	appendPhase(r.Execution.Test)

	return strings.Join(parts, "\n")
}

// Signature returns the row's normalised error signature, empty for a
// passing row.
func Signature(r *Row) string {
	if r.OverallPassed() {
		return ""
	}
	return ErrorSignature(ErrorText(r))
}
