// Package diagnostics parses cargo's --message-format=json output into
// structured compiler diagnostics, and recognises the dependency-graph
// conflicts cargo reports as free text.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level classifies a compiler diagnostic.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelHelp    Level = "help"
	LevelNote    Level = "note"
)

// ParseLevel maps cargo's level string onto a Level. Unknown strings are
// passed through so nothing is silently dropped.
func ParseLevel(s string) Level {
	switch s {
	case "error", "warning", "help", "note":
		return Level(s)
	default:
		return Level(s)
	}
}

// IsError reports whether the level is an error.
func (l Level) IsError() bool {
	return l == LevelError
}

// SpanInfo locates a diagnostic's primary span in the dependent's source.
type SpanInfo struct {
	FileName string `json:"file_name"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Label    string `json:"label,omitempty"`
}

// Diagnostic is one parsed compiler message.
type Diagnostic struct {
	Level       Level     `json:"level"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message"`
	Rendered    string    `json:"rendered"`
	PrimarySpan *SpanInfo `json:"primary_span,omitempty"`
}

// cargoMessage mirrors one line of cargo's JSON stream. Only the
// compiler-message variant carries a payload we care about.
type cargoMessage struct {
	Reason  string           `json:"reason"`
	Message *compilerMessage `json:"message"`
}

type compilerMessage struct {
	Message  string     `json:"message"`
	Level    string     `json:"level"`
	Code     *errorCode `json:"code"`
	Spans    []span     `json:"spans"`
	Rendered string     `json:"rendered"`
}

type errorCode struct {
	Code string `json:"code"`
}

type span struct {
	FileName    string `json:"file_name"`
	LineStart   int    `json:"line_start"`
	ColumnStart int    `json:"column_start"`
	IsPrimary   bool   `json:"is_primary"`
	Label       string `json:"label"`
}

// ParseCargoJSON extracts diagnostics from cargo's line-oriented JSON output.
// Lines that are not valid JSON, or whose reason is not compiler-message, are
// discarded. Only error and warning records are retained; help and note
// appear as children of another record.
func ParseCargoJSON(output string) []Diagnostic {
	var diags []Diagnostic

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var msg cargoMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Reason != "compiler-message" || msg.Message == nil {
			continue
		}

		if diag, ok := convertCompilerMessage(msg.Message); ok {
			diags = append(diags, diag)
		}
	}

	return diags
}

func convertCompilerMessage(msg *compilerMessage) (Diagnostic, bool) {
	level := ParseLevel(msg.Level)
	if level != LevelError && level != LevelWarning {
		return Diagnostic{}, false
	}

	diag := Diagnostic{
		Level:   level,
		Message: msg.Message,
	}
	if msg.Code != nil {
		diag.Code = msg.Code.Code
	}

	for _, s := range msg.Spans {
		if s.IsPrimary {
			diag.PrimarySpan = &SpanInfo{
				FileName: s.FileName,
				Line:     s.LineStart,
				Column:   s.ColumnStart,
				Label:    s.Label,
			}
			break
		}
	}

	// The rendered field is the authoritative display text; fall back to a
	// constructed rendering when cargo omits it.
	diag.Rendered = msg.Rendered
	if diag.Rendered == "" {
		diag.Rendered = formatDiagnosticText(msg)
	}

	return diag, true
}

func formatDiagnosticText(msg *compilerMessage) string {
	var b strings.Builder

	if msg.Code != nil && msg.Code.Code != "" {
		fmt.Fprintf(&b, "%s[%s]: %s\n", msg.Level, msg.Code.Code, msg.Message)
	} else {
		fmt.Fprintf(&b, "%s: %s\n", msg.Level, msg.Message)
	}

	for _, s := range msg.Spans {
		if s.IsPrimary {
			fmt.Fprintf(&b, " --> %s:%d:%d\n", s.FileName, s.LineStart, s.ColumnStart)
			break
		}
	}

	return b.String()
}

// ErrorSummary joins the rendered text of every error-level diagnostic.
// maxLines truncates each error individually; 0 means unlimited.
func ErrorSummary(diags []Diagnostic, maxLines int) string {
	var parts []string

	for _, d := range diags {
		if !d.Level.IsError() {
			continue
		}
		if maxLines <= 0 {
			parts = append(parts, d.Rendered)
			continue
		}
		lines := strings.Split(d.Rendered, "\n")
		if len(lines) > maxLines {
			truncated := strings.Join(lines[:maxLines], "\n")
			truncated += fmt.Sprintf("\n... (%d more lines)", len(lines)-maxLines)
			parts = append(parts, truncated)
		} else {
			parts = append(parts, d.Rendered)
		}
	}

	return strings.Join(parts, "\n\n")
}

// ErrorWithFallback extracts the full error summary, falling back to raw
// stderr when no structured diagnostics were captured.
func ErrorWithFallback(diags []Diagnostic, stderr string) string {
	if msg := ErrorSummary(diags, 0); msg != "" {
		return msg
	}
	return stderr
}
