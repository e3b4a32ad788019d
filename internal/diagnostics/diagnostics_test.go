package diagnostics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCargoJSONEmpty(t *testing.T) {
	assert.Empty(t, ParseCargoJSON(""))
}

func TestParseCargoJSONErrorMessage(t *testing.T) {
	line := `{"reason":"compiler-message","message":{"message":"mismatched types","code":{"code":"E0308"},"level":"error","spans":[{"file_name":"src/lib.rs","line_start":6,"line_end":6,"column_start":5,"column_end":7,"is_primary":true,"label":"expected String, found integer"}],"rendered":"error[E0308]: mismatched types\n --> src/lib.rs:6:5\n"}}`

	diags := ParseCargoJSON(line)
	require.Len(t, diags, 1)

	diag := diags[0]
	assert.True(t, diag.Level.IsError())
	assert.Equal(t, "E0308", diag.Code)
	assert.Equal(t, "mismatched types", diag.Message)
	require.NotNil(t, diag.PrimarySpan)
	assert.Equal(t, "src/lib.rs", diag.PrimarySpan.FileName)
	assert.Equal(t, 6, diag.PrimarySpan.Line)
	assert.Equal(t, 5, diag.PrimarySpan.Column)
}

func TestParseCargoJSONFiltersNonCompilerMessages(t *testing.T) {
	output := strings.Join([]string{
		`{"reason":"compiler-artifact"}`,
		`not json at all`,
		`{"reason":"compiler-message","message":{"message":"unused variable","level":"warning","spans":[],"rendered":"warning: unused variable"}}`,
		`{"reason":"compiler-message","message":{"message":"cannot find value","level":"error","spans":[],"rendered":"error: cannot find value"}}`,
		`{"reason":"compiler-message","message":{"message":"consider importing","level":"help","spans":[],"rendered":"help: consider importing"}}`,
	}, "\n")

	diags := ParseCargoJSON(output)
	// One warning and one error; help records only appear as children
	require.Len(t, diags, 2)

	errorCount := 0
	for _, d := range diags {
		if d.Level.IsError() {
			errorCount++
		}
	}
	assert.Equal(t, 1, errorCount)
}

func TestParseCargoJSONFallbackRendering(t *testing.T) {
	// No rendered field: a fallback is constructed from the message parts
	line := `{"reason":"compiler-message","message":{"message":"mismatched types","code":{"code":"E0308"},"level":"error","spans":[{"file_name":"src/lib.rs","line_start":6,"line_end":6,"column_start":5,"column_end":7,"is_primary":true}]}}`

	diags := ParseCargoJSON(line)
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0].Rendered, "error[E0308]: mismatched types")
	assert.Contains(t, diags[0].Rendered, "src/lib.rs:6:5")
}

func TestErrorSummaryTruncation(t *testing.T) {
	diags := []Diagnostic{
		{
			Level:    LevelError,
			Code:     "E0425",
			Message:  "cannot find value",
			Rendered: "error[E0425]: cannot find value `foo`\nline two\nline three\nline four",
		},
		{
			Level:    LevelWarning,
			Rendered: "warning: unused variable",
		},
	}

	full := ErrorSummary(diags, 0)
	assert.Contains(t, full, "error[E0425]")
	assert.Contains(t, full, "line four")
	assert.NotContains(t, full, "unused variable")

	truncated := ErrorSummary(diags, 2)
	assert.Contains(t, truncated, "error[E0425]")
	assert.NotContains(t, truncated, "line three")
	assert.Contains(t, truncated, "(2 more lines)")
}

func TestErrorWithFallback(t *testing.T) {
	assert.Equal(t, "raw stderr", ErrorWithFallback(nil, "raw stderr"))

	diags := []Diagnostic{{Level: LevelError, Rendered: "error: boom"}}
	assert.Equal(t, "error: boom", ErrorWithFallback(diags, "raw stderr"))
}

const conflictOutput = "error[E0277]: the trait bound `[u8]: AsPixels<rgb::Rgb<u8>>` is not satisfied\n" +
	"note: there are multiple different versions of crate `rgb` in the dependency graph\n" +
	"   --> rgb-0.8.91/src/legacy/internal/convert/mod.rs:10:1\n" +
	"    | use ravif::{Encoder, Img};\n" +
	"    |     ----- one version of crate `rgb` used here, as a dependency of crate `ravif`\n" +
	"    | use rgb::AsPixels;\n" +
	"    |     --- one version of crate `rgb` used here, as a direct dependency of the current crate\n"

func TestHasMultiVersionConflict(t *testing.T) {
	assert.True(t, HasMultiVersionConflict(conflictOutput))
	assert.True(t, HasMultiVersionConflict("error: there are two different versions of crate `rgb` in the dependency graph"))
	assert.False(t, HasMultiVersionConflict("some other error"))
}

func TestDetectConflicts(t *testing.T) {
	conflicts := DetectConflicts(conflictOutput)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "rgb", conflicts[0].CrateName)
	assert.Equal(t, []string{"ravif"}, conflicts[0].Blocking)
}

func TestDetectConflictsNoBlockers(t *testing.T) {
	output := "note: there are multiple different versions of crate `rgb` in the dependency graph"
	conflicts := DetectConflicts(output)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "rgb", conflicts[0].CrateName)
	assert.Empty(t, conflicts[0].Blocking)
}

func TestBlockingCrates(t *testing.T) {
	assert.Equal(t, []string{"ravif"}, BlockingCrates(conflictOutput, "rgb"))
	assert.Empty(t, BlockingCrates(conflictOutput, "serde"))
}
