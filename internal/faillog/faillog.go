// Package faillog writes the append-only failure log shared by every cell
// of a run. Each append takes an exclusive advisory file lock so concurrent
// writers (a future parallel extension, or an external process tailing the
// same file) serialise cleanly.
package faillog

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/imazen/copter/internal/logger"
)

const recordDelimiter = 100

// Entry is one failed phase's context and captured output.
type Entry struct {
	Dependent        string
	DependentVersion string
	BaseCrate        string
	// TestLabel identifies the cell: "baseline", a version string, or "this"
	TestLabel string
	// Command is the cargo subcommand that failed
	Command string
	// ExitCode is nil when the process could not be spawned
	ExitCode *int
	Stdout   string
	Stderr   string
}

// Log is the process-wide failure log, threaded explicitly into the
// executor. The zero value discards appends.
type Log struct {
	path string
}

// New creates a failure log writing to path.
func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the log file location, empty for a discarding log.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Truncate empties the log file. Used when a run starts fresh.
func (l *Log) Truncate() error {
	if l == nil || l.path == "" {
		return nil
	}
	return os.WriteFile(l.path, nil, 0644)
}

// Append writes one delimited failure record under an exclusive advisory
// file lock. Errors are logged, not returned: a failed log write must never
// abort the run.
func (l *Log) Append(e Entry) {
	if l == nil || l.path == "" {
		return
	}

	lock := flock.New(l.path)
	if err := lock.Lock(); err != nil {
		logger.Error("failed to lock failure log", "path", l.path, "error", err)
		return
	}
	defer lock.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		logger.Error("failed to open failure log", "path", l.path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(e.format(time.Now())); err != nil {
		logger.Error("failed to write failure log", "path", l.path, "error", err)
		return
	}
	if err := f.Sync(); err != nil {
		logger.Error("failed to flush failure log", "path", l.path, "error", err)
	}
}

// format renders the delimited record layout.
func (e Entry) format(now time.Time) string {
	delim := strings.Repeat("=", recordDelimiter)

	exitStr := "N/A"
	if e.ExitCode != nil {
		exitStr = fmt.Sprintf("%d", *e.ExitCode)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n%s\n", delim)
	fmt.Fprintf(&b, "[%s] FAILURE: %s %s testing %s %s\n",
		now.Format("2006-01-02 15:04:05"), e.Dependent, e.DependentVersion, e.BaseCrate, e.TestLabel)
	fmt.Fprintf(&b, "%s\n", delim)
	fmt.Fprintf(&b, "Command: %s\n", e.Command)
	fmt.Fprintf(&b, "Exit code: %s\n", exitStr)
	fmt.Fprintf(&b, "\n--- STDOUT ---\n%s\n", e.Stdout)
	fmt.Fprintf(&b, "\n--- STDERR ---\n%s\n", e.Stderr)
	fmt.Fprintf(&b, "%s\n", delim)
	return b.String()
}
