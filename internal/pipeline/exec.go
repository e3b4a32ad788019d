package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/imazen/copter/internal/diagnostics"
	"github.com/imazen/copter/internal/logger"
	"github.com/imazen/copter/internal/matrix"
)

// ExecResult is the raw outcome of one cargo invocation.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Err is set when the process could not be spawned at all
	Err error
}

// Success reports whether the process ran and exited zero.
func (r ExecResult) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Runner executes cargo with the given arguments in dir, with env entries
// ("KEY=VALUE") appended to the inherited environment. Tests substitute a
// fake; production uses CargoRunner.
type Runner func(dir string, env []string, args ...string) ExecResult

// CargoRunner shells out to the cargo binary, capturing both streams in full.
func CargoRunner(dir string, env []string, args ...string) ExecResult {
	logger.Debug("running cargo", "dir", dir, "args", args)

	cmd := exec.Command("cargo", args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Err = fmt.Errorf("failed to execute cargo: %w", err)
			result.Stderr = result.Err.Error()
		}
	}

	return result
}

// phaseArgs builds the cargo argument list for one phase.
//
// Check and test request structured diagnostics (fetch does not support
// them); test requests "continue past first failure". A config override
// applies Patch-mode semantics through cargo's --config flag with no
// manifest write.
func phaseArgs(phase matrix.Phase, features []string, configOverride string) []string {
	args := []string{phase.Subcommand()}

	if phase != matrix.PhaseFetch {
		args = append(args, "--message-format=json")
	}
	if len(features) > 0 {
		args = append(args, "--features", joinFeatures(features))
	}
	if phase == matrix.PhaseTest {
		args = append(args, "--no-fail-fast")
	}
	if configOverride != "" {
		args = append(args, "--config", configOverride)
	}

	return args
}

func joinFeatures(features []string) string {
	out := ""
	for i, f := range features {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

// configOverrideFlag renders the --config value that patches the base crate
// to a local path without touching the manifest.
func configOverrideFlag(crateName, overridePath string) string {
	abs, err := filepath.Abs(overridePath)
	if err != nil {
		abs = overridePath
	}
	return fmt.Sprintf("patch.crates-io.%s.path=%q", crateName, filepath.ToSlash(abs))
}

// runPhase invokes one cargo phase and converts the raw outcome into a
// CompileResult with parsed diagnostics.
func runPhase(run Runner, dir string, phase matrix.Phase, features []string, env []string, configOverride string) matrix.CompileResult {
	start := time.Now()
	res := run(dir, env, phaseArgs(phase, features, configOverride)...)
	duration := time.Since(start)

	var diags []diagnostics.Diagnostic
	if phase != matrix.PhaseFetch {
		diags = diagnostics.ParseCargoJSON(res.Stdout)
	}

	logger.Debug("cargo phase finished", "phase", phase.String(), "success", res.Success(), "duration", duration)

	return matrix.CompileResult{
		Phase:       phase,
		Success:     res.Success(),
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		Duration:    duration,
		Diagnostics: diags,
	}
}

// runMetadata invokes cargo metadata and returns the raw JSON document.
func runMetadata(run Runner, dir string) ([]byte, error) {
	res := run(dir, nil, "metadata", "--format-version=1")
	if !res.Success() {
		return nil, fmt.Errorf("cargo metadata failed: %s", res.Stderr)
	}
	return []byte(res.Stdout), nil
}
