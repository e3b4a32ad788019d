package errors

import (
	"fmt"
)

// ConfigError indicates an invalid CLI combination, an unresolvable version
// keyword, or a malformed version literal
type ConfigError struct {
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new ConfigError
func NewConfigError(message string, cause error) error {
	return &ConfigError{
		Message: message,
		Cause:   cause,
	}
}

// PlanError indicates the test matrix could not be built (unreadable base
// manifest, empty dependents list, registry lookup failure)
type PlanError struct {
	Message string
	Cause   error
}

func (e *PlanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("plan error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("plan error: %s", e.Message)
}

func (e *PlanError) Unwrap() error {
	return e.Cause
}

// NewPlanError creates a new PlanError
func NewPlanError(message string, cause error) error {
	return &PlanError{
		Message: message,
		Cause:   cause,
	}
}

// StagingError indicates a cell could not be materialised on disk: archive
// download or extraction failed, or the staging directory is unwritable.
// The cell is reported as fatal for that dependent; other cells continue.
type StagingError struct {
	Crate   string
	Version string
	Cause   error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging error for %s %s: %v", e.Crate, e.Version, e.Cause)
}

func (e *StagingError) Unwrap() error {
	return e.Cause
}

// NewStagingError creates a new StagingError
func NewStagingError(crate, version string, cause error) error {
	return &StagingError{
		Crate:   crate,
		Version: version,
		Cause:   cause,
	}
}

// PatchConflictError indicates the dependent already carries its own
// patch.crates-io entry for the base crate, which copter refuses to overwrite
type PatchConflictError struct {
	Crate    string
	Manifest string
}

func (e *PatchConflictError) Error() string {
	return fmt.Sprintf("manifest %s already patches %s in [patch.crates-io]; refusing to overwrite", e.Manifest, e.Crate)
}

// NewPatchConflictError creates a new PatchConflictError
func NewPatchConflictError(crate, manifest string) error {
	return &PatchConflictError{
		Crate:    crate,
		Manifest: manifest,
	}
}
