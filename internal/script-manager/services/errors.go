package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"vm-script-service/internal/models"
	"vm-script-service/pkg/interpolate"
	"vm-script-service/pkg/scriptdoc"
)

// ErrorCode is the fixed taxonomy reported by scheduling and execution entry points.
type ErrorCode string

const (
	CodeScriptNotFound      ErrorCode = "SCRIPT_NOT_FOUND"
	CodeMachineNotFound     ErrorCode = "MACHINE_NOT_FOUND"
	CodeInvalidTarget       ErrorCode = "INVALID_TARGET"
	CodeOSIncompatible      ErrorCode = "OS_INCOMPATIBLE"
	CodeMissingScheduleTime ErrorCode = "MISSING_SCHEDULE_TIME"
	CodeInvalidSchedule     ErrorCode = "INVALID_SCHEDULE"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeInvalidState        ErrorCode = "INVALID_STATE"
	CodeExecutionNotFound   ErrorCode = "EXECUTION_NOT_FOUND"
	CodeUnknown             ErrorCode = "UNKNOWN"
)

// ValidationError reports bad caller input: malformed documents, undeclared
// template variables, bad input values, forbidden mutations.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports a missing script, execution, machine or content file.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// StateConflictError reports an illegal transition, naming the current status.
type StateConflictError struct {
	ExecutionID string
	Current     models.ExecutionStatus
	Action      string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s execution %s: current status is %s", e.Action, e.ExecutionID, e.Current)
}

// CompatibilityError reports targets whose OS the script does not support.
type CompatibilityError struct {
	Machines []string
	Reason   string
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Machines, ", "))
}

// IOError wraps a filesystem failure on script content.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// codeFor translates an error raised below the scheduling/execution boundary
// into the reported taxonomy.
func codeFor(err error) ErrorCode {
	var (
		notFound   *NotFoundError
		compat     *CompatibilityError
		conflict   *StateConflictError
		validation *ValidationError
		docErr     *scriptdoc.ValidationError
		missing    *scriptdoc.MissingInputsError
		missingVar *interpolate.MissingVariableError
		invalid    validator.ValidationErrors
	)
	switch {
	case errors.As(err, &notFound):
		switch notFound.Resource {
		case "script", "script content":
			return CodeScriptNotFound
		case "machine":
			return CodeMachineNotFound
		case "execution":
			return CodeExecutionNotFound
		}
		return CodeUnknown
	case errors.As(err, &compat):
		return CodeOSIncompatible
	case errors.As(err, &conflict):
		return CodeInvalidState
	case errors.As(err, &docErr), errors.As(err, &missing), errors.As(err, &missingVar):
		return CodeInvalidInput
	case errors.As(err, &invalid):
		return CodeInvalidInput
	case errors.As(err, &validation):
		return CodeInvalidInput
	}
	return CodeUnknown
}
