package models

import "fmt"

// ExecutionStatus is the lifecycle state of a script execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "PENDING"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusSuccess   ExecutionStatus = "SUCCESS"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusTimeout   ExecutionStatus = "TIMEOUT"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// Legal transitions. Terminal statuses have no entry.
var transitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled},
}

// IsTerminal reports whether no transition is defined out of s.
func (s ExecutionStatus) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to ExecutionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesFor returns every status that may legally move to target.
func SourcesFor(target ExecutionStatus) []ExecutionStatus {
	var out []ExecutionStatus
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == target {
				out = append(out, from)
			}
		}
	}
	return out
}

// ExecutionType records why an execution record exists.
type ExecutionType string

const (
	ExecutionOnDemand  ExecutionType = "ON_DEMAND"
	ExecutionScheduled ExecutionType = "SCHEDULED"
	ExecutionFirstBoot ExecutionType = "FIRST_BOOT"
)

// ScheduleType is the kind of scheduling request.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleOneTime   ScheduleType = "one-time"
	SchedulePeriodic  ScheduleType = "periodic"
)

// OSTag is the generic bucket a concrete machine OS string maps to.
type OSTag string

const (
	OSWindows OSTag = "WINDOWS"
	OSLinux   OSTag = "LINUX"
)

// AuditAction tags an audit log entry.
type AuditAction string

const (
	AuditCreated   AuditAction = "created"
	AuditEdited    AuditAction = "edited"
	AuditDeleted   AuditAction = "deleted"
	AuditExecuted  AuditAction = "executed"
	AuditScheduled AuditAction = "scheduled"
)

// Run-as identities that request elevation on Windows.
const (
	RunAsAdministrator = "administrator"
	RunAsSystem        = "system"
)

// Machine statuses reported by the VM subsystem. Only running machines are reachable.
const (
	MachineStatusRunning = "running"
	MachineStatusStopped = "stopped"
)

// User roles.
const (
	RoleAdmin = "ADMIN"
	RoleUser  = "USER"
)

// CancellationMessage is stored on every execution cancelled through the engine.
const CancellationMessage = "Execution cancelled by user"

// TimeoutMessage is stored when the remote call exceeds its deadline.
func TimeoutMessage(seconds int) string {
	return fmt.Sprintf("Script execution timed out after %d seconds", seconds)
}
