package remote

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a command does not settle within its timeout.
var ErrTimeout = errors.New("remote command timed out")

// SafeCommand is the constrained structured command used for PowerShell on
// Windows targets.
type SafeCommand struct {
	CommandType string
	Script      string
	Elevated    bool
	RunAs       string
}

// UnsafeOptions qualifies a raw command body.
type UnsafeOptions struct {
	Shell string
	RunAs string
}

// CommandResponse is the outcome reported by the agent.
type CommandResponse struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Error    string
}

// PushResponse is the outcome of asking an agent to fetch its pending scripts.
type PushResponse struct {
	Success     bool
	ScriptCount int
	Error       string
}

// Channel is the remote execution channel to machine agents. It offers no
// cooperative cancellation.
type Channel interface {
	SendSafeCommand(ctx context.Context, machineID string, cmd SafeCommand, timeout time.Duration) (*CommandResponse, error)
	SendUnsafeCommand(ctx context.Context, machineID string, body string, opts UnsafeOptions, timeout time.Duration) (*CommandResponse, error)
	PushPendingScriptsToVM(ctx context.Context, machineID string) (*PushResponse, error)
}

// CommandTypeExecutePowerShell is the structured command type for script bodies.
const CommandTypeExecutePowerShell = "execute_powershell"
