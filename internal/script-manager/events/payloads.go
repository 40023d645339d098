package events

import "time"

// Event channels.
const (
	ChannelScriptExecution = "script-execution"
	ChannelScriptSchedule  = "script-schedule"
)

// Event actions.
const (
	ActionStarted   = "started"
	ActionProgress  = "progress"
	ActionCompleted = "completed"
	ActionCancelled = "cancelled"
	ActionScheduled = "scheduled"
	ActionUpdated   = "updated"
)

// Envelope wraps every published event.
type Envelope struct {
	Channel     string      `json:"channel"`
	Action      string      `json:"action"`
	TargetUser  string      `json:"targetUser,omitempty"`
	TriggeredBy string      `json:"triggeredBy,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     interface{} `json:"payload"`
}

// ExecutionPayload describes an execution lifecycle change.
type ExecutionPayload struct {
	ExecutionID string     `json:"executionId"`
	ScriptID    uint       `json:"scriptId"`
	ScriptName  string     `json:"scriptName,omitempty"`
	MachineID   string     `json:"machineId"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ElapsedMs   int64      `json:"elapsedMs,omitempty"`
}

// SchedulePayload is emitted once per successful scheduling request.
type SchedulePayload struct {
	ScriptID     uint     `json:"scriptId"`
	ScriptName   string   `json:"scriptName,omitempty"`
	ScheduleType string   `json:"scheduleType"`
	ExecutionIDs []string `json:"executionIds"`
	MachineIDs   []string `json:"machineIds"`
	Warnings     []string `json:"warnings,omitempty"`
}

// VMStatusPayload is consumed from the VM subsystem to keep the local
// machine view current.
type VMStatusPayload struct {
	MachineID    string  `json:"machineId"`
	Name         string  `json:"name"`
	OS           string  `json:"os"`
	Status       string  `json:"status"`
	UserID       *string `json:"userId,omitempty"`
	DepartmentID *string `json:"departmentId,omitempty"`
	Deleted      bool    `json:"deleted,omitempty"`
}
