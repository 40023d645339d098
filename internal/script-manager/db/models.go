package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vm-script-service/internal/models"
)

// ScriptDefinition is a file-backed script. CreatedByID nil marks a
// pre-seeded system template, which can never be edited or deleted.
type ScriptDefinition struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Name        string    `json:"name" gorm:"index;size:255"`
	Description string    `json:"description"`
	Category    string    `json:"category" gorm:"index;size:128"`
	Tags        []string  `json:"tags" gorm:"serializer:json;type:text"`
	OS          []string  `json:"os" gorm:"serializer:json;type:text"`
	Shell       string    `json:"shell" gorm:"size:32"`
	ContentKey  string    `json:"contentKey" gorm:"uniqueIndex;size:255"`
	Format      string    `json:"format" gorm:"size:8"`
	CreatedByID *string   `json:"createdById" gorm:"index;size:64"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsSystemTemplate reports whether the definition is immutable.
func (s *ScriptDefinition) IsSystemTemplate() bool {
	return s.CreatedByID == nil
}

// ScriptExecution is one run (or one recurring schedule) of a script on one machine.
type ScriptExecution struct {
	ID                    string                 `json:"id" gorm:"primaryKey;size:36"`
	ScriptID              uint                   `json:"scriptId" gorm:"index"`
	MachineID             string                 `json:"machineId" gorm:"index;size:64"`
	ParentExecutionID     *string                `json:"parentExecutionId,omitempty" gorm:"index;size:36"`
	ExecutionType         models.ExecutionType   `json:"executionType" gorm:"size:16"`
	Status                models.ExecutionStatus `json:"status" gorm:"index;size:16"`
	TriggeredByID         *string                `json:"triggeredById" gorm:"size:64"`
	InputValues           map[string]interface{} `json:"inputValues" gorm:"serializer:json;type:text"`
	ScheduledFor          *time.Time             `json:"scheduledFor" gorm:"index"`
	RepeatIntervalMinutes *int                   `json:"repeatIntervalMinutes"`
	MaxExecutions         *int                   `json:"maxExecutions"`
	ExecutionCount        int                    `json:"executionCount"`
	LastExecutedAt        *time.Time             `json:"lastExecutedAt"`
	RunAs                 string                 `json:"runAs" gorm:"size:64"`
	StartedAt             *time.Time             `json:"startedAt"`
	CompletedAt           *time.Time             `json:"completedAt"`
	ExitCode              *int                   `json:"exitCode"`
	Stdout                string                 `json:"stdout" gorm:"type:text"`
	Stderr                string                 `json:"stderr" gorm:"type:text"`
	ErrorMessage          string                 `json:"error" gorm:"type:text"`
	CreatedAt             time.Time              `json:"createdAt"`
	UpdatedAt             time.Time              `json:"updatedAt"`
}

// BeforeCreate assigns a UUID when the caller did not.
func (e *ScriptExecution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// IsPeriodic reports whether the record is a recurring schedule anchor.
func (e *ScriptExecution) IsPeriodic() bool {
	return e.RepeatIntervalMinutes != nil
}

// CapReached reports whether a capped schedule has used all of its runs.
func (e *ScriptExecution) CapReached() bool {
	return e.MaxExecutions != nil && e.ExecutionCount >= *e.MaxExecutions
}

// ScriptAuditLog is an append-only record of an action on a script. The entry
// for a deletion keeps ScriptID nil so it outlives the script's other rows.
type ScriptAuditLog struct {
	ID        uint                   `json:"id" gorm:"primaryKey"`
	ScriptID  *uint                  `json:"scriptId" gorm:"index"`
	UserID    *string                `json:"userId" gorm:"size:64"`
	Action    models.AuditAction     `json:"action" gorm:"index;size:16"`
	Details   map[string]interface{} `json:"details" gorm:"serializer:json;type:text"`
	Metadata  map[string]interface{} `json:"metadata" gorm:"serializer:json;type:text"`
	CreatedAt time.Time              `json:"createdAt" gorm:"index"`
}

// Machine is this service's read view of a VM owned by the VM subsystem.
type Machine struct {
	ID           string    `json:"id" gorm:"primaryKey;size:64"`
	Name         string    `json:"name"`
	OS           string    `json:"os" gorm:"size:128"`
	Status       string    `json:"status" gorm:"index;size:32"`
	UserID       *string   `json:"userId" gorm:"index;size:64"`
	DepartmentID *string   `json:"departmentId" gorm:"index;size:64"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Reachable reports whether the machine can receive a push right now.
func (m *Machine) Reachable() bool {
	return m.Status == models.MachineStatusRunning
}

// User is this service's read view of an account.
type User struct {
	ID       string `json:"id" gorm:"primaryKey;size:64"`
	Username string `json:"username" gorm:"uniqueIndex;size:128"`
	Role     string `json:"role" gorm:"index;size:16"`
}

// AllModels lists every table this service migrates.
func AllModels() []interface{} {
	return []interface{}{&ScriptDefinition{}, &ScriptExecution{}, &ScriptAuditLog{}, &Machine{}, &User{}}
}
