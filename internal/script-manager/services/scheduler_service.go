package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"vm-script-service/internal/models"
	smDB "vm-script-service/internal/script-manager/db"
	"vm-script-service/internal/script-manager/events"
	"vm-script-service/internal/script-manager/metrics"
	"vm-script-service/internal/script-manager/remote"
	"vm-script-service/pkg/interpolate"
	"vm-script-service/pkg/scriptdoc"
)

const (
	DefaultPushBatchSize    = 10
	activeScheduleSampleMax = 5
)

// ScheduleRequest asks for a script to run on a set of machines.
type ScheduleRequest struct {
	ScriptID              uint                   `json:"scriptId" validate:"required"`
	MachineIDs            []string               `json:"machineIds" validate:"omitempty,dive,required"`
	DepartmentID          string                 `json:"departmentId"`
	ScheduleType          models.ScheduleType    `json:"scheduleType" validate:"required,oneof=immediate one-time periodic"`
	ScheduledFor          *time.Time             `json:"scheduledFor"`
	RepeatIntervalMinutes *int                   `json:"repeatIntervalMinutes"`
	MaxExecutions         *int                   `json:"maxExecutions" validate:"omitempty,min=1"`
	InputValues           map[string]interface{} `json:"inputValues"`
	RunAs                 string                 `json:"runAs"`
	TriggeredByID         *string                `json:"-"`
	Metadata              map[string]interface{} `json:"-"`
}

// ScheduleResult is the structured outcome of ScheduleScript.
type ScheduleResult struct {
	Success      bool      `json:"success"`
	ExecutionIDs []string  `json:"executionIds,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorCode    ErrorCode `json:"errorCode,omitempty"`
}

func scheduleFailure(code ErrorCode, err error) *ScheduleResult {
	return &ScheduleResult{Success: false, Error: err.Error(), ErrorCode: code}
}

// UpdateScheduleRequest changes a PENDING execution. Nil fields are unchanged.
type UpdateScheduleRequest struct {
	ScheduledFor          *time.Time             `json:"scheduledFor"`
	RepeatIntervalMinutes *int                   `json:"repeatIntervalMinutes"`
	MaxExecutions         *int                   `json:"maxExecutions"`
	RunAs                 *string                `json:"runAs"`
	InputValues           map[string]interface{} `json:"inputValues"`
	UserID                *string                `json:"-"`
}

// ActiveSchedules summarises PENDING/RUNNING work referencing a script.
type ActiveSchedules struct {
	HasActive bool     `json:"hasActive"`
	Count     int      `json:"count"`
	Machines  []string `json:"machines"`
}

// SchedulerService expands scheduling requests into per-machine execution
// records and nudges reachable machines to fetch them.
type SchedulerService struct {
	DB            *gorm.DB
	Definitions   *DefinitionService
	Remote        remote.Channel
	Events        events.Publisher
	Audit         *AuditLogger
	Metrics       *metrics.Metrics
	PushBatchSize int

	notifier *notifier
	validate *validator.Validate
	now      func() time.Time
}

func NewSchedulerService(gormDB *gorm.DB, definitions *DefinitionService, channel remote.Channel, publisher events.Publisher, audit *AuditLogger, m *metrics.Metrics) *SchedulerService {
	return &SchedulerService{
		DB:            gormDB,
		Definitions:   definitions,
		Remote:        channel,
		Events:        publisher,
		Audit:         audit,
		Metrics:       m,
		PushBatchSize: DefaultPushBatchSize,
		notifier:      &notifier{DB: gormDB, Events: publisher},
		validate:      validator.New(),
		now:           time.Now,
	}
}

// ScheduleScript never returns a raw error: every failure is reported through
// the result's error code.
func (s *SchedulerService) ScheduleScript(ctx context.Context, req ScheduleRequest) *ScheduleResult {
	if err := s.validate.Struct(req); err != nil {
		return scheduleFailure(requestErrorCode(err), err)
	}

	def, parsed, err := s.Definitions.LoadScript(ctx, req.ScriptID)
	if err != nil {
		return scheduleFailure(codeFor(err), err)
	}

	machines, err := s.resolveTargets(ctx, req)
	if err != nil {
		return scheduleFailure(codeFor(err), err)
	}
	if len(machines) == 0 {
		return scheduleFailure(CodeInvalidTarget, errors.New("no target machines: provide machine ids or a department with machines"))
	}

	if err := checkCompatibility(def, machines); err != nil {
		return scheduleFailure(CodeOSIncompatible, err)
	}

	var warnings []string
	for _, m := range machines {
		if !m.Reachable() {
			warnings = append(warnings, fmt.Sprintf("Machine %s (%s) is offline; the script will be delivered when it comes online", m.Name, m.ID))
		}
	}

	if err := scriptdoc.ValidateInputValues(parsed.Inputs, req.InputValues); err != nil {
		return scheduleFailure(CodeInvalidInput, err)
	}

	now := s.now()
	scheduledFor, interval, maxExecutions, code, err := scheduleTriple(req, now)
	if err != nil {
		return scheduleFailure(code, err)
	}

	runAs := req.RunAs
	if runAs == "" && parsed.Document != nil && parsed.Document.Execution != nil {
		runAs = parsed.Document.Execution.RunAs
	}

	records := make([]smDB.ScriptExecution, 0, len(machines))
	for _, m := range machines {
		records = append(records, smDB.ScriptExecution{
			ScriptID:              def.ID,
			MachineID:             m.ID,
			ExecutionType:         models.ExecutionScheduled,
			Status:                models.StatusPending,
			TriggeredByID:         req.TriggeredByID,
			InputValues:           req.InputValues,
			ScheduledFor:          &scheduledFor,
			RepeatIntervalMinutes: interval,
			MaxExecutions:         maxExecutions,
			RunAs:                 runAs,
		})
	}
	if err := s.DB.WithContext(ctx).Create(&records).Error; err != nil {
		hlog.CtxErrorf(ctx, "SchedulerService: failed to create executions for script %d: %v", def.ID, err)
		return scheduleFailure(CodeUnknown, fmt.Errorf("failed to create execution records: %w", err))
	}

	ids := make([]string, 0, len(records))
	machineIDs := make([]string, 0, len(records))
	masked := interpolate.SanitizeForLogging(req.InputValues, parsed.Inputs)
	for i := range records {
		ids = append(ids, records[i].ID)
		machineIDs = append(machineIDs, records[i].MachineID)
		scriptID := def.ID
		s.Audit.Record(ctx, &smDB.ScriptAuditLog{
			ScriptID: &scriptID,
			UserID:   req.TriggeredByID,
			Action:   models.AuditScheduled,
			Details: map[string]interface{}{
				"executionId":           records[i].ID,
				"machineId":             records[i].MachineID,
				"scheduleType":          string(req.ScheduleType),
				"scheduledFor":          scheduledFor,
				"repeatIntervalMinutes": interval,
				"maxExecutions":         maxExecutions,
				"inputValues":           masked,
			},
			Metadata: req.Metadata,
		})
	}
	s.Metrics.RecordScheduled(string(req.ScheduleType), len(records))

	if !scheduledFor.After(now) {
		var due []string
		for _, m := range machines {
			if m.Reachable() {
				due = append(due, m.ID)
			}
		}
		warnings = append(warnings, s.pushToMachines(ctx, due)...)
	}

	if s.Events != nil {
		s.Events.DispatchEvent(ctx, events.ChannelScriptSchedule, events.ActionScheduled, events.SchedulePayload{
			ScriptID:     def.ID,
			ScriptName:   def.Name,
			ScheduleType: string(req.ScheduleType),
			ExecutionIDs: ids,
			MachineIDs:   machineIDs,
			Warnings:     warnings,
		}, req.TriggeredByID)
	}

	hlog.CtxInfof(ctx, "SchedulerService: scheduled script %d (%s) on %d machines, %d warnings", def.ID, req.ScheduleType, len(ids), len(warnings))
	return &ScheduleResult{Success: true, ExecutionIDs: ids, Warnings: warnings}
}

// scheduleTriple derives (scheduledFor, repeatIntervalMinutes, maxExecutions).
func scheduleTriple(req ScheduleRequest, now time.Time) (time.Time, *int, *int, ErrorCode, error) {
	switch req.ScheduleType {
	case models.ScheduleImmediate:
		return now, nil, nil, "", nil
	case models.ScheduleOneTime:
		if req.ScheduledFor == nil {
			return time.Time{}, nil, nil, CodeMissingScheduleTime, errors.New("one-time schedules require scheduledFor")
		}
		if !req.ScheduledFor.After(now) {
			return time.Time{}, nil, nil, CodeInvalidSchedule, fmt.Errorf("scheduledFor %s is not in the future", req.ScheduledFor.Format(time.RFC3339))
		}
		one := 1
		return *req.ScheduledFor, nil, &one, "", nil
	case models.SchedulePeriodic:
		if req.RepeatIntervalMinutes == nil || *req.RepeatIntervalMinutes <= 0 {
			return time.Time{}, nil, nil, CodeInvalidSchedule, errors.New("periodic schedules require repeatIntervalMinutes > 0")
		}
		interval := *req.RepeatIntervalMinutes
		return now, &interval, req.MaxExecutions, "", nil
	}
	return time.Time{}, nil, nil, CodeInvalidSchedule, fmt.Errorf("unknown schedule type %q", req.ScheduleType)
}

func requestErrorCode(err error) ErrorCode {
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) && len(invalid) > 0 {
		switch invalid[0].StructField() {
		case "ScheduleType", "MaxExecutions":
			return CodeInvalidSchedule
		case "MachineIDs":
			return CodeInvalidTarget
		case "ScriptID":
			return CodeScriptNotFound
		}
	}
	return CodeInvalidInput
}

// resolveTargets loads the explicit machine list, or the direct members of
// the department when no list is given.
func (s *SchedulerService) resolveTargets(ctx context.Context, req ScheduleRequest) ([]smDB.Machine, error) {
	if len(req.MachineIDs) == 0 {
		if req.DepartmentID == "" {
			return nil, nil
		}
		return smDB.MachinesInDepartment(ctx, s.DB, req.DepartmentID)
	}

	ids := dedupe(req.MachineIDs)
	machines, err := smDB.FindMachines(ctx, s.DB, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load machines: %w", err)
	}
	if len(machines) != len(ids) {
		found := make(map[string]bool, len(machines))
		for _, m := range machines {
			found[m.ID] = true
		}
		for _, id := range ids {
			if !found[id] {
				return nil, &NotFoundError{Resource: "machine", ID: id}
			}
		}
	}
	byID := make(map[string]smDB.Machine, len(machines))
	for _, m := range machines {
		byID[m.ID] = m
	}
	ordered := make([]smDB.Machine, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, byID[id])
	}
	return ordered, nil
}

// pushToMachines asks each machine to fetch its pending scripts, at most
// PushBatchSize at a time. Failures come back as warnings.
func (s *SchedulerService) pushToMachines(ctx context.Context, machineIDs []string) []string {
	if s.Remote == nil || len(machineIDs) == 0 {
		return nil
	}
	batch := s.PushBatchSize
	if batch <= 0 {
		batch = DefaultPushBatchSize
	}

	var (
		mu       sync.Mutex
		warnings []string
	)
	for start := 0; start < len(machineIDs); start += batch {
		end := start + batch
		if end > len(machineIDs) {
			end = len(machineIDs)
		}
		var g errgroup.Group
		for _, id := range machineIDs[start:end] {
			id := id
			g.Go(func() error {
				resp, err := s.Remote.PushPendingScriptsToVM(ctx, id)
				var msg string
				switch {
				case err != nil:
					msg = err.Error()
				case resp == nil || !resp.Success:
					msg = "agent rejected the push"
					if resp != nil && resp.Error != "" {
						msg = resp.Error
					}
				}
				s.Metrics.RecordPush(msg == "")
				if msg != "" {
					hlog.CtxWarnf(ctx, "SchedulerService: push to machine %s failed: %s", id, msg)
					mu.Lock()
					warnings = append(warnings, fmt.Sprintf("Immediate delivery to machine %s failed (%s); it will be retried by polling", id, msg))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	sort.Strings(warnings)
	return warnings
}

// UpdateScheduledScript changes timing, run-as or inputs of a PENDING execution.
func (s *SchedulerService) UpdateScheduledScript(ctx context.Context, id string, req UpdateScheduleRequest) (*smDB.ScriptExecution, error) {
	exec, err := loadExecution(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.StatusPending {
		return nil, &StateConflictError{ExecutionID: id, Current: exec.Status, Action: "update"}
	}

	updates := map[string]interface{}{}
	if req.ScheduledFor != nil {
		if !req.ScheduledFor.After(s.now()) && !exec.IsPeriodic() {
			return nil, &ValidationError{Message: "scheduledFor must be in the future"}
		}
		updates["scheduled_for"] = *req.ScheduledFor
	}
	if req.RepeatIntervalMinutes != nil {
		if !exec.IsPeriodic() {
			return nil, &ValidationError{Message: "repeatIntervalMinutes can only change on a periodic schedule"}
		}
		if *req.RepeatIntervalMinutes <= 0 {
			return nil, &ValidationError{Message: "repeatIntervalMinutes must be > 0"}
		}
		updates["repeat_interval_minutes"] = *req.RepeatIntervalMinutes
	}
	if req.MaxExecutions != nil {
		if !exec.IsPeriodic() {
			return nil, &ValidationError{Message: "maxExecutions can only change on a periodic schedule"}
		}
		if *req.MaxExecutions < 1 {
			return nil, &ValidationError{Message: "maxExecutions must be >= 1"}
		}
		updates["max_executions"] = *req.MaxExecutions
	}
	if req.RunAs != nil {
		updates["run_as"] = *req.RunAs
	}
	if req.InputValues != nil {
		_, parsed, err := s.Definitions.LoadScript(ctx, exec.ScriptID)
		if err != nil {
			return nil, err
		}
		if err := scriptdoc.ValidateInputValues(parsed.Inputs, req.InputValues); err != nil {
			return nil, &ValidationError{Message: "invalid input values", Err: err}
		}
		updates["input_values"] = smDB.JSONMap(req.InputValues)
	}
	if len(updates) == 0 {
		return exec, nil
	}

	ok, err := smDB.TransitionExecution(ctx, s.DB, id, []models.ExecutionStatus{models.StatusPending}, updates)
	if err != nil {
		return nil, fmt.Errorf("failed to update execution %s: %w", id, err)
	}
	current, loadErr := loadExecution(ctx, s.DB, id)
	if loadErr != nil {
		return nil, loadErr
	}
	if !ok {
		return nil, &StateConflictError{ExecutionID: id, Current: current.Status, Action: "update"}
	}

	if s.Events != nil {
		s.Events.DispatchEvent(ctx, events.ChannelScriptSchedule, events.ActionUpdated, executionPayload(current, ""), req.UserID)
	}
	hlog.CtxInfof(ctx, "SchedulerService: updated scheduled execution %s", id)
	return current, nil
}

// CancelScheduledScript cancels a PENDING or RUNNING execution.
func (s *SchedulerService) CancelScheduledScript(ctx context.Context, id string, userID *string) (*smDB.ScriptExecution, error) {
	return cancelExecution(ctx, s.notifier, id, userID, s.now())
}

// GetDuePeriodicSchedules returns periodic anchors whose next run is due and
// whose cap, if any, is not yet reached.
func (s *SchedulerService) GetDuePeriodicSchedules(ctx context.Context, now time.Time) ([]smDB.ScriptExecution, error) {
	var candidates []smDB.ScriptExecution
	err := s.DB.WithContext(ctx).
		Where("status = ? AND repeat_interval_minutes IS NOT NULL", models.StatusPending).
		Order("scheduled_for").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load periodic schedules: %w", err)
	}
	due := make([]smDB.ScriptExecution, 0, len(candidates))
	for _, e := range candidates {
		if e.CapReached() || *e.RepeatIntervalMinutes <= 0 {
			continue
		}
		var next time.Time
		if e.LastExecutedAt != nil {
			next = e.LastExecutedAt.Add(time.Duration(*e.RepeatIntervalMinutes) * time.Minute)
		} else if e.ScheduledFor != nil {
			next = *e.ScheduledFor
		}
		if !next.After(now) {
			due = append(due, e)
		}
	}
	return due, nil
}

// HasActiveSchedules reports PENDING/RUNNING work for a script with a sample
// of affected machine names. Exhausted periodic anchors do not count.
func (s *SchedulerService) HasActiveSchedules(ctx context.Context, scriptID uint) (*ActiveSchedules, error) {
	var execs []smDB.ScriptExecution
	err := s.DB.WithContext(ctx).
		Where("script_id = ? AND status IN ?", scriptID, []models.ExecutionStatus{models.StatusPending, models.StatusRunning}).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active executions for script %d: %w", scriptID, err)
	}

	var machineIDs []string
	count := 0
	for _, e := range execs {
		if e.IsPeriodic() && e.CapReached() {
			continue
		}
		count++
		machineIDs = append(machineIDs, e.MachineID)
	}
	result := &ActiveSchedules{HasActive: count > 0, Count: count, Machines: []string{}}
	if count == 0 {
		return result, nil
	}

	machines, err := smDB.FindMachines(ctx, s.DB, dedupe(machineIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load machines for script %d: %w", scriptID, err)
	}
	names := make(map[string]string, len(machines))
	for _, m := range machines {
		names[m.ID] = m.Name
	}
	for _, id := range dedupe(machineIDs) {
		if len(result.Machines) == activeScheduleSampleMax {
			break
		}
		name := names[id]
		if name == "" {
			name = id
		}
		result.Machines = append(result.Machines, name)
	}
	return result, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
