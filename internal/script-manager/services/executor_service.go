package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
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
	DefaultExecutionTimeout  = 600 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second

	// terminalWriteTimeout bounds the final status write and completion
	// events, which run detached from the caller's context.
	terminalWriteTimeout = 10 * time.Second
)

// ExecuteOptions describes an on-demand run of one script on one machine.
type ExecuteOptions struct {
	ScriptID      uint                   `json:"scriptId"`
	MachineID     string                 `json:"machineId"`
	InputValues   map[string]interface{} `json:"inputValues"`
	RunAs         string                 `json:"runAs"`
	TriggeredByID *string                `json:"-"`
	ExecutionType models.ExecutionType   `json:"-"`
	Metadata      map[string]interface{} `json:"-"`
}

// ExecuteResult is the structured outcome of an execution request.
type ExecuteResult struct {
	Success     bool                   `json:"success"`
	ExecutionID string                 `json:"executionId,omitempty"`
	Status      models.ExecutionStatus `json:"status,omitempty"`
	ExitCode    *int                   `json:"exitCode,omitempty"`
	Stdout      string                 `json:"stdout,omitempty"`
	Stderr      string                 `json:"stderr,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorCode   ErrorCode              `json:"errorCode,omitempty"`
}

func executeFailure(executionID string, err error) *ExecuteResult {
	return &ExecuteResult{Success: false, ExecutionID: executionID, Error: err.Error(), ErrorCode: codeFor(err)}
}

func resultFor(exec *smDB.ScriptExecution) *ExecuteResult {
	return &ExecuteResult{
		Success:     exec.Status == models.StatusSuccess,
		ExecutionID: exec.ID,
		Status:      exec.Status,
		ExitCode:    exec.ExitCode,
		Stdout:      exec.Stdout,
		Stderr:      exec.Stderr,
		Error:       exec.ErrorMessage,
	}
}

// prepared is everything needed to dispatch one execution.
type prepared struct {
	exec    *smDB.ScriptExecution
	def     *smDB.ScriptDefinition
	parsed  *scriptdoc.ParsedScript
	machine *smDB.Machine
}

// ExecutorService drives execution records through their lifecycle and owns
// remote dispatch for both on-demand and scheduled runs.
type ExecutorService struct {
	DB                *gorm.DB
	Definitions       *DefinitionService
	Remote            remote.Channel
	Events            events.Publisher
	Audit             *AuditLogger
	Metrics           *metrics.Metrics
	DefaultTimeout    time.Duration
	HeartbeatInterval time.Duration

	notifier *notifier
	now      func() time.Time
	wg       sync.WaitGroup
}

func NewExecutorService(gormDB *gorm.DB, definitions *DefinitionService, channel remote.Channel, publisher events.Publisher, audit *AuditLogger, m *metrics.Metrics) *ExecutorService {
	return &ExecutorService{
		DB:                gormDB,
		Definitions:       definitions,
		Remote:            channel,
		Events:            publisher,
		Audit:             audit,
		Metrics:           m,
		DefaultTimeout:    DefaultExecutionTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		notifier:          &notifier{DB: gormDB, Events: publisher},
		now:               time.Now,
	}
}

// ExecuteScript runs a script synchronously and returns its terminal outcome.
func (s *ExecutorService) ExecuteScript(ctx context.Context, opts ExecuteOptions) *ExecuteResult {
	p, err := s.prepare(ctx, opts)
	if err != nil {
		return executeFailure("", err)
	}
	return s.run(ctx, p)
}

// StartScript creates the execution record and dispatches it in the
// background. The returned result carries the PENDING record.
func (s *ExecutorService) StartScript(ctx context.Context, opts ExecuteOptions) *ExecuteResult {
	p, err := s.prepare(ctx, opts)
	if err != nil {
		return executeFailure("", err)
	}
	res := resultFor(p.exec)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(context.WithoutCancel(ctx), p)
	}()
	return res
}

// RunExecution dispatches an existing PENDING record.
func (s *ExecutorService) RunExecution(ctx context.Context, id string) *ExecuteResult {
	exec, err := loadExecution(ctx, s.DB, id)
	if err != nil {
		return executeFailure(id, err)
	}
	if exec.Status != models.StatusPending {
		return executeFailure(id, &StateConflictError{ExecutionID: id, Current: exec.Status, Action: "run"})
	}
	def, parsed, err := s.Definitions.LoadScript(ctx, exec.ScriptID)
	if err != nil {
		return executeFailure(id, err)
	}
	machine, err := loadMachine(ctx, s.DB, exec.MachineID)
	if err != nil {
		return executeFailure(id, err)
	}
	return s.run(ctx, &prepared{exec: exec, def: def, parsed: parsed, machine: machine})
}

// CancelScriptExecution cancels a PENDING or RUNNING execution. The machine
// is not contacted.
func (s *ExecutorService) CancelScriptExecution(ctx context.Context, id string, userID *string) (*smDB.ScriptExecution, error) {
	return cancelExecution(ctx, s.notifier, id, userID, s.now())
}

func (s *ExecutorService) GetExecution(ctx context.Context, id string) (*smDB.ScriptExecution, error) {
	return loadExecution(ctx, s.DB, id)
}

// Wait blocks until every background dispatch started by StartScript ends.
func (s *ExecutorService) Wait() {
	s.wg.Wait()
}

func (s *ExecutorService) prepare(ctx context.Context, opts ExecuteOptions) (*prepared, error) {
	def, parsed, err := s.Definitions.LoadScript(ctx, opts.ScriptID)
	if err != nil {
		return nil, err
	}
	machine, err := loadMachine(ctx, s.DB, opts.MachineID)
	if err != nil {
		return nil, err
	}
	if err := checkCompatibility(def, []smDB.Machine{*machine}); err != nil {
		return nil, err
	}
	if err := scriptdoc.ValidateInputValues(parsed.Inputs, opts.InputValues); err != nil {
		return nil, &ValidationError{Message: "invalid input values", Err: err}
	}

	runAs := opts.RunAs
	if runAs == "" && parsed.Document != nil && parsed.Document.Execution != nil {
		runAs = parsed.Document.Execution.RunAs
	}
	execType := opts.ExecutionType
	if execType == "" {
		execType = models.ExecutionOnDemand
	}
	now := s.now()
	exec := &smDB.ScriptExecution{
		ScriptID:      def.ID,
		MachineID:     machine.ID,
		ExecutionType: execType,
		Status:        models.StatusPending,
		TriggeredByID: opts.TriggeredByID,
		InputValues:   opts.InputValues,
		ScheduledFor:  &now,
		RunAs:         runAs,
	}
	if err := s.DB.WithContext(ctx).Create(exec).Error; err != nil {
		return nil, fmt.Errorf("failed to create execution record: %w", err)
	}

	scriptID := def.ID
	s.Audit.Record(ctx, &smDB.ScriptAuditLog{
		ScriptID: &scriptID,
		UserID:   opts.TriggeredByID,
		Action:   models.AuditExecuted,
		Details: map[string]interface{}{
			"executionId": exec.ID,
			"machineId":   machine.ID,
			"runAs":       runAs,
			"inputValues": interpolate.SanitizeForLogging(opts.InputValues, parsed.Inputs),
		},
		Metadata: opts.Metadata,
	})
	return &prepared{exec: exec, def: def, parsed: parsed, machine: machine}, nil
}

// run claims the record, dispatches it and records the terminal status.
func (s *ExecutorService) run(ctx context.Context, p *prepared) *ExecuteResult {
	exec := p.exec
	body, interpErr := interpolate.Interpolate(p.parsed.Body, interpolate.WithDefaults(p.parsed.Inputs, exec.InputValues))

	startedAt := s.now()
	claimed, err := smDB.TransitionExecution(ctx, s.DB, exec.ID, []models.ExecutionStatus{models.StatusPending}, map[string]interface{}{
		"status":     models.StatusRunning,
		"started_at": startedAt,
	})
	if err != nil {
		hlog.CtxErrorf(ctx, "Executor: failed to mark execution %s running: %v", exec.ID, err)
		return executeFailure(exec.ID, err)
	}
	if !claimed {
		current, loadErr := loadExecution(ctx, s.DB, exec.ID)
		if loadErr != nil {
			return executeFailure(exec.ID, loadErr)
		}
		return executeFailure(exec.ID, &StateConflictError{ExecutionID: exec.ID, Current: current.Status, Action: "run"})
	}
	exec.Status = models.StatusRunning
	exec.StartedAt = &startedAt

	users := s.notifier.targetUsers(ctx, exec.TriggeredByID, p.machine)
	s.notifier.send(ctx, users, events.ActionStarted, executionPayload(exec, p.def.Name))
	hlog.CtxInfof(ctx, "Executor: execution %s of script %d started on machine %s", exec.ID, p.def.ID, p.machine.ID)

	if interpErr != nil {
		return s.finish(ctx, p, users, outcome{status: models.StatusFailed, message: interpErr.Error()}, startedAt)
	}

	timeout := s.timeoutFor(p.parsed)
	resp, callErr := s.dispatchWithHeartbeat(ctx, p, users, body, timeout, startedAt)
	return s.finish(ctx, p, users, resolveOutcome(resp, callErr, timeout), startedAt)
}

func (s *ExecutorService) timeoutFor(parsed *scriptdoc.ParsedScript) time.Duration {
	if parsed.Document != nil {
		if secs := parsed.Document.TimeoutSeconds(); secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if s.DefaultTimeout > 0 {
		return s.DefaultTimeout
	}
	return DefaultExecutionTimeout
}

func (s *ExecutorService) dispatchWithHeartbeat(ctx context.Context, p *prepared, users []string, body string, timeout time.Duration, startedAt time.Time) (*remote.CommandResponse, error) {
	stop := s.startHeartbeat(ctx, p, users, startedAt)
	defer stop()
	return s.dispatch(ctx, p, body, timeout)
}

// dispatch picks the command path: PowerShell on Windows goes through the
// structured command with an elevation flag, everything else is sent raw.
func (s *ExecutorService) dispatch(ctx context.Context, p *prepared, body string, timeout time.Duration) (*remote.CommandResponse, error) {
	if s.Remote == nil {
		return nil, errors.New("no remote channel configured")
	}
	shell := strings.ToLower(p.def.Shell)
	if p.parsed.Document != nil {
		shell = p.parsed.Document.ShellKind()
	}
	tag, _ := NormalizeMachineOS(p.machine.OS)
	runAs := p.exec.RunAs
	if tag == models.OSWindows && shell == scriptdoc.ShellPowerShell {
		elevated := strings.EqualFold(runAs, models.RunAsAdministrator) || strings.EqualFold(runAs, models.RunAsSystem)
		return s.Remote.SendSafeCommand(ctx, p.machine.ID, remote.SafeCommand{
			CommandType: remote.CommandTypeExecutePowerShell,
			Script:      body,
			Elevated:    elevated,
			RunAs:       runAs,
		}, timeout)
	}
	return s.Remote.SendUnsafeCommand(ctx, p.machine.ID, body, remote.UnsafeOptions{Shell: shell, RunAs: runAs}, timeout)
}

// startHeartbeat emits a progress event every HeartbeatInterval. The returned
// stop function waits for the ticker goroutine to exit.
func (s *ExecutorService) startHeartbeat(ctx context.Context, p *prepared, users []string, startedAt time.Time) func() {
	interval := s.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				payload := executionPayload(p.exec, p.def.Name)
				payload.ElapsedMs = s.now().Sub(startedAt).Milliseconds()
				s.notifier.send(ctx, users, events.ActionProgress, payload)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

type outcome struct {
	status   models.ExecutionStatus
	exitCode *int
	stdout   string
	stderr   string
	message  string
}

func resolveOutcome(resp *remote.CommandResponse, err error, timeout time.Duration) outcome {
	switch {
	case errors.Is(err, remote.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return outcome{status: models.StatusTimeout, message: models.TimeoutMessage(int(timeout.Seconds()))}
	case err != nil:
		return outcome{status: models.StatusFailed, message: err.Error()}
	case resp == nil:
		return outcome{status: models.StatusFailed, message: "remote channel returned no response"}
	}
	exitCode := resp.ExitCode
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "remote command reported failure"
		}
		return outcome{status: models.StatusFailed, exitCode: &exitCode, stdout: resp.Stdout, stderr: resp.Stderr, message: msg}
	}
	return outcome{status: models.StatusSuccess, exitCode: &exitCode, stdout: resp.Stdout, stderr: resp.Stderr}
}

// finish writes the terminal status unless the execution left RUNNING in the
// meantime, in which case the remote result is discarded. The write survives
// cancellation of ctx so a record never stays RUNNING after its caller left.
func (s *ExecutorService) finish(ctx context.Context, p *prepared, users []string, out outcome, startedAt time.Time) *ExecuteResult {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	exec := p.exec
	completedAt := s.now()
	ok, err := smDB.TransitionExecution(ctx, s.DB, exec.ID, []models.ExecutionStatus{models.StatusRunning}, map[string]interface{}{
		"status":        out.status,
		"completed_at":  completedAt,
		"exit_code":     out.exitCode,
		"stdout":        out.stdout,
		"stderr":        out.stderr,
		"error_message": out.message,
	})
	if err != nil {
		hlog.CtxErrorf(ctx, "Executor: failed to record %s for execution %s: %v", out.status, exec.ID, err)
		return executeFailure(exec.ID, err)
	}
	if !ok {
		current, loadErr := loadExecution(ctx, s.DB, exec.ID)
		if loadErr != nil {
			return executeFailure(exec.ID, loadErr)
		}
		hlog.CtxWarnf(ctx, "Executor: execution %s is %s; discarding remote result %s", exec.ID, current.Status, out.status)
		return resultFor(current)
	}

	exec.Status = out.status
	exec.CompletedAt = &completedAt
	exec.ExitCode = out.exitCode
	exec.Stdout = out.stdout
	exec.Stderr = out.stderr
	exec.ErrorMessage = out.message
	s.Metrics.RecordExecutionCompleted(string(out.status), completedAt.Sub(startedAt))

	s.notifier.send(ctx, users, events.ActionCompleted, executionPayload(exec, p.def.Name))
	hlog.CtxInfof(ctx, "Executor: execution %s finished with %s", exec.ID, out.status)
	return resultFor(exec)
}
