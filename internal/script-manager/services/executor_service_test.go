package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vm-script-service/internal/models"
	"vm-script-service/internal/script-manager/events"
	"vm-script-service/internal/script-manager/remote"
	"vm-script-service/pkg/interpolate"
)

func bodyContains(s string) interface{} {
	return mock.MatchedBy(func(body string) bool { return strings.Contains(body, s) })
}

func TestExecuteScript_LinuxSuccess(t *testing.T) {
	f := newFixture(t)
	def := f.createScript(t, diskReportYAML)
	f.addMachine(t, "m1", "Ubuntu 24.04", models.MachineStatusRunning, strPtr("owner"))
	f.addUser(t, "admin", models.RoleAdmin)

	f.Remote.On("SendUnsafeCommand", mock.Anything, "m1", bodyContains("df -h /var"),
		remote.UnsafeOptions{Shell: "bash"}, DefaultExecutionTimeout).
		Return(&remote.CommandResponse{Success: true, ExitCode: 0, Stdout: "Filesystem ..."}, nil).Once()

	res := f.Executor.ExecuteScript(context.Background(), ExecuteOptions{
		ScriptID:      def.ID,
		MachineID:     "m1",
		InputValues:   map[string]interface{}{"path": "/var", "token": "hunter2"},
		TriggeredByID: strPtr("u1"),
	})

	require.True(t, res.Success, res.Error)
	f.Remote.AssertExpectations(t)
	assert.Equal(t, models.StatusSuccess, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, "Filesystem ...", res.Stdout)

	stored := f.execution(t, res.ExecutionID)
	assert.Equal(t, models.StatusSuccess, stored.Status)
	assert.Equal(t, models.ExecutionOnDemand, stored.ExecutionType)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)

	for _, user := range []string{"u1", "owner", "admin"} {
		assert.Equal(t, []string{events.ActionStarted, events.ActionCompleted}, f.Events.actions(user), user)
	}

	executed := f.auditEntries(t, models.AuditExecuted)
	require.Len(t, executed, 1)
	masked := executed[0].Details["inputValues"].(map[string]interface{})
	assert.Equal(t, interpolate.PasswordMask, masked["token"])
}

func TestExecuteScript_WindowsPowerShellUsesSafeCommand(t *testing.T) {
	tests := []struct {
		name         string
		runAs        string
		wantElevated bool
		wantRunAs    string
	}{
		{"document run_as administrator", "", true, "administrator"},
		{"explicit system", "SYSTEM", true, "SYSTEM"},
		{"explicit plain user", "svc-user", false, "svc-user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			def := f.createScript(t, cleanupPS1YAML)
			f.addMachine(t, "w1", "Microsoft Windows Server 2022", models.MachineStatusRunning, nil)

			f.Remote.On("SendSafeCommand", mock.Anything, "w1", mock.MatchedBy(func(cmd remote.SafeCommand) bool {
				return cmd.CommandType == remote.CommandTypeExecutePowerShell &&
					cmd.Elevated == tt.wantElevated &&
					cmd.RunAs == tt.wantRunAs &&
					strings.Contains(cmd.Script, "Remove-Item")
			}), 30*time.Second).Return(&remote.CommandResponse{Success: true}, nil).Once()

			res := f.Executor.ExecuteScript(context.Background(), ExecuteOptions{ScriptID: def.ID, MachineID: "w1", RunAs: tt.runAs})
			require.True(t, res.Success, res.Error)
			f.Remote.AssertExpectations(t)
			f.Remote.AssertNotCalled(t, "SendUnsafeCommand", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestExecuteScript_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		resp       *remote.CommandResponse
		err        error
		wantStatus models.ExecutionStatus
		wantError  string
		wantExit   *int
	}{
		{
			name:       "timeout",
			err:        remote.ErrTimeout,
			wantStatus: models.StatusTimeout,
			wantError:  models.TimeoutMessage(600),
		},
		{
			name:       "deadline exceeded",
			err:        context.DeadlineExceeded,
			wantStatus: models.StatusTimeout,
			wantError:  models.TimeoutMessage(600),
		},
		{
			name:       "reported failure",
			resp:       &remote.CommandResponse{Success: false, ExitCode: 2, Stderr: "df: no such file", Error: "exit status 2"},
			wantStatus: models.StatusFailed,
			wantError:  "exit status 2",
			wantExit:   intPtr(2),
		},
		{
			name:       "transport error",
			err:        errors.New("connection reset"),
			wantStatus: models.StatusFailed,
			wantError:  "connection reset",
		},
		{
			name:       "empty response",
			wantStatus: models.StatusFailed,
			wantError:  "no response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			def := f.createScript(t, diskReportYAML)
			f.addMachine(t, "m1", "ubuntu", models.MachineStatusRunning, nil)
			f.Remote.On("SendUnsafeCommand", mock.Anything, "m1", mock.Anything, mock.Anything, mock.Anything).Return(tt.resp, tt.err).Once()

			res := f.Executor.ExecuteScript(context.Background(), ExecuteOptions{ScriptID: def.ID, MachineID: "m1", TriggeredByID: strPtr("u1")})
			assert.False(t, res.Success)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Contains(t, res.Error, tt.wantError)

			stored := f.execution(t, res.ExecutionID)
			assert.Equal(t, tt.wantStatus, stored.Status)
			assert.Contains(t, stored.ErrorMessage, tt.wantError)
			assert.Equal(t, tt.wantExit, stored.ExitCode)
			assert.NotNil(t, stored.CompletedAt)
			assert.Equal(t, []string{events.ActionStarted, events.ActionCompleted}, f.Events.actions("u1"))
		})
	}
}

func TestExecuteScript_PreconditionFailuresCreateNoRecord(t *testing.T) {
	f := newFixture(t)
	linuxScript := f.createScript(t, diskReportYAML)
	levelScript := f.createScript(t, requiredLevelYAML)
	f.addMachine(t, "w1", "Windows 11", models.MachineStatusRunning, nil)
	f.addMachine(t, "m1", "ubuntu", models.MachineStatusRunning, nil)

	cases := []struct {
		opts ExecuteOptions
		want ErrorCode
	}{
		{ExecuteOptions{ScriptID: linuxScript.ID, MachineID: "w1"}, CodeOSIncompatible},
		{ExecuteOptions{ScriptID: linuxScript.ID, MachineID: "ghost"}, CodeMachineNotFound},
		{ExecuteOptions{ScriptID: 999, MachineID: "m1"}, CodeScriptNotFound},
		{ExecuteOptions{ScriptID: levelScript.ID, MachineID: "m1"}, CodeInvalidInput},
		{ExecuteOptions{ScriptID: levelScript.ID, MachineID: "m1", InputValues: map[string]interface{}{"level": "verbose"}}, CodeInvalidInput},
	}
	for _, c := range cases {
		res := f.Executor.ExecuteScript(context.Background(), c.opts)
		assert.False(t, res.Success)
		assert.Equal(t, c.want, res.ErrorCode, res.Error)
		assert.Empty(t, res.ExecutionID)
	}
	var count int64
	require.NoError(t, f.DB.Table("script_executions").Count(&count).Error)
	assert.Zero(t, count)
	f.Remote.AssertNotCalled(t, "SendUnsafeCommand", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestExecuteScript_CancelDuringRunWins(t *testing.T) {
	f := newFixture(t)
	def := f.createScript(t, diskReportYAML)
	f.addMachine(t, "m1", "ubuntu", models.MachineStatusRunning, nil)

	f.Remote.On("SendUnsafeCommand", mock.Anything, "m1", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			var id string
			require.NoError(t, f.DB.Table("script_executions").Select("id").Where("status = ?", models.StatusRunning).Row().Scan(&id))
			_, err := f.Executor.CancelScriptExecution(context.Background(), id, strPtr("u2"))
			require.NoError(t, err)
		}).
		Return(&remote.CommandResponse{Success: true, ExitCode: 0, Stdout: "late"}, nil).Once()

	res := f.Executor.ExecuteScript(context.Background(), ExecuteOptions{ScriptID: def.ID, MachineID: "m1", TriggeredByID: strPtr("u1")})
	assert.False(t, res.Success)
	assert.Equal(t, models.StatusCancelled, res.Status)

	stored := f.execution(t, res.ExecutionID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Equal(t, models.CancellationMessage, stored.ErrorMessage)
	assert.Empty(t, stored.Stdout)
	assert.Equal(t, []string{events.ActionStarted, events.ActionCancelled}, f.Events.actions("u1"))
}

func TestExecuteScript_CancelledCallerStillRecordsTerminalStatus(t *testing.T) {
	f := newFixture(t)
	def := f.createScript(t, diskReportYAML)
	f.addMachine(t, "m1", "Ubuntu 24.04", models.MachineStatusRunning, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Remote.On("SendUnsafeCommand", mock.Anything, "m1", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	res := f.Executor.ExecuteScript(ctx, ExecuteOptions{
		ScriptID:      def.ID,
		MachineID:     "m1",
		InputValues:   map[string]interface{}{"path": "/var", "token": "x"},
		TriggeredByID: strPtr("u1"),
	})
	require.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, models.StatusFailed, res.Status)

	stored := f.execution(t, res.ExecutionID)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.Contains(t, stored.ErrorMessage, context.Canceled.Error())
	assert.Equal(t, []string{events.ActionStarted, events.ActionCompleted}, f.Events.actions("u1"))
}

type blockingProducer struct {
	release chan struct{}
	mu      sync.Mutex
	written int
}

func (p *blockingProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	<-p.release
	p.mu.Lock()
	p.written += len(msgs)
	p.mu.Unlock()
	return nil
}

func (p *blockingProducer) Close() error { return nil }

func TestExecuteScript_SlowEventSinkDoesNotDelayResult(t *testing.T) {
	f := newFixture(t)
	def := f.createScript(t, diskReportYAML)
	f.addMachine(t, "m1", "Ubuntu 24.04", models.MachineStatusRunning, strPtr("owner"))
	f.addUser(t, "admin", models.RoleAdmin)
	f.Remote.On("SendUnsafeCommand", mock.Anything, "m1", mock.Anything, mock.Anything, mock.Anything).
		Return(&remote.CommandResponse{Success: true}, nil).Once()

	producer := &blockingProducer{release: make(chan struct{})}
	pub := events.NewKafkaPublisher(producer, nil)
	executor := NewExecutorService(f.DB, f.Defs, f.Remote, pub, f.Audit, nil)
	executor.now = func() time.Time { return f.Now }
	executor.HeartbeatInterval = time.Hour

	start := time.Now()
	res := executor.ExecuteScript(context.Background(), ExecuteOptions{
		ScriptID:      def.ID,
		MachineID:     "m1",
		InputValues:   map[string]interface{}{"path": "/var", "token": "x"},
		TriggeredByID: strPtr("u1"),
	})
	elapsed := time.Since(start)
	require.True(t, res.Success, res.Error)
	assert.Less(t, elapsed, time.Second, "result must not wait on the event sink")

	close(producer.release)
	pub.Close()
	// started and completed for the trigger user, the owner and the admin
	assert.Equal(t, 6, producer.written)
}

func TestExecuteScript_HeartbeatStopsWithDispatch(t *testing.T) {
	f := newFixture(t)
	f.Executor.HeartbeatInterval = 10 * time.Millisecond
	def := f.createScript(t, diskReportYAML)
	f.addMachine(t, "m1", "ubuntu", models.MachineStatusRunning, nil)

	f.Remote.On("SendUnsafeCommand", mock.Anything, "m1", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(80 * time.Millisecond) }).
		Return(&remote.CommandResponse{Success: true}, nil).Once()

	res := f.Executor.ExecuteScript(context.Background(), ExecuteOptions{ScriptID: def.ID, MachineID: "m1", TriggeredByID: strPtr("u1")})
	require.True(t, res.Success)

	progress := f.Events.count(events.ActionProgress)
	assert.GreaterOrEqual(t, progress, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, progress, f.Events.count(events.ActionProgress), "no heartbeat after completion")

	actions := f.Events.actions("u1")
	assert.Equal(t, events.ActionStarted, actions[0])
	assert.Equal(t, events.ActionCompleted, actions[len(actions)-1])
}

func TestStartScript_ReturnsPendingAndFinishesInBackground(t *testing.T) {
	f := newFixture(t)
	def := f.createScript(t, diskReportYAML)
	f.addMachine(t, "m1", "ubuntu", models.MachineStatusRunning, nil)
	f.Remote.On("SendUnsafeCommand", mock.Anything, "m1", mock.Anything, mock.Anything, mock.Anything).
		Return(&remote.CommandResponse{Success: true, Stdout: "ok"}, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	res := f.Executor.StartScript(ctx, ExecuteOptions{ScriptID: def.ID, MachineID: "m1"})
	cancel()
	assert.Equal(t, models.StatusPending, res.Status)
	require.NotEmpty(t, res.ExecutionID)

	f.Executor.Wait()
	assert.Equal(t, models.StatusSuccess, f.execution(t, res.ExecutionID).Status)
}

func TestRunExecution_OnlyPending(t *testing.T) {
	f := newFixture(t)
	def := f.createScript(t, diskReportYAML)
	f.addMachine(t, "m1", "ubuntu", models.MachineStatusRunning, nil)
	f.Remote.On("SendUnsafeCommand", mock.Anything, "m1", mock.Anything, mock.Anything, mock.Anything).
		Return(&remote.CommandResponse{Success: true}, nil).Once()

	res := f.Executor.ExecuteScript(context.Background(), ExecuteOptions{ScriptID: def.ID, MachineID: "m1"})
	require.True(t, res.Success)

	again := f.Executor.RunExecution(context.Background(), res.ExecutionID)
	assert.False(t, again.Success)
	assert.Equal(t, CodeInvalidState, again.ErrorCode)

	missing := f.Executor.RunExecution(context.Background(), "nope")
	assert.Equal(t, CodeExecutionNotFound, missing.ErrorCode)
}

func TestResolveOutcome(t *testing.T) {
	out := resolveOutcome(&remote.CommandResponse{Success: false, ExitCode: 1}, nil, time.Minute)
	assert.Equal(t, models.StatusFailed, out.status)
	assert.Equal(t, "remote command reported failure", out.message)

	out = resolveOutcome(nil, remote.ErrTimeout, 90*time.Second)
	assert.Equal(t, models.StatusTimeout, out.status)
	assert.Equal(t, models.TimeoutMessage(90), out.message)
	assert.Nil(t, out.exitCode)

	out = resolveOutcome(&remote.CommandResponse{Success: true, ExitCode: 0, Stdout: "x"}, nil, time.Minute)
	assert.Equal(t, models.StatusSuccess, out.status)
	assert.Empty(t, out.message)
}
