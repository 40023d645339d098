package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"vm-script-service/internal/models"
	"vm-script-service/internal/script-manager/cache"
	smDB "vm-script-service/internal/script-manager/db"
	"vm-script-service/internal/script-manager/remote"
)

const diskReportYAML = `name: Disk report
description: Prints disk usage
category: maintenance
tags: [disk]
os: [linux, ubuntu]
shell: bash
inputs:
  - name: path
    type: path
    label: Path
    default: /
  - name: token
    type: password
    label: Token
script: |
  df -h ${{ inputs.path }}
`

const cleanupPS1YAML = `name: Temp cleanup
os: [windows]
shell: powershell
execution:
  run_as: administrator
  timeout: 30
script: Remove-Item $env:TEMP\* -Recurse
`

// MockChannel is a testify mock of the remote execution channel.
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) SendSafeCommand(ctx context.Context, machineID string, cmd remote.SafeCommand, timeout time.Duration) (*remote.CommandResponse, error) {
	args := m.Called(ctx, machineID, cmd, timeout)
	resp, _ := args.Get(0).(*remote.CommandResponse)
	return resp, args.Error(1)
}

func (m *MockChannel) SendUnsafeCommand(ctx context.Context, machineID string, body string, opts remote.UnsafeOptions, timeout time.Duration) (*remote.CommandResponse, error) {
	args := m.Called(ctx, machineID, body, opts, timeout)
	resp, _ := args.Get(0).(*remote.CommandResponse)
	return resp, args.Error(1)
}

func (m *MockChannel) PushPendingScriptsToVM(ctx context.Context, machineID string) (*remote.PushResponse, error) {
	args := m.Called(ctx, machineID)
	resp, _ := args.Get(0).(*remote.PushResponse)
	return resp, args.Error(1)
}

type sentEvent struct {
	User    string
	Channel string
	Action  string
	Payload interface{}
}

// recordingPublisher keeps every event in memory.
type recordingPublisher struct {
	mu     sync.Mutex
	events []sentEvent
}

func (p *recordingPublisher) DispatchEvent(_ context.Context, channel, action string, payload interface{}, _ *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, sentEvent{Channel: channel, Action: action, Payload: payload})
}

func (p *recordingPublisher) SendToUser(_ context.Context, userID, channel, action string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, sentEvent{User: userID, Channel: channel, Action: action, Payload: payload})
}

func (p *recordingPublisher) actions(user string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.User == user {
			out = append(out, e.Action)
		}
	}
	return out
}

func (p *recordingPublisher) count(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

type fixture struct {
	DB        *gorm.DB
	Cache     *cache.ContentCache
	Audit     *AuditLogger
	Defs      *DefinitionService
	Remote    *MockChannel
	Events    *recordingPublisher
	Scheduler *SchedulerService
	Executor  *ExecutorService
	Now       time.Time
}

func setupTestDB(t *testing.T) *gorm.DB {
	testDBFile := filepath.Join(t.TempDir(), "services_test.db")
	gormDB, err := gorm.Open(sqlite.Open(testDBFile+"?_busy_timeout=5000"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	// The audit writer and background dispatches share the file.
	if sqlDB, err := gormDB.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := gormDB.AutoMigrate(smDB.AllModels()...); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gormDB
}

func newFixture(t *testing.T) *fixture {
	gormDB := setupTestDB(t)
	root := t.TempDir()
	contentCache := cache.New(cache.Options{Enabled: true, TTL: time.Hour})
	audit := NewAuditLogger(gormDB, nil, 0)
	t.Cleanup(audit.Close)

	defs := NewDefinitionService(gormDB, contentCache, audit, filepath.Join(root, "library"), filepath.Join(root, "templates"))
	channel := new(MockChannel)
	publisher := &recordingPublisher{}
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	scheduler := NewSchedulerService(gormDB, defs, channel, publisher, audit, nil)
	scheduler.now = func() time.Time { return now }
	executor := NewExecutorService(gormDB, defs, channel, publisher, audit, nil)
	executor.now = func() time.Time { return now }
	executor.HeartbeatInterval = time.Hour

	return &fixture{
		DB: gormDB, Cache: contentCache, Audit: audit, Defs: defs,
		Remote: channel, Events: publisher, Scheduler: scheduler, Executor: executor, Now: now,
	}
}

func (f *fixture) createScript(t *testing.T, content string) *smDB.ScriptDefinition {
	t.Helper()
	doc, err := f.Defs.parse([]byte(content), "yaml")
	require.NoError(t, err)
	def, err := f.Defs.CreateScript(context.Background(), CreateScriptRequest{
		Name:    doc.Name,
		Content: content,
		Format:  "yaml",
		UserID:  "author",
	})
	require.NoError(t, err)
	return def
}

func (f *fixture) addMachine(t *testing.T, id, osName, status string, owner *string) *smDB.Machine {
	t.Helper()
	m := &smDB.Machine{ID: id, Name: "vm-" + id, OS: osName, Status: status, UserID: owner}
	require.NoError(t, f.DB.Create(m).Error)
	return m
}

func (f *fixture) addUser(t *testing.T, id, role string) {
	t.Helper()
	require.NoError(t, f.DB.Create(&smDB.User{ID: id, Username: id, Role: role}).Error)
}

func (f *fixture) execution(t *testing.T, id string) *smDB.ScriptExecution {
	t.Helper()
	var e smDB.ScriptExecution
	require.NoError(t, f.DB.First(&e, "id = ?", id).Error)
	return &e
}

func (f *fixture) auditEntries(t *testing.T, action models.AuditAction) []smDB.ScriptAuditLog {
	t.Helper()
	require.NoError(t, f.Audit.Flush(context.Background()))
	var entries []smDB.ScriptAuditLog
	require.NoError(t, f.DB.Where("action = ?", action).Order("id").Find(&entries).Error)
	return entries
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
