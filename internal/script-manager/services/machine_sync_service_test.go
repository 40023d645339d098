package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vm-script-service/internal/models"
	smDB "vm-script-service/internal/script-manager/db"
	"vm-script-service/internal/script-manager/events"
	"vm-script-service/internal/script-manager/remote"
)

// MockKafkaReader feeds queued messages and then reports EOF.
type MockKafkaReader struct {
	mock.Mock
}

func (m *MockKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	args := m.Called(ctx)
	return args.Get(0).(kafka.Message), args.Error(1)
}

func (m *MockKafkaReader) Close() error {
	return m.Called().Error(0)
}

func statusMessage(t *testing.T, p events.VMStatusPayload) kafka.Message {
	t.Helper()
	value, err := json.Marshal(p)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(p.MachineID), Value: value}
}

func TestMachineSync_ConsumesUntilEOF(t *testing.T) {
	f := newFixture(t)
	reader := new(MockKafkaReader)
	owner := "u1"
	reader.On("ReadMessage", mock.Anything).Return(statusMessage(t, events.VMStatusPayload{
		MachineID: "m1", Name: "web-1", OS: "Ubuntu 22.04", Status: models.MachineStatusStopped, UserID: &owner,
	}), nil).Once()
	reader.On("ReadMessage", mock.Anything).Return(kafka.Message{Value: []byte("not json")}, nil).Once()
	reader.On("ReadMessage", mock.Anything).Return(kafka.Message{}, errors.New("broker hiccup")).Once()
	reader.On("ReadMessage", mock.Anything).Return(statusMessage(t, events.VMStatusPayload{
		MachineID: "m2", Name: "db-1", OS: "Debian", Status: models.MachineStatusStopped,
	}), nil).Once()
	reader.On("ReadMessage", mock.Anything).Return(kafka.Message{}, io.EOF).Once()

	svc := NewMachineSyncService(f.DB, reader, f.Remote, nil)
	svc.StartConsuming(context.Background())
	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop on EOF")
	}
	reader.AssertExpectations(t)

	var machines []smDB.Machine
	require.NoError(t, f.DB.Order("id").Find(&machines).Error)
	require.Len(t, machines, 2)
	assert.Equal(t, "web-1", machines[0].Name)
	require.NotNil(t, machines[0].UserID)
	assert.Equal(t, "u1", *machines[0].UserID)
	assert.Equal(t, "db-1", machines[1].Name)
}

func TestMachineSync_ApplyPushesPendingWhenMachineComesOnline(t *testing.T) {
	f := newFixture(t)
	svc := NewMachineSyncService(f.DB, nil, f.Remote, nil)
	ctx := context.Background()

	require.NoError(t, svc.Apply(ctx, events.VMStatusPayload{MachineID: "m1", Name: "web-1", OS: "ubuntu", Status: models.MachineStatusStopped}))
	require.NoError(t, f.DB.Create(&smDB.ScriptExecution{
		ScriptID: 1, MachineID: "m1", ExecutionType: models.ExecutionScheduled, Status: models.StatusPending,
	}).Error)

	f.Remote.On("PushPendingScriptsToVM", mock.Anything, "m1").Return(&remote.PushResponse{Success: true, ScriptCount: 1}, nil).Once()
	require.NoError(t, svc.Apply(ctx, events.VMStatusPayload{MachineID: "m1", Name: "web-1", OS: "ubuntu", Status: models.MachineStatusRunning}))
	// Already running: no second push.
	require.NoError(t, svc.Apply(ctx, events.VMStatusPayload{MachineID: "m1", Name: "web-1b", OS: "ubuntu", Status: models.MachineStatusRunning}))
	f.Remote.AssertExpectations(t)

	var m smDB.Machine
	require.NoError(t, f.DB.First(&m, "id = ?", "m1").Error)
	assert.Equal(t, "web-1b", m.Name)
	assert.True(t, m.Reachable())

	require.NoError(t, svc.Apply(ctx, events.VMStatusPayload{MachineID: "m1", Deleted: true}))
	var count int64
	require.NoError(t, f.DB.Model(&smDB.Machine{}).Count(&count).Error)
	assert.Zero(t, count)

	assert.Error(t, svc.Apply(ctx, events.VMStatusPayload{Name: "anonymous"}))
}

func TestMachineSync_NoPushWithoutPendingWork(t *testing.T) {
	f := newFixture(t)
	svc := NewMachineSyncService(f.DB, nil, f.Remote, nil)
	require.NoError(t, svc.Apply(context.Background(), events.VMStatusPayload{MachineID: "m1", OS: "ubuntu", Status: models.MachineStatusRunning}))
	f.Remote.AssertNotCalled(t, "PushPendingScriptsToVM", mock.Anything, mock.Anything)
}

func TestMachineSync_DecodesWireFormat(t *testing.T) {
	f := newFixture(t)
	reader := new(MockKafkaReader)
	reader.On("ReadMessage", mock.Anything).Return(kafka.Message{Value: []byte(
		`{"machineId":"m7","name":"win-7","os":"Windows Server 2022","status":"stopped","userId":"u3","departmentId":"d1"}`,
	)}, nil).Once()
	reader.On("ReadMessage", mock.Anything).Return(kafka.Message{}, io.EOF).Once()

	svc := NewMachineSyncService(f.DB, reader, f.Remote, nil)
	svc.StartConsuming(context.Background())
	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop on EOF")
	}

	var m smDB.Machine
	require.NoError(t, f.DB.First(&m, "id = ?", "m7").Error)
	assert.Equal(t, "win-7", m.Name)
	assert.Equal(t, "Windows Server 2022", m.OS)
	require.NotNil(t, m.UserID)
	assert.Equal(t, "u3", *m.UserID)
	require.NotNil(t, m.DepartmentID)
	assert.Equal(t, "d1", *m.DepartmentID)
}
