package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vm-script-service/internal/models"
	smDB "vm-script-service/internal/script-manager/db"
	"vm-script-service/internal/script-manager/events"
	smKafka "vm-script-service/internal/script-manager/kafka"
	"vm-script-service/internal/script-manager/metrics"
	"vm-script-service/internal/script-manager/remote"
)

// MachineSyncService keeps the local machine view current from the VM
// subsystem's status stream. A machine coming online with PENDING work is
// nudged to fetch it.
type MachineSyncService struct {
	DB      *gorm.DB
	Reader  smKafka.ReaderInterface
	Remote  remote.Channel
	Metrics *metrics.Metrics
	done    chan struct{}
}

func NewMachineSyncService(gormDB *gorm.DB, reader smKafka.ReaderInterface, channel remote.Channel, m *metrics.Metrics) *MachineSyncService {
	return &MachineSyncService{DB: gormDB, Reader: reader, Remote: channel, Metrics: m, done: make(chan struct{})}
}

func (s *MachineSyncService) StartConsuming(ctx context.Context) {
	hlog.Info("MachineSyncService starting to consume VM status events...")
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				hlog.Info("MachineSyncService: context cancelled, stopping consumer.")
				return
			default:
			}
			readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			msg, err := s.Reader.ReadMessage(readCtx)
			cancel()

			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				hlog.Info("MachineSyncService: read context cancelled.")
				return
			case errors.Is(err, io.EOF):
				hlog.Info("MachineSyncService: Kafka reader closed (EOF), stopping consumption.")
				return
			default:
				hlog.Errorf("MachineSyncService: error reading message: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			var payload events.VMStatusPayload
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				hlog.Errorf("MachineSyncService: error unmarshalling VM status payload: %v. Value: %s", err, string(msg.Value))
				continue
			}
			if err := s.Apply(ctx, payload); err != nil {
				hlog.Errorf("MachineSyncService: failed to apply status of machine %s: %v", payload.MachineID, err)
			}
		}
	}()
}

// Apply upserts one status update. It is exported for tests and replays.
func (s *MachineSyncService) Apply(ctx context.Context, payload events.VMStatusPayload) error {
	if payload.MachineID == "" {
		return errors.New("status event without machine id")
	}
	if payload.Deleted {
		return s.DB.WithContext(ctx).Delete(&smDB.Machine{}, "id = ?", payload.MachineID).Error
	}

	var previous smDB.Machine
	wasReachable := false
	if err := s.DB.WithContext(ctx).First(&previous, "id = ?", payload.MachineID).Error; err == nil {
		wasReachable = previous.Reachable()
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	machine := smDB.Machine{
		ID:           payload.MachineID,
		Name:         payload.Name,
		OS:           payload.OS,
		Status:       payload.Status,
		UserID:       payload.UserID,
		DepartmentID: payload.DepartmentID,
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "os", "status", "user_id", "department_id", "updated_at"}),
	}).Create(&machine).Error
	if err != nil {
		return err
	}

	if !wasReachable && machine.Reachable() {
		s.pushIfPending(ctx, machine.ID)
	}
	return nil
}

func (s *MachineSyncService) pushIfPending(ctx context.Context, machineID string) {
	if s.Remote == nil {
		return
	}
	var pending int64
	err := s.DB.WithContext(ctx).Model(&smDB.ScriptExecution{}).
		Where("machine_id = ? AND status = ?", machineID, models.StatusPending).
		Count(&pending).Error
	if err != nil || pending == 0 {
		return
	}
	resp, err := s.Remote.PushPendingScriptsToVM(ctx, machineID)
	ok := err == nil && resp != nil && resp.Success
	s.Metrics.RecordPush(ok)
	if !ok {
		hlog.CtxWarnf(ctx, "MachineSyncService: push to machine %s after coming online failed: %v", machineID, err)
		return
	}
	hlog.CtxInfof(ctx, "MachineSyncService: machine %s online, %d pending scripts pushed", machineID, resp.ScriptCount)
}

// Close stops the reader; wait on Done for the loop to exit.
func (s *MachineSyncService) Close() {
	if s.Reader == nil {
		return
	}
	hlog.Info("MachineSyncService: Closing Kafka reader.")
	if err := s.Reader.Close(); err != nil {
		hlog.Errorf("MachineSyncService: error closing Kafka reader: %v", err)
	}
}

// Done is closed when the consumer loop has exited.
func (s *MachineSyncService) Done() <-chan struct{} { return s.done }
