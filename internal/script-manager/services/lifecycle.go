package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"

	"vm-script-service/internal/models"
	smDB "vm-script-service/internal/script-manager/db"
	"vm-script-service/internal/script-manager/events"
)

func loadExecution(ctx context.Context, gormDB *gorm.DB, id string) (*smDB.ScriptExecution, error) {
	var exec smDB.ScriptExecution
	if err := gormDB.WithContext(ctx).First(&exec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "execution", ID: id}
		}
		return nil, fmt.Errorf("failed to load execution %s: %w", id, err)
	}
	return &exec, nil
}

func loadMachine(ctx context.Context, gormDB *gorm.DB, id string) (*smDB.Machine, error) {
	var machine smDB.Machine
	if err := gormDB.WithContext(ctx).First(&machine, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "machine", ID: id}
		}
		return nil, fmt.Errorf("failed to load machine %s: %w", id, err)
	}
	return &machine, nil
}

// cancelExecution moves a PENDING or RUNNING execution to CANCELLED. It is
// bookkeeping only; nothing is sent to the machine.
func cancelExecution(ctx context.Context, n *notifier, id string, userID *string, now time.Time) (*smDB.ScriptExecution, error) {
	exec, err := loadExecution(ctx, n.DB, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(exec.Status, models.StatusCancelled) {
		return nil, &StateConflictError{ExecutionID: id, Current: exec.Status, Action: "cancel"}
	}

	ok, err := smDB.TransitionExecution(ctx, n.DB, id, models.SourcesFor(models.StatusCancelled), map[string]interface{}{
		"status":        models.StatusCancelled,
		"completed_at":  now,
		"error_message": models.CancellationMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel execution %s: %w", id, err)
	}
	if !ok {
		current, loadErr := loadExecution(ctx, n.DB, id)
		if loadErr != nil {
			return nil, loadErr
		}
		return nil, &StateConflictError{ExecutionID: id, Current: current.Status, Action: "cancel"}
	}

	exec.Status = models.StatusCancelled
	exec.CompletedAt = &now
	exec.ErrorMessage = models.CancellationMessage
	hlog.CtxInfof(ctx, "Execution %s cancelled", id)

	machine, err := loadMachine(ctx, n.DB, exec.MachineID)
	if err != nil {
		hlog.CtxWarnf(ctx, "Execution %s: machine lookup for cancel event failed: %v", id, err)
		machine = nil
	}
	triggeredBy := exec.TriggeredByID
	if triggeredBy == nil {
		triggeredBy = userID
	}
	n.send(ctx, n.targetUsers(ctx, triggeredBy, machine), events.ActionCancelled, executionPayload(exec, ""))
	return exec, nil
}
