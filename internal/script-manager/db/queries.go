package db

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"vm-script-service/internal/models"
)

// FindMachines loads the machines with the given ids. Missing ids are simply
// absent from the result; callers compare lengths.
func FindMachines(ctx context.Context, gormDB *gorm.DB, ids []string) ([]Machine, error) {
	var machines []Machine
	if len(ids) == 0 {
		return machines, nil
	}
	err := gormDB.WithContext(ctx).Where("id IN ?", ids).Find(&machines).Error
	return machines, err
}

// MachinesInDepartment returns the direct members of a department.
func MachinesInDepartment(ctx context.Context, gormDB *gorm.DB, departmentID string) ([]Machine, error) {
	var machines []Machine
	err := gormDB.WithContext(ctx).Where("department_id = ?", departmentID).Order("name").Find(&machines).Error
	return machines, err
}

// AdminUserIDs returns the id of every administrator.
func AdminUserIDs(ctx context.Context, gormDB *gorm.DB) ([]string, error) {
	var ids []string
	err := gormDB.WithContext(ctx).Model(&User{}).Where("role = ?", models.RoleAdmin).Pluck("id", &ids).Error
	return ids, err
}

// TransitionExecution applies updates only if the row is still in one of
// from. It returns false when another writer moved the row first.
func TransitionExecution(ctx context.Context, gormDB *gorm.DB, id string, from []models.ExecutionStatus, updates map[string]interface{}) (bool, error) {
	updates["updated_at"] = time.Now()
	res := gormDB.WithContext(ctx).Model(&ScriptExecution{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// DueOneTimeExecutions returns PENDING non-recurring records whose start time
// has passed and which are not occurrences already being driven.
func DueOneTimeExecutions(ctx context.Context, gormDB *gorm.DB, now time.Time, limit int) ([]ScriptExecution, error) {
	var execs []ScriptExecution
	err := gormDB.WithContext(ctx).
		Where("status = ? AND repeat_interval_minutes IS NULL AND scheduled_for IS NOT NULL AND scheduled_for <= ?", models.StatusPending, now).
		Where("execution_type <> ?", models.ExecutionOnDemand).
		Order("scheduled_for").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// JSONMap stores a map as JSON text in column-map updates, matching the
// encoding of the serializer:json fields.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]interface{}(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
