package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"vm-script-service/internal/models"
	smDB "vm-script-service/internal/script-manager/db"
)

const (
	DefaultPollInterval   = 60 * time.Second
	DefaultPollBatchLimit = 100
	pollConcurrency       = 10
)

// PollerService is the delivery backstop: on every tick it runs due
// one-time and immediate records and spawns occurrences of due periodic
// schedules, for machines that are reachable.
type PollerService struct {
	DB         *gorm.DB
	Executor   *ExecutorService
	Scheduler  *SchedulerService
	Interval   time.Duration
	BatchLimit int

	cron       gocron.Scheduler
	appContext context.Context
	now        func() time.Time
}

func NewPollerService(ctx context.Context, gormDB *gorm.DB, executor *ExecutorService, scheduler *SchedulerService, interval time.Duration) (*PollerService, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &PollerService{
		DB:         gormDB,
		Executor:   executor,
		Scheduler:  scheduler,
		Interval:   interval,
		BatchLimit: DefaultPollBatchLimit,
		cron:       s,
		appContext: ctx,
		now:        time.Now,
	}, nil
}

func (p *PollerService) Start() error {
	hlog.Info("PollerService starting...")
	job, err := p.cron.NewJob(
		gocron.DurationJob(p.Interval),
		gocron.NewTask(func() { p.Tick(p.appContext) }),
		gocron.WithName("script_execution_poller"),
		gocron.WithTags("poller"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule poller: %w", err)
	}
	p.cron.Start()
	if next, err := job.NextRun(); err == nil {
		hlog.Infof("PollerService started, polling every %s. Next Run: %s", p.Interval, next.Format(time.RFC3339))
	}
	return nil
}

func (p *PollerService) Stop() {
	hlog.Info("PollerService stopping...")
	if err := p.cron.Shutdown(); err != nil {
		hlog.Errorf("Error shutting down poller scheduler: %v", err)
	}
}

// Tick runs one polling pass and returns how many executions it dispatched.
func (p *PollerService) Tick(ctx context.Context) int {
	now := p.now()
	var ids []string

	due, err := smDB.DueOneTimeExecutions(ctx, p.DB, now, p.BatchLimit)
	if err != nil {
		hlog.CtxErrorf(ctx, "PollerService: failed to load due executions: %v", err)
	}
	reachable := p.reachableMachines(ctx, due)
	for _, e := range due {
		if reachable[e.MachineID] {
			ids = append(ids, e.ID)
		}
	}

	periodic, err := p.Scheduler.GetDuePeriodicSchedules(ctx, now)
	if err != nil {
		hlog.CtxErrorf(ctx, "PollerService: failed to load due periodic schedules: %v", err)
	}
	reachable = p.reachableMachines(ctx, periodic)
	for i := range periodic {
		parent := &periodic[i]
		if !reachable[parent.MachineID] {
			continue
		}
		occurrence, err := p.spawnOccurrence(ctx, parent, now)
		if err != nil {
			hlog.CtxErrorf(ctx, "PollerService: failed to spawn occurrence of schedule %s: %v", parent.ID, err)
			continue
		}
		if occurrence != nil {
			ids = append(ids, occurrence.ID)
		}
	}

	if len(ids) == 0 {
		return 0
	}
	hlog.CtxInfof(ctx, "PollerService: dispatching %d due executions", len(ids))
	var g errgroup.Group
	g.SetLimit(pollConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			res := p.Executor.RunExecution(ctx, id)
			if res.ErrorCode != "" {
				hlog.CtxWarnf(ctx, "PollerService: execution %s not run: %s", id, res.Error)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(ids)
}

// spawnOccurrence creates one SCHEDULED child of a periodic anchor and
// advances the anchor's counters. A concurrent spawn for the same slot loses
// the conditional update and yields nil. Counters move at spawn time, so an
// occurrence counts toward the cap and the interval whatever its outcome.
func (p *PollerService) spawnOccurrence(ctx context.Context, parent *smDB.ScriptExecution, now time.Time) (*smDB.ScriptExecution, error) {
	var child *smDB.ScriptExecution
	err := p.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&smDB.ScriptExecution{}).
			Where("id = ? AND status = ? AND execution_count = ?", parent.ID, models.StatusPending, parent.ExecutionCount).
			Updates(map[string]interface{}{
				"execution_count":  parent.ExecutionCount + 1,
				"last_executed_at": now,
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		parentID := parent.ID
		child = &smDB.ScriptExecution{
			ScriptID:          parent.ScriptID,
			MachineID:         parent.MachineID,
			ParentExecutionID: &parentID,
			ExecutionType:     models.ExecutionScheduled,
			Status:            models.StatusPending,
			TriggeredByID:     parent.TriggeredByID,
			InputValues:       parent.InputValues,
			ScheduledFor:      &now,
			RunAs:             parent.RunAs,
		}
		return tx.Create(child).Error
	})
	if err != nil {
		return nil, err
	}
	if child != nil {
		parent.ExecutionCount++
		parent.LastExecutedAt = &now
	}
	return child, nil
}

func (p *PollerService) reachableMachines(ctx context.Context, execs []smDB.ScriptExecution) map[string]bool {
	ids := make([]string, 0, len(execs))
	for _, e := range execs {
		ids = append(ids, e.MachineID)
	}
	machines, err := smDB.FindMachines(ctx, p.DB, dedupe(ids))
	if err != nil {
		hlog.CtxErrorf(ctx, "PollerService: failed to load machines: %v", err)
		return nil
	}
	reachable := make(map[string]bool, len(machines))
	for _, m := range machines {
		if m.Reachable() {
			reachable[m.ID] = true
		}
	}
	return reachable
}
