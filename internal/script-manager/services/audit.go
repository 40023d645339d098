package services

import (
	"context"
	"sync"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"gorm.io/gorm"

	smDB "vm-script-service/internal/script-manager/db"
	"vm-script-service/internal/script-manager/metrics"
)

const DefaultAuditQueueSize = 256

type auditItem struct {
	entry   *smDB.ScriptAuditLog
	barrier chan struct{}
}

// AuditLogger appends audit entries from a single background writer. Record
// never blocks and never fails its caller; a full queue drops the entry.
type AuditLogger struct {
	DB      *gorm.DB
	Metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan auditItem
	done   chan struct{}
}

func NewAuditLogger(gormDB *gorm.DB, m *metrics.Metrics, queueSize int) *AuditLogger {
	if queueSize <= 0 {
		queueSize = DefaultAuditQueueSize
	}
	a := &AuditLogger{
		DB:      gormDB,
		Metrics: m,
		queue:   make(chan auditItem, queueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AuditLogger) run() {
	defer close(a.done)
	for item := range a.queue {
		if item.barrier != nil {
			close(item.barrier)
			continue
		}
		if err := a.DB.Create(item.entry).Error; err != nil {
			hlog.Errorf("AuditLogger: failed to write %s entry: %v", item.entry.Action, err)
			a.Metrics.RecordAuditDropped()
		}
	}
}

// Record queues entry for writing.
func (a *AuditLogger) Record(ctx context.Context, entry *smDB.ScriptAuditLog) {
	if a == nil || entry == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		hlog.CtxWarnf(ctx, "AuditLogger: closed, dropping %s entry", entry.Action)
		a.Metrics.RecordAuditDropped()
		return
	}
	select {
	case a.queue <- auditItem{entry: entry}:
	default:
		hlog.CtxWarnf(ctx, "AuditLogger: queue full, dropping %s entry", entry.Action)
		a.Metrics.RecordAuditDropped()
	}
}

// Flush waits until every entry queued before the call has been written.
func (a *AuditLogger) Flush(ctx context.Context) error {
	if a == nil {
		return nil
	}
	barrier := make(chan struct{})
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return nil
	}
	select {
	case a.queue <- auditItem{barrier: barrier}:
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}
	a.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer.
func (a *AuditLogger) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}
