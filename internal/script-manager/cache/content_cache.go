package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/go-co-op/gocron/v2"

	"vm-script-service/internal/script-manager/metrics"
	"vm-script-service/pkg/scriptdoc"
)

const (
	DefaultTTL           = 60 * time.Minute
	DefaultMaxSize       = 100
	DefaultSweepInterval = 5 * time.Minute
)

// Options configures a ContentCache. Zero values fall back to the defaults.
type Options struct {
	Enabled       bool
	TTL           time.Duration
	MaxSize       int
	SweepInterval time.Duration
	Metrics       *metrics.Metrics
}

type entry struct {
	parsed     *scriptdoc.ParsedScript
	insertedAt time.Time
	ttl        time.Duration
}

// ContentCache holds parsed script bodies keyed by definition id. Eviction is
// by insertion order, not by access.
type ContentCache struct {
	mu      sync.Mutex
	entries map[uint]entry
	order   []uint

	enabled bool
	ttl     time.Duration
	maxSize int
	sweep   time.Duration
	metrics *metrics.Metrics

	scheduler gocron.Scheduler
	now       func() time.Time
}

func New(opts Options) *ContentCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &ContentCache{
		entries: make(map[uint]entry),
		enabled: opts.Enabled,
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		sweep:   opts.SweepInterval,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Get returns the cached body for id. An expired entry is removed and
// reported as a miss.
func (c *ContentCache) Get(id uint) (*scriptdoc.ParsedScript, bool) {
	if !c.enabled {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if ok && c.now().Sub(e.insertedAt) > e.ttl {
		c.removeLocked(id)
		ok = false
	}
	c.metrics.RecordCacheLookup(ok)
	if !ok {
		return nil, false
	}
	return e.parsed, true
}

// Set stores parsed under id with the default TTL.
func (c *ContentCache) Set(id uint, parsed *scriptdoc.ParsedScript) {
	c.SetWithTTL(id, parsed, c.ttl)
}

// SetWithTTL stores parsed under id. Re-setting an id refreshes its position
// in the eviction order. When the cache is full the oldest insertion goes.
func (c *ContentCache) SetWithTTL(id uint, parsed *scriptdoc.ParsedScript, ttl time.Duration) {
	if !c.enabled || parsed == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		c.removeLocked(id)
	}
	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}
	c.entries[id] = entry{parsed: parsed, insertedAt: c.now(), ttl: ttl}
	c.order = append(c.order, id)
}

func (c *ContentCache) Invalidate(id uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *ContentCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint]entry)
	c.order = nil
}

// PurgeExpired drops every expired entry and returns how many were dropped.
func (c *ContentCache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	purged := 0
	for id, e := range c.entries {
		if now.Sub(e.insertedAt) > e.ttl {
			c.removeLocked(id)
			purged++
		}
	}
	return purged
}

func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ContentCache) Enabled() bool { return c.enabled }

// Start schedules the background sweep. It is a no-op for a disabled cache.
func (c *ContentCache) Start() error {
	if !c.enabled {
		return nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(c.sweep),
		gocron.NewTask(func() {
			if n := c.PurgeExpired(); n > 0 {
				hlog.Infof("ContentCache: purged %d expired entries", n)
			}
		}),
		gocron.WithName("content_cache_sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}
	s.Start()
	c.scheduler = s
	hlog.Infof("ContentCache: sweep scheduled every %s (ttl %s, max %d entries)", c.sweep, c.ttl, c.maxSize)
	return nil
}

func (c *ContentCache) Stop() {
	if c.scheduler == nil {
		return
	}
	if err := c.scheduler.Shutdown(); err != nil {
		hlog.Errorf("ContentCache: error shutting down sweep scheduler: %v", err)
	}
	c.scheduler = nil
}

func (c *ContentCache) removeLocked(id uint) {
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
