package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vm-script-service/pkg/scriptdoc"
)

func parsed(body string) *scriptdoc.ParsedScript {
	return scriptdoc.NewParsedScript(body, &scriptdoc.Document{Script: body})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T, opts Options) (*ContentCache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(opts)
	c.now = clock.Now
	return c, clock
}

func TestContentCache_GetSet(t *testing.T) {
	c, _ := newTestCache(t, Options{Enabled: true})

	_, ok := c.Get(1)
	assert.False(t, ok)

	c.Set(1, parsed("echo one"))
	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "echo one", got.Body)
	assert.Equal(t, 1, c.Len())
}

func TestContentCache_TTLExpiry(t *testing.T) {
	c, clock := newTestCache(t, Options{Enabled: true, TTL: time.Minute})

	c.Set(1, parsed("a"))
	clock.Advance(59 * time.Second)
	_, ok := c.Get(1)
	assert.True(t, ok)

	clock.Advance(2 * time.Second)
	_, ok = c.Get(1)
	assert.False(t, ok, "expired entry must miss")
	assert.Equal(t, 0, c.Len(), "expired entry must be purged on read")
}

func TestContentCache_InsertionOrderEviction(t *testing.T) {
	c, _ := newTestCache(t, Options{Enabled: true, MaxSize: 2})

	c.Set(1, parsed("a"))
	c.Set(2, parsed("b"))
	// Reading 1 does not protect it; eviction is by insertion, not access.
	_, _ = c.Get(1)
	c.Set(3, parsed("c"))

	_, ok := c.Get(1)
	assert.False(t, ok)
	_, ok = c.Get(2)
	assert.True(t, ok)
	_, ok = c.Get(3)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestContentCache_ResetMovesToBack(t *testing.T) {
	c, _ := newTestCache(t, Options{Enabled: true, MaxSize: 2})

	c.Set(1, parsed("a"))
	c.Set(2, parsed("b"))
	c.Set(1, parsed("a2"))
	c.Set(3, parsed("c"))

	_, ok := c.Get(2)
	assert.False(t, ok)
	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, "a2", got.Body)
}

func TestContentCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(t, Options{Enabled: true})
	c.Set(1, parsed("a"))
	c.Set(2, parsed("b"))

	c.Invalidate(1)
	_, ok := c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Invalidate(42)
	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())
}

func TestContentCache_PurgeExpired(t *testing.T) {
	c, clock := newTestCache(t, Options{Enabled: true, TTL: time.Minute})
	c.Set(1, parsed("a"))
	c.SetWithTTL(2, parsed("b"), time.Hour)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.PurgeExpired())
	_, ok := c.Get(2)
	assert.True(t, ok)
}

func TestContentCache_Disabled(t *testing.T) {
	c, _ := newTestCache(t, Options{Enabled: false})
	c.Set(1, parsed("a"))
	_, ok := c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.NoError(t, c.Start())
	c.Stop()
}

func TestContentCache_StartStop(t *testing.T) {
	c, _ := newTestCache(t, Options{Enabled: true, SweepInterval: time.Hour})
	require.NoError(t, c.Start())
	c.Stop()
	c.Stop()
}

func TestContentCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, Options{Enabled: true, MaxSize: 10})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			c.Set(id, parsed("x"))
			c.Get(id)
			c.Invalidate(id + 1)
		}(uint(i))
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 10)
}
