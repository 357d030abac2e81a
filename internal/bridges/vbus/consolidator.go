package vbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Snapshot is an immutable view of the consolidated headers at tick time.
type Snapshot struct {
	// Time is when the snapshot was taken.
	Time time.Time

	// Headers are the surviving headers ordered by key.
	Headers []Header
}

// Len returns the number of headers in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Headers)
}

// SnapshotListener receives snapshots emitted by a Consolidator.
type SnapshotListener interface {
	HandleSnapshot(ctx context.Context, snap Snapshot) error
}

// SnapshotFunc adapts a function to SnapshotListener.
type SnapshotFunc func(ctx context.Context, snap Snapshot) error

// HandleSnapshot calls f(ctx, snap).
func (f SnapshotFunc) HandleSnapshot(ctx context.Context, snap Snapshot) error {
	return f(ctx, snap)
}

// ConsolidatorConfig holds configuration for a Consolidator.
type ConsolidatorConfig struct {
	// Name labels log lines and metrics ("log", "mqtt", ...).
	Name string

	// Interval is the tick period. Must be positive for Run.
	Interval time.Duration

	// TTL is the maximum header age kept across ticks. Zero disables eviction.
	TTL time.Duration

	// Metrics is optional.
	Metrics *Metrics
}

// Consolidator keeps the most recent header per key and, on every tick,
// evicts stale entries and hands a snapshot to its listeners.
//
// AddHeader is O(1) and never triggers eviction or listener work; both
// happen only on ticks. Listeners run sequentially on the tick goroutine and
// a failing or panicking listener does not affect the others.
//
// Thread Safety: All methods are safe for concurrent use.
type Consolidator struct {
	name     string
	interval time.Duration
	ttl      time.Duration
	metrics  *Metrics

	set *HeaderSet
	mu  sync.Mutex

	listeners  []SnapshotListener
	listenerMu sync.RWMutex

	now func() time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewConsolidator creates a consolidator with an empty store.
func NewConsolidator(cfg ConsolidatorConfig) *Consolidator {
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Consolidator{
		name:     name,
		interval: cfg.Interval,
		ttl:      cfg.TTL,
		metrics:  cfg.Metrics,
		set:      NewHeaderSet(),
		now:      time.Now,
	}
}

// Name returns the consolidator's label.
func (c *Consolidator) Name() string {
	return c.name
}

// AddListener registers a listener for future ticks.
func (c *Consolidator) AddListener(l SnapshotListener) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMu.Unlock()
}

// AddHeader upserts h into the store.
func (c *Consolidator) AddHeader(h Header) {
	c.mu.Lock()
	c.set.AddHeader(h)
	c.mu.Unlock()
}

// Count returns the number of headers currently held.
func (c *Consolidator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set.Count()
}

// Snapshot returns the current contents without evicting anything.
func (c *Consolidator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Time: c.now(), Headers: c.set.SortedHeaders()}
}

// Tick evicts headers older than the TTL, takes a snapshot and delivers it
// to every listener. The snapshot is returned for callers that drive ticks
// themselves.
func (c *Consolidator) Tick(ctx context.Context) Snapshot {
	start := c.now()

	c.mu.Lock()
	evicted := 0
	if c.ttl > 0 {
		evicted = c.set.RemoveOlderThan(start.Add(-c.ttl))
	}
	snap := Snapshot{Time: start, Headers: c.set.SortedHeaders()}
	c.mu.Unlock()

	c.metrics.observeTick(c.name, snap.Len(), evicted)
	if evicted > 0 {
		c.logDebug("evicted stale headers", "consolidator", c.name, "evicted", evicted)
	}

	c.listenerMu.RLock()
	listeners := make([]SnapshotListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenerMu.RUnlock()

	for _, l := range listeners {
		c.notify(ctx, l, snap)
	}

	c.metrics.observeTickDuration(c.name, time.Since(start))
	return snap
}

// notify delivers snap to one listener, containing errors and panics.
func (c *Consolidator) notify(ctx context.Context, l SnapshotListener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.listenerFailed(c.name)
			c.logError("snapshot listener panic", fmt.Errorf("%v", r))
		}
	}()

	if err := l.HandleSnapshot(ctx, snap); err != nil {
		c.metrics.listenerFailed(c.name)
		c.logError("snapshot listener failed", err)
	}
}

// Run ticks at the configured interval until ctx is cancelled.
func (c *Consolidator) Run(ctx context.Context) error {
	if c.interval <= 0 {
		return fmt.Errorf("consolidator %s: interval must be positive", c.name)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// SetLogger sets the logger for the consolidator.
func (c *Consolidator) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Consolidator) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "consolidator", c.name, "error", err)
	}
}

func (c *Consolidator) logDebug(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
