// Package query provides the keyed cache that holds the last server-confirmed
// result of every active view.
//
// Each key has at most one fetch in flight. Every fetch start, invalidation
// and clear bumps the entry's generation; a completion is applied only if
// its generation is still current and the entry still belongs to the cache,
// so late results from superseded fetches are dropped. Subscriber
// notifications are queued in state-change order and delivered from a
// single dispatcher goroutine, never under the cache lock, so a subscriber
// may call back into the cache.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("query")

// ErrClosed is returned by Await on a cache whose session has ended.
var ErrClosed = errors.New("query: cache closed")

// DefaultTick is the window in which invalidations of one entry coalesce.
const DefaultTick = 5 * time.Millisecond

// Option configures a Cache.
type Option func(*Cache)

// WithTick sets the invalidation coalescing window.
func WithTick(d time.Duration) Option {
	return func(c *Cache) { c.schedule = TickScheduler(d) }
}

// WithScheduler replaces the refetch scheduler. The scheduler must not run
// the task synchronously.
func WithScheduler(s Scheduler) Option {
	return func(c *Cache) { c.schedule = s }
}

// WithMetrics records hits, misses, fetches and discards.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// Cache is a keyed cache of server results with subscriber-driven refetch.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextSub uint64

	schedule Scheduler
	metrics  *observability.Metrics
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queueMu sync.Mutex
	queue   []notification
	wake    chan struct{}
}

type notification struct {
	fns   []func(Entry)
	entry Entry
}

// New creates a cache and starts its notification dispatcher. Call Close
// when the owning session ends.
func New(opts ...Option) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries:  make(map[string]*entry),
		schedule: TickScheduler(DefaultTick),
		logger:   zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.dispatch()
	return c
}

// Close cancels in-flight fetches and stops notification delivery once
// the pending queue is flushed. A closed cache creates no entries and
// starts no fetches; Get and Subscribe see an idle entry from then on.
func (c *Cache) Close() {
	c.cancel()
}

func (c *Cache) closed() bool {
	return c.ctx.Err() != nil
}

// Get returns the entry for key, starting a fetch when the entry is idle,
// failed or stale. A ready or loading entry is returned as-is, so
// concurrent and repeated calls never start a second fetch.
func (c *Cache) Get(key string, fetch Fetcher) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed() {
		return Entry{Key: key, Status: StatusIdle}
	}
	e := c.lookupLocked(key)
	if !e.stale && (e.status == StatusReady || e.status == StatusLoading) {
		c.metrics.IncrCacheHit(viewOf(key))
		return e.snapshot()
	}
	if fetch != nil {
		e.fetcher = fetch
	}
	if e.fetcher == nil {
		return e.snapshot()
	}

	c.metrics.IncrCacheMiss(viewOf(key))
	c.startLocked(e)
	return e.snapshot()
}

// Peek returns the current entry for key without fetching.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Subscribe registers fn for every state change of key, creating an idle
// entry if none exists. The returned func unregisters it; calling it more
// than once is harmless.
func (c *Cache) Subscribe(key string, fn func(Entry)) (unsubscribe func()) {
	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return func() {}
	}
	e := c.lookupLocked(key)
	c.nextSub++
	id := c.nextSub
	e.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if cur, ok := c.entries[key]; ok && cur == e {
				delete(e.subs, id)
			}
		})
	}
}

// Await is Get followed by waiting until the entry is ready or failed.
// It returns ErrClosed, with an idle entry, once the cache is closed.
func (c *Cache) Await(ctx context.Context, key string, fetch Fetcher) (Entry, error) {
	if c.closed() {
		return Entry{Key: key, Status: StatusIdle}, ErrClosed
	}

	done := make(chan Entry, 1)
	unsubscribe := c.Subscribe(key, func(e Entry) {
		if e.Status == StatusLoading {
			return
		}
		select {
		case done <- e:
		default:
		}
	})
	defer unsubscribe()

	e := c.Get(key, fetch)
	if c.closed() {
		return Entry{Key: key, Status: StatusIdle}, ErrClosed
	}
	if e.Settled() {
		return e, nil
	}

	select {
	case e := <-done:
		return e, nil
	case <-c.ctx.Done():
		return Entry{Key: key, Status: StatusIdle}, ErrClosed
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

// Invalidate marks every entry whose key starts with prefix as stale and
// supersedes any fetch in flight for it. Subscribed entries refetch on the
// next tick; invalidations landing before that tick share one refetch.
// It returns the number of entries hit.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	var tasks []func()
	n := 0
	for key, e := range c.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		n++
		e.gen++
		e.stale = true
		c.metrics.IncrInvalidation(viewOf(key))

		if len(e.subs) > 0 && e.fetcher != nil && !e.scheduled {
			e.scheduled = true
			target := e
			tasks = append(tasks, func() { c.refetch(target) })
		}
	}
	c.mu.Unlock()

	for _, task := range tasks {
		c.schedule(task)
	}

	c.logger.Debug("query: invalidated",
		zap.String("prefix", prefix),
		zap.Int("entries", n),
		zap.Int("refetches", len(tasks)),
	)
	return n
}

// Clear drops every entry. Subscribers receive one idle snapshot and are
// then forgotten; fetches still in flight are discarded on arrival.
func (c *Cache) Clear() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[string]*entry)
	for key, e := range old {
		if fns := e.subscribers(); fns != nil {
			c.enqueueLocked(fns, Entry{Key: key, Status: StatusIdle})
		}
	}
	c.mu.Unlock()

	c.logger.Info("query: cache cleared", zap.Int("entries", len(old)))
}

func (c *Cache) lookupLocked(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{key: key, status: StatusIdle, subs: make(map[uint64]func(Entry))}
		c.entries[key] = e
	}
	return e
}

// startLocked moves e to loading under a fresh generation and runs its
// fetcher in the background.
func (c *Cache) startLocked(e *entry) {
	e.gen++
	e.status = StatusLoading
	e.err = nil
	e.stale = false
	c.notifyLocked(e)

	go c.run(e, e.gen, e.fetcher)
}

func (c *Cache) refetch(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.scheduled = false
	if cur, ok := c.entries[e.key]; !ok || cur != e {
		return
	}
	// Already refetched by a Get, or nobody is watching any more.
	if !e.stale || len(e.subs) == 0 || e.fetcher == nil {
		return
	}
	c.startLocked(e)
}

func (c *Cache) run(e *entry, gen uint64, fetch Fetcher) {
	ctx, span := tracer.Start(c.ctx, "QueryCache.fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("cache.view", viewOf(e.key)),
		attribute.Int64("cache.generation", int64(gen)),
	)

	data, err := safeFetch(ctx, fetch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.complete(e, gen, data, err)
}

func safeFetch(ctx context.Context, fetch Fetcher) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fetch(ctx)
}

func (c *Cache) complete(e *entry, gen uint64, data any, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := viewOf(e.key)
	if cur, ok := c.entries[e.key]; !ok || cur != e || e.gen != gen {
		c.metrics.IncrStaleDiscarded(view)
		c.logger.Debug("query: stale result discarded",
			zap.String("view", view),
			zap.Uint64("generation", gen),
		)
		return
	}

	e.updatedAt = time.Now()
	if err != nil {
		e.status = StatusError
		e.err = err
		c.metrics.IncrFetch(view, "error")
		c.logger.Warn("query: fetch failed", zap.String("view", view), zap.Error(err))
	} else {
		e.status = StatusReady
		e.data = data
		e.err = nil
		c.metrics.IncrFetch(view, "ready")
	}
	c.notifyLocked(e)
}

// ============================================================
// Notification dispatch
// ============================================================

func (c *Cache) notifyLocked(e *entry) {
	if fns := e.subscribers(); fns != nil {
		c.enqueueLocked(fns, e.snapshot())
	}
}

func (c *Cache) enqueueLocked(fns []func(Entry), snap Entry) {
	c.queueMu.Lock()
	c.queue = append(c.queue, notification{fns: fns, entry: snap})
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued notifications until Close, then flushes what
// was queued before it (the idle snapshots of a final Clear) and exits.
func (c *Cache) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			return
		case <-c.wake:
			c.flush()
		}
	}
}

func (c *Cache) flush() {
	c.queueMu.Lock()
	batch := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	for _, n := range batch {
		for _, fn := range n.fns {
			fn(n.entry)
		}
	}
}
