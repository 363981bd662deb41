package query_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// manualScheduler holds refetch tasks until the test runs them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (s *manualScheduler) schedule(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *manualScheduler) runAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

// gatedFetcher returns one result per call, each held until released.
type gatedFetcher struct {
	calls atomic.Int32
	gates []chan struct{}
	data  []any
}

func newGatedFetcher(data ...any) *gatedFetcher {
	f := &gatedFetcher{data: data}
	for range data {
		f.gates = append(f.gates, make(chan struct{}))
	}
	return f
}

func (f *gatedFetcher) fetch(ctx context.Context) (any, error) {
	i := int(f.calls.Add(1)) - 1
	<-f.gates[i]
	return f.data[i], nil
}

func (f *gatedFetcher) release(i int) { close(f.gates[i]) }

func immediate(data any) query.Fetcher {
	return func(context.Context) (any, error) { return data, nil }
}

func newCache(t *testing.T, opts ...query.Option) *query.Cache {
	t.Helper()
	c := query.New(opts...)
	t.Cleanup(c.Close)
	return c
}

func waitStatus(t *testing.T, c *query.Cache, key string, want query.Status) query.Entry {
	t.Helper()
	var got query.Entry
	require.Eventually(t, func() bool {
		e, ok := c.Peek(key)
		got = e
		return ok && e.Status == want
	}, waitFor, time.Millisecond)
	return got
}

func TestGet_DeduplicatesConcurrentRequests(t *testing.T) {
	c := newCache(t)
	f := newGatedFetcher("rows")

	first := c.Get("expenses:u:", f.fetch)
	second := c.Get("expenses:u:", f.fetch)

	assert.Equal(t, query.StatusLoading, first.Status)
	assert.Equal(t, query.StatusLoading, second.Status)
	assert.Equal(t, first.Generation, second.Generation)

	f.release(0)
	e := waitStatus(t, c, "expenses:u:", query.StatusReady)
	assert.Equal(t, "rows", e.Data)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestGet_ReadyEntryIsNoOp(t *testing.T) {
	c := newCache(t)
	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		return 42, nil
	}

	c.Get("income_total:u:", fetch)
	ready := waitStatus(t, c, "income_total:u:", query.StatusReady)

	again := c.Get("income_total:u:", fetch)
	assert.Equal(t, ready, again)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGet_ErrorEntryKeepsPreviousDataAndRetries(t *testing.T) {
	c := newCache(t)
	boom := errors.New("boom")

	c.Get("k:u:", immediate("v1"))
	waitStatus(t, c, "k:u:", query.StatusReady)

	c.Invalidate("k:")
	c.Get("k:u:", func(context.Context) (any, error) { return nil, boom })
	failed := waitStatus(t, c, "k:u:", query.StatusError)
	assert.ErrorIs(t, failed.Err, boom)
	assert.Equal(t, "v1", failed.Data)

	c.Get("k:u:", immediate("v2"))
	e := waitStatus(t, c, "k:u:", query.StatusReady)
	assert.Equal(t, "v2", e.Data)
	assert.NoError(t, e.Err)
}

func TestGet_StaleResultIsDiscarded(t *testing.T) {
	metrics := observability.NewMetrics()
	c := newCache(t, query.WithMetrics(metrics))
	f := newGatedFetcher("old", "new")

	c.Get("expenses:u:", f.fetch)
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, waitFor, time.Millisecond)

	c.Invalidate("expenses:")
	c.Get("expenses:u:", f.fetch)
	require.Eventually(t, func() bool { return f.calls.Load() == 2 }, waitFor, time.Millisecond)

	// The newer fetch answers first; the older one must not overwrite it.
	f.release(1)
	waitStatus(t, c, "expenses:u:", query.StatusReady)
	f.release(0)

	require.Eventually(t, func() bool {
		return metrics.GetCacheSnapshot(0).StaleDiscarded == 1
	}, waitFor, time.Millisecond)
	e, _ := c.Peek("expenses:u:")
	assert.Equal(t, "new", e.Data)
}

func TestInvalidate_CoalescesIntoOneRefetch(t *testing.T) {
	sched := &manualScheduler{}
	c := newCache(t, query.WithScheduler(sched.schedule))
	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		return calls.Add(1), nil
	}

	unsubscribe := c.Subscribe("expenses:u:a", func(query.Entry) {})
	defer unsubscribe()
	c.Get("expenses:u:a", fetch)
	waitStatus(t, c, "expenses:u:a", query.StatusReady)

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, c.Invalidate("expenses:"))
	}
	assert.Equal(t, 1, sched.pending())

	sched.runAll()
	e := waitStatus(t, c, "expenses:u:a", query.StatusReady)
	assert.EqualValues(t, 2, e.Data)
	assert.EqualValues(t, 2, calls.Load())
}

func TestInvalidate_UnsubscribedEntryWaitsForNextGet(t *testing.T) {
	sched := &manualScheduler{}
	c := newCache(t, query.WithScheduler(sched.schedule))

	c.Get("income:u:", immediate("v1"))
	waitStatus(t, c, "income:u:", query.StatusReady)

	assert.Equal(t, 1, c.Invalidate("income:"))
	assert.Zero(t, sched.pending())

	e := c.Get("income:u:", immediate("v2"))
	assert.Equal(t, query.StatusLoading, e.Status)
	e = waitStatus(t, c, "income:u:", query.StatusReady)
	assert.Equal(t, "v2", e.Data)
}

func TestInvalidate_PrefixOnlyHitsMatchingKeys(t *testing.T) {
	c := newCache(t)
	c.Get("expenses:u:a", immediate(1))
	c.Get("expense:u:1", immediate(2))
	c.Get("income:u:", immediate(3))

	assert.Equal(t, 1, c.Invalidate("expenses:"))
	assert.Equal(t, 1, c.Invalidate("expense:"))
	assert.Equal(t, 0, c.Invalidate("categories:"))
}

func TestClear_DiscardsInFlightFetches(t *testing.T) {
	c := newCache(t)
	f := newGatedFetcher("rows")

	idle := make(chan query.Entry, 4)
	c.Subscribe("expenses:u:", func(e query.Entry) {
		if e.Status == query.StatusIdle {
			idle <- e
		}
	})
	c.Get("expenses:u:", f.fetch)
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, waitFor, time.Millisecond)

	c.Clear()
	assert.Zero(t, c.Len())

	f.release(0)
	select {
	case e := <-idle:
		assert.Equal(t, "expenses:u:", e.Key)
	case <-time.After(waitFor):
		t.Fatal("subscriber was not told about the clear")
	}

	// Give the late completion a chance to (wrongly) land.
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Peek("expenses:u:")
	assert.False(t, ok)
}

func TestSubscribe_ReceivesLoadingThenReady(t *testing.T) {
	c := newCache(t)
	seen := make(chan query.Status, 4)

	unsubscribe := c.Subscribe("categories:u:", func(e query.Entry) { seen <- e.Status })
	c.Get("categories:u:", immediate("rows"))

	assert.Equal(t, query.StatusLoading, <-seen)
	assert.Equal(t, query.StatusReady, <-seen)

	unsubscribe()
	unsubscribe()

	c.Invalidate("categories:")
	c.Get("categories:u:", immediate("rows"))
	waitStatus(t, c, "categories:u:", query.StatusReady)
	select {
	case s := <-seen:
		t.Fatalf("unexpected notification after unsubscribe: %s", s)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestAwait_ReturnsSettledEntry(t *testing.T) {
	c := newCache(t)

	e, err := c.Await(context.Background(), "expense_summary:u:", immediate("summary"))
	require.NoError(t, err)
	assert.Equal(t, query.StatusReady, e.Status)
	assert.Equal(t, "summary", e.Data)

	boom := errors.New("down")
	e, err = c.Await(context.Background(), "expense:u:1", func(context.Context) (any, error) { return nil, boom })
	require.NoError(t, err)
	assert.Equal(t, query.StatusError, e.Status)
	assert.ErrorIs(t, e.Err, boom)
}

func TestAwait_HonoursContext(t *testing.T) {
	c := newCache(t)
	f := newGatedFetcher("late")
	defer f.release(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx, "expenses:u:", f.fetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwait_ClosedCacheReturnsAtOnce(t *testing.T) {
	c := query.New()
	c.Clear()
	c.Close()

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		return "rows", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	start := time.Now()
	e, err := c.Await(ctx, "expenses:u:", fetch)
	assert.ErrorIs(t, err, query.ErrClosed)
	assert.Equal(t, query.StatusIdle, e.Status)
	assert.Less(t, time.Since(start), waitFor/2)

	assert.Equal(t, query.StatusIdle, c.Get("expenses:u:", fetch).Status)
	c.Subscribe("expenses:u:", func(query.Entry) {})()
	assert.Zero(t, calls.Load())
	assert.Zero(t, c.Len())
}

func TestAwait_CloseWhileWaitingReleasesCaller(t *testing.T) {
	c := query.New()
	f := newGatedFetcher("late")
	defer f.release(0)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Await(context.Background(), "expenses:u:", f.fetch)
		errs <- err
	}()

	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, waitFor, time.Millisecond)
	c.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, query.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("Await did not return after Close")
	}
}

func TestGet_FetchPanicBecomesError(t *testing.T) {
	c := newCache(t)
	c.Get("k:u:", func(context.Context) (any, error) { panic("bad row") })

	e := waitStatus(t, c, "k:u:", query.StatusError)
	assert.Contains(t, e.Err.Error(), "bad row")
}
