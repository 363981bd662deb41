package query

import (
	"context"
	"strings"
	"time"
)

// Status is the lifecycle state of a cache entry.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Entry is an immutable snapshot of one cache entry. Data is shared with
// the cache and must not be modified.
type Entry struct {
	Key        string
	Status     Status
	Data       any
	Err        error
	Generation uint64
	UpdatedAt  time.Time
}

// Settled reports whether the entry holds a fetch outcome.
func (e Entry) Settled() bool {
	return e.Status == StatusReady || e.Status == StatusError
}

// Fetcher loads the data of one key from the remote store.
type Fetcher func(ctx context.Context) (any, error)

// Scheduler runs task later, outside the caller's stack. Invalidations
// that land before the task runs share it.
type Scheduler func(task func())

// TickScheduler defers tasks by a fixed window.
func TickScheduler(tick time.Duration) Scheduler {
	return func(task func()) {
		time.AfterFunc(tick, task)
	}
}

// viewOf returns the view name a key belongs to ("expenses", "income_total"...).
func viewOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

type entry struct {
	key       string
	status    Status
	data      any
	err       error
	gen       uint64
	updatedAt time.Time
	fetcher   Fetcher
	stale     bool
	scheduled bool
	subs      map[uint64]func(Entry)
}

func (e *entry) snapshot() Entry {
	return Entry{
		Key:        e.key,
		Status:     e.status,
		Data:       e.data,
		Err:        e.err,
		Generation: e.gen,
		UpdatedAt:  e.updatedAt,
	}
}

func (e *entry) subscribers() []func(Entry) {
	if len(e.subs) == 0 {
		return nil
	}
	fns := make([]func(Entry), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	return fns
}
