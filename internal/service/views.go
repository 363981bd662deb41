package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/auth"
	"github.com/nagesh-bhagelli/xpense/internal/criteria"
	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/query"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind names a subscribable view.
type Kind string

const (
	KindExpenses       Kind = "expenses"
	KindIncome         Kind = "income"
	KindCategories     Kind = "categories"
	KindIncomeTotal    Kind = "income_total"
	KindExpenseSummary Kind = "expense_summary"
)

// View is a typed, search-projected snapshot of a settled cache entry.
type View[T any] struct {
	Key       string
	Status    query.Status
	Data      T
	UpdatedAt time.Time
}

// viewDef describes how one kind of view is keyed, fetched and projected.
type viewDef struct {
	key     func(owner string, c criteria.Criteria) string
	fetch   func(ctx context.Context, t *Tracker, owner string, c criteria.Criteria) (any, error)
	project func(data any, c criteria.Criteria) any
}

func (d viewDef) fetcher(t *Tracker, owner string, c criteria.Criteria) query.Fetcher {
	return func(ctx context.Context) (any, error) {
		return d.fetch(ctx, t, owner, c)
	}
}

var views = map[Kind]viewDef{
	KindExpenses:       listView[domain.Expense](domain.CollectionExpenses),
	KindIncome:         listView[domain.Income](domain.CollectionIncome),
	KindCategories:     listView[domain.Category](domain.CollectionCategories),
	KindIncomeTotal:    aggregateView(KindIncomeTotal, fetchIncomeTotal),
	KindExpenseSummary: aggregateView(KindExpenseSummary, fetchExpenseSummary),
}

func listView[T domain.Record](collection domain.Collection) viewDef {
	return viewDef{
		key: func(owner string, c criteria.Criteria) string {
			return criteria.Key(collection, owner, c)
		},
		fetch: func(ctx context.Context, t *Tracker, owner string, c criteria.Criteria) (any, error) {
			return queryRows[T](ctx, t, collection, criteria.Build(collection, owner, c))
		},
		project: func(data any, c criteria.Criteria) any {
			rows, _ := data.([]T)
			return criteria.Project(rows, c)
		},
	}
}

// aggregateView is keyed by owner only; criteria do not apply.
func aggregateView(kind Kind, fetch func(ctx context.Context, t *Tracker, owner string) (any, error)) viewDef {
	return viewDef{
		key: func(owner string, _ criteria.Criteria) string {
			return criteria.Prefix(string(kind), owner)
		},
		fetch: func(ctx context.Context, t *Tracker, owner string, _ criteria.Criteria) (any, error) {
			return fetch(ctx, t, owner)
		},
		project: func(data any, _ criteria.Criteria) any { return data },
	}
}

func expenseDetailView(id string) viewDef {
	return viewDef{
		key: func(owner string, _ criteria.Criteria) string {
			return criteria.Prefix(detailExpense, owner) + id
		},
		fetch: func(ctx context.Context, t *Tracker, owner string, _ criteria.Criteria) (any, error) {
			spec := domain.QuerySpec{}.
				Where("user_id", domain.OpEq, owner).
				Where("id", domain.OpEq, id)
			rows, err := queryRows[domain.Expense](ctx, t, domain.CollectionExpenses, spec)
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return nil, &domain.ErrNotFound{Resource: "expense", ID: id}
			}
			return rows[0], nil
		},
		project: func(data any, _ criteria.Criteria) any { return data },
	}
}

// detailExpense prefixes the single-expense view, kept apart from the
// "expenses" listing prefix.
const detailExpense = "expense"

func queryRows[T any](ctx context.Context, t *Tracker, collection domain.Collection, spec domain.QuerySpec) ([]T, error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(collection)))

	var rows []T
	if err := t.store.Query(ctx, collection, spec, &rows); err != nil {
		span.RecordError(err)
		return nil, &domain.ErrRemoteQueryFailed{Collection: collection, Err: err}
	}
	return rows, nil
}

// ============================================================
// Aggregates
// ============================================================

func ownerSpec(owner string) domain.QuerySpec {
	return domain.QuerySpec{}.Where("user_id", domain.OpEq, owner)
}

func fetchIncomeTotal(ctx context.Context, t *Tracker, owner string) (any, error) {
	rows, err := queryRows[domain.Income](ctx, t, domain.CollectionIncome, ownerSpec(owner))
	if err != nil {
		return nil, err
	}
	total := domain.IncomeTotal{Total: decimal.Zero, Count: len(rows)}
	for _, r := range rows {
		total.Total = total.Total.Add(r.Amount)
	}
	return total, nil
}

func fetchExpenseSummary(ctx context.Context, t *Tracker, owner string) (any, error) {
	var (
		expenses   []domain.Expense
		categories []domain.Category
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		expenses, err = queryRows[domain.Expense](gctx, t, domain.CollectionExpenses, ownerSpec(owner))
		return err
	})
	g.Go(func() (err error) {
		categories, err = queryRows[domain.Category](gctx, t, domain.CollectionCategories, ownerSpec(owner))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summarizeExpenses(expenses, categories), nil
}

// summarizeExpenses groups by category name, largest total first.
func summarizeExpenses(expenses []domain.Expense, categories []domain.Category) domain.ExpenseSummary {
	sum := domain.ExpenseSummary{Total: decimal.Zero, Count: len(expenses), ByCategory: []domain.CategoryTotal{}}
	index := make(map[string]int)
	for _, e := range expenses {
		sum.Total = sum.Total.Add(e.Amount)
		i, ok := index[e.Category]
		if !ok {
			i = len(sum.ByCategory)
			index[e.Category] = i
			sum.ByCategory = append(sum.ByCategory, domain.CategoryTotal{
				Presentation: domain.ResolvePresentation(e.Category, categories),
				Total:        decimal.Zero,
			})
		}
		sum.ByCategory[i].Total = sum.ByCategory[i].Total.Add(e.Amount)
		sum.ByCategory[i].Count++
	}
	sort.SliceStable(sum.ByCategory, func(i, j int) bool {
		a, b := sum.ByCategory[i], sum.ByCategory[j]
		if c := a.Total.Cmp(b.Total); c != 0 {
			return c > 0
		}
		return a.Category < b.Category
	})
	return sum
}

// ============================================================
// Subscriptions (view binders)
// ============================================================

// Subscribe binds fn to the view of kind under c for as long as the caller
// keeps it. The returned entry is the current state: a synthetic loading
// entry while auth is resolving (no query is issued), idle with
// ErrUnauthorized when signed out. fn receives every later state change,
// including the views of whoever signs in next.
func (t *Tracker) Subscribe(kind Kind, c criteria.Criteria, fn func(query.Entry)) (query.Entry, func()) {
	def, ok := views[kind]
	if !ok {
		err := &domain.ErrValidation{Field: "kind", Message: fmt.Sprintf("unknown view %q", kind)}
		return query.Entry{Status: query.StatusError, Err: err}, func() {}
	}

	b := &binding{t: t, def: def, criteria: c.Normalize(), fn: fn}
	t.mu.Lock()
	t.bindings[b] = struct{}{}
	sess := t.session
	t.mu.Unlock()

	if sess != nil {
		return b.attach(sess), b.close
	}
	if t.auth.Current().Phase == auth.PhaseUnauthenticated {
		return query.Entry{Status: query.StatusIdle, Err: &domain.ErrUnauthorized{Message: "no active session"}}, b.close
	}
	return query.Entry{Status: query.StatusLoading}, b.close
}

type binding struct {
	t        *Tracker
	def      viewDef
	criteria criteria.Criteria
	fn       func(query.Entry)

	mu     sync.Mutex
	closed bool
	detach func()
}

func (b *binding) attach(sess *session) query.Entry {
	key := b.def.key(sess.owner, b.criteria)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return query.Entry{Key: key, Status: query.StatusIdle}
	}
	if b.detach != nil {
		b.detach()
	}
	b.detach = sess.cache.Subscribe(key, b.deliver)
	b.mu.Unlock()

	return b.project(sess.cache.Get(key, b.def.fetcher(b.t, sess.owner, b.criteria)))
}

func (b *binding) deliver(e query.Entry) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		b.fn(b.project(e))
	}
}

func (b *binding) project(e query.Entry) query.Entry {
	if e.Data != nil {
		e.Data = b.def.project(e.Data, b.criteria)
	}
	return e
}

func (b *binding) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.detach != nil {
		b.detach()
	}
	b.mu.Unlock()

	b.t.mu.Lock()
	delete(b.t.bindings, b)
	b.t.mu.Unlock()
}

// ============================================================
// Awaited views (HTTP)
// ============================================================

func awaitView[T any](ctx context.Context, t *Tracker, def viewDef, c criteria.Criteria) (*View[T], error) {
	sess, err := t.currentSession()
	if err != nil {
		return nil, err
	}
	c = c.Normalize()
	key := def.key(sess.owner, c)

	e, err := sess.cache.Await(ctx, key, def.fetcher(t, sess.owner, c))
	if errors.Is(err, query.ErrClosed) {
		return nil, &domain.ErrUnauthorized{Message: "session ended"}
	}
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case query.StatusError:
		return nil, e.Err
	case query.StatusIdle:
		return nil, &domain.ErrUnauthorized{Message: "session ended"}
	}

	data, ok := def.project(e.Data, c).(T)
	if !ok {
		t.logger.Error("view holds unexpected data", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", e.Data)))
		return nil, fmt.Errorf("view %s: unexpected data %T", key, e.Data)
	}
	return &View[T]{Key: key, Status: e.Status, Data: data, UpdatedAt: e.UpdatedAt}, nil
}

// Expenses returns the owner's expenses matching c.
func (t *Tracker) Expenses(ctx context.Context, c criteria.Criteria) (*View[[]domain.Expense], error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.Expenses")
	defer span.End()

	return awaitView[[]domain.Expense](ctx, t, views[KindExpenses], c)
}

// Income returns the owner's income entries matching c.
func (t *Tracker) Income(ctx context.Context, c criteria.Criteria) (*View[[]domain.Income], error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.Income")
	defer span.End()

	return awaitView[[]domain.Income](ctx, t, views[KindIncome], c)
}

// Categories returns the owner's categories by name; only the search text
// of c applies.
func (t *Tracker) Categories(ctx context.Context, c criteria.Criteria) (*View[[]domain.Category], error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.Categories")
	defer span.End()

	return awaitView[[]domain.Category](ctx, t, views[KindCategories], c)
}

// Expense returns one expense of the owner.
func (t *Tracker) Expense(ctx context.Context, id string) (*View[domain.Expense], error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.Expense")
	defer span.End()
	span.SetAttributes(attribute.String("expense.id", id))

	return awaitView[domain.Expense](ctx, t, expenseDetailView(id), criteria.Criteria{})
}

// IncomeTotal returns the sum of every income entry of the owner.
func (t *Tracker) IncomeTotal(ctx context.Context) (*View[domain.IncomeTotal], error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.IncomeTotal")
	defer span.End()

	return awaitView[domain.IncomeTotal](ctx, t, views[KindIncomeTotal], criteria.Criteria{})
}

// ExpenseSummary returns the owner's expense totals per category.
func (t *Tracker) ExpenseSummary(ctx context.Context) (*View[domain.ExpenseSummary], error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.ExpenseSummary")
	defer span.End()

	return awaitView[domain.ExpenseSummary](ctx, t, views[KindExpenseSummary], criteria.Criteria{})
}

// Summary combines both aggregates, fetched concurrently.
func (t *Tracker) Summary(ctx context.Context) (*domain.Summary, error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.Summary")
	defer span.End()

	var (
		income   *View[domain.IncomeTotal]
		expenses *View[domain.ExpenseSummary]
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		income, err = t.IncomeTotal(gctx)
		return err
	})
	g.Go(func() (err error) {
		expenses, err = t.ExpenseSummary(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &domain.Summary{
		Income:   income.Data,
		Expenses: expenses.Data,
		Balance:  income.Data.Total.Sub(expenses.Data.Total),
	}, nil
}

// DefaultCategories lists the names offered before the owner has any.
func (t *Tracker) DefaultCategories() []string {
	return append([]string(nil), domain.DefaultExpenseCategories...)
}
