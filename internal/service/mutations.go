package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nagesh-bhagelli/xpense/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Op is a mutation operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// invalidates lists the key prefixes a confirmed write to a collection
// makes stale: the listings plus every detail and aggregate view derived
// from them.
var invalidates = map[domain.Collection][]string{
	domain.CollectionExpenses:   {"expenses:", detailExpense + ":", string(KindExpenseSummary) + ":"},
	domain.CollectionIncome:     {"income:", string(KindIncomeTotal) + ":"},
	domain.CollectionCategories: {"categories:", string(KindExpenseSummary) + ":"},
}

// Mutate writes to the remote store and returns once it confirms. On
// success every view derived from the collection is invalidated; on
// failure the cache is left exactly as it was and the write is not
// retried. For creates it returns the new id.
//
// payload is an ExpenseInput, IncomeInput or CategoryInput matching
// collection and is ignored for deletes.
func (t *Tracker) Mutate(ctx context.Context, collection domain.Collection, op Op, id string, payload any) (string, error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.Mutate")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", string(collection)),
		attribute.String("operation", string(op)),
	)

	sess, err := t.currentSession()
	if err != nil {
		return "", err
	}
	if op != OpCreate && id == "" {
		return "", &domain.ErrValidation{Field: "id", Message: "is required"}
	}

	var row map[string]any
	if op != OpDelete {
		if row, err = t.rowFor(collection, payload); err != nil {
			return "", err
		}
	}

	mutationID := uuid.NewString()
	switch op {
	case OpCreate:
		row["user_id"] = sess.owner
		id, err = t.store.Insert(ctx, collection, row)
	case OpUpdate:
		err = t.store.Update(ctx, collection, sess.owner, id, row)
	case OpDelete:
		err = t.store.Remove(ctx, collection, sess.owner, id)
	default:
		return "", &domain.ErrValidation{Field: "operation", Message: fmt.Sprintf("unknown operation %q", op)}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.metrics.IncrMutation(string(collection), string(op), "error")
		t.logger.Warn("mutation rejected",
			zap.String("mutation_id", mutationID),
			zap.String("collection", string(collection)),
			zap.String("operation", string(op)),
			zap.String("id", id),
			zap.Error(err),
		)
		return "", &domain.ErrRemoteMutationFailed{Collection: collection, Operation: string(op), Err: err}
	}

	hit := 0
	for _, prefix := range invalidates[collection] {
		hit += sess.cache.Invalidate(prefix)
	}
	t.metrics.IncrMutation(string(collection), string(op), "success")
	t.logger.Info("mutation confirmed",
		zap.String("mutation_id", mutationID),
		zap.String("collection", string(collection)),
		zap.String("operation", string(op)),
		zap.String("id", id),
		zap.Int("invalidated", hit),
	)
	return id, nil
}

// rowFor validates payload for collection and renders its column map.
func (t *Tracker) rowFor(collection domain.Collection, payload any) (map[string]any, error) {
	switch in := payload.(type) {
	case domain.ExpenseInput:
		if collection != domain.CollectionExpenses {
			break
		}
		if err := t.checkAmountAndDate(in, in.Amount, in.ExpenseDate, "expense_date"); err != nil {
			return nil, err
		}
		return in.Row(), nil

	case domain.IncomeInput:
		if collection != domain.CollectionIncome {
			break
		}
		if err := t.checkAmountAndDate(in, in.Amount, in.IncomeDate, "income_date"); err != nil {
			return nil, err
		}
		return in.Row(), nil

	case domain.CategoryInput:
		if collection != domain.CollectionCategories {
			break
		}
		if err := t.check(in); err != nil {
			return nil, err
		}
		if in.Color == "" {
			in.Color = domain.Colors[0]
		}
		if in.Icon == "" {
			in.Icon = domain.Icons[0]
		}
		return in.Row(), nil
	}
	return nil, &domain.ErrValidation{Field: "body", Message: fmt.Sprintf("payload %T does not fit %s", payload, collection)}
}

func (t *Tracker) checkAmountAndDate(payload any, amount decimal.Decimal, date domain.Date, dateField string) error {
	if err := t.check(payload); err != nil {
		return err
	}
	if amount.IsNegative() {
		return &domain.ErrValidation{Field: "amount", Message: "must not be negative"}
	}
	if date.IsZero() {
		return &domain.ErrValidation{Field: dateField, Message: "is required"}
	}
	return nil
}

// ============================================================
// Typed helpers
// ============================================================

func (t *Tracker) CreateExpense(ctx context.Context, in domain.ExpenseInput) (string, error) {
	return t.Mutate(ctx, domain.CollectionExpenses, OpCreate, "", in)
}

func (t *Tracker) UpdateExpense(ctx context.Context, id string, in domain.ExpenseInput) error {
	_, err := t.Mutate(ctx, domain.CollectionExpenses, OpUpdate, id, in)
	return err
}

func (t *Tracker) DeleteExpense(ctx context.Context, id string) error {
	_, err := t.Mutate(ctx, domain.CollectionExpenses, OpDelete, id, nil)
	return err
}

func (t *Tracker) CreateIncome(ctx context.Context, in domain.IncomeInput) (string, error) {
	return t.Mutate(ctx, domain.CollectionIncome, OpCreate, "", in)
}

func (t *Tracker) UpdateIncome(ctx context.Context, id string, in domain.IncomeInput) error {
	_, err := t.Mutate(ctx, domain.CollectionIncome, OpUpdate, id, in)
	return err
}

func (t *Tracker) DeleteIncome(ctx context.Context, id string) error {
	_, err := t.Mutate(ctx, domain.CollectionIncome, OpDelete, id, nil)
	return err
}

func (t *Tracker) CreateCategory(ctx context.Context, in domain.CategoryInput) (string, error) {
	return t.Mutate(ctx, domain.CollectionCategories, OpCreate, "", in)
}

func (t *Tracker) UpdateCategory(ctx context.Context, id string, in domain.CategoryInput) error {
	_, err := t.Mutate(ctx, domain.CollectionCategories, OpUpdate, id, in)
	return err
}

func (t *Tracker) DeleteCategory(ctx context.Context, id string) error {
	_, err := t.Mutate(ctx, domain.CollectionCategories, OpDelete, id, nil)
	return err
}
