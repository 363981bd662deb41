package sqlstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/infra/sqlstore"

	"go.uber.org/zap"
)

const (
	owner = "3b241101-e2bb-4255-8caf-4136c566a962"
	other = "9f1c2a50-5d1e-4b53-9a57-2b4c4f2d8e10"
)

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xpense.db")
	if err := sqlstore.Migrate(sqlstore.SQLite, path, zap.NewNop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := sqlstore.Open(context.Background(), sqlstore.SQLite, path, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertExpense(t *testing.T, s *sqlstore.Store, user, amount, category, date string) string {
	t.Helper()
	id, err := s.Insert(context.Background(), domain.CollectionExpenses, map[string]any{
		"user_id":        user,
		"amount":         amount,
		"category":       category,
		"expense_date":   date,
		"description":    nil,
		"payment_method": "Cash",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return id
}

func TestStore_QueryFiltersAndOrders(t *testing.T) {
	s := newStore(t)
	insertExpense(t, s, owner, "9.5", "Food", "2024-03-02")
	insertExpense(t, s, owner, "100", "Food", "2024-03-10")
	insertExpense(t, s, owner, "20", "Travel", "2024-03-05")
	insertExpense(t, s, owner, "7", "Food", "2024-04-01")
	insertExpense(t, s, other, "50", "Food", "2024-03-03")

	spec := domain.QuerySpec{}.
		Where("user_id", domain.OpEq, owner).
		Where("category", domain.OpEq, "Food").
		Where("expense_date", domain.OpGte, "2024-03-01").
		Where("expense_date", domain.OpLte, "2024-03-31")
	spec.Order = domain.Order{Column: "amount", Ascending: false}

	var rows []domain.Expense
	if err := s.Query(context.Background(), domain.CollectionExpenses, spec, &rows); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %+v", len(rows), rows)
	}
	// Numeric, not lexical, order: 100 before 9.5.
	if rows[0].Amount.String() != "100" || rows[1].Amount.String() != "9.5" {
		t.Errorf("order = %s, %s", rows[0].Amount, rows[1].Amount)
	}
	if rows[1].ExpenseDate.String() != "2024-03-02" || rows[1].PaymentMethod != domain.PaymentCash {
		t.Errorf("decoded row = %+v", rows[1])
	}
	if rows[0].CreatedAt == nil {
		t.Error("created_at not populated")
	}
}

func TestStore_QueryEmptyIsEmptySlice(t *testing.T) {
	s := newStore(t)

	var rows []domain.Income
	spec := domain.QuerySpec{}.Where("user_id", domain.OpEq, owner)
	if err := s.Query(context.Background(), domain.CollectionIncome, spec, &rows); err != nil {
		t.Fatalf("query: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Errorf("rows = %#v", rows)
	}
}

func TestStore_RejectsUnknownColumns(t *testing.T) {
	s := newStore(t)

	spec := domain.QuerySpec{}.Where("1=1; DROP TABLE expenses; --", domain.OpEq, "x")
	var rows []domain.Expense
	err := s.Query(context.Background(), domain.CollectionExpenses, spec, &rows)
	var verr *domain.ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	_, err = s.Insert(context.Background(), domain.CollectionIncome, map[string]any{"nope": 1})
	if !errors.As(err, &verr) {
		t.Fatalf("expected ErrValidation on insert, got %v", err)
	}
}

func TestStore_UpdateAndRemoveAreOwnerScoped(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := insertExpense(t, s, owner, "10", "Food", "2024-03-02")

	err := s.Update(ctx, domain.CollectionExpenses, other, id, map[string]any{"category": "Travel"})
	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound for another owner, got %v", err)
	}
	if err := s.Remove(ctx, domain.CollectionExpenses, other, id); !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound for another owner, got %v", err)
	}

	if err := s.Update(ctx, domain.CollectionExpenses, owner, id, map[string]any{"category": "Travel", "user_id": other}); err != nil {
		t.Fatalf("update: %v", err)
	}
	var rows []domain.Expense
	spec := domain.QuerySpec{}.Where("id", domain.OpEq, id)
	if err := s.Query(ctx, domain.CollectionExpenses, spec, &rows); err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Category != "Travel" || rows[0].UserID != owner {
		t.Fatalf("rows = %+v", rows)
	}

	if err := s.Remove(ctx, domain.CollectionExpenses, owner, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, domain.CollectionExpenses, owner, id); !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
}

func TestStore_DuplicateCategoryIsConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	row := map[string]any{"user_id": owner, "name": "Pets", "color": "#ef4444", "icon": "Home"}

	if _, err := s.Insert(ctx, domain.CollectionCategories, row); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := s.Insert(ctx, domain.CollectionCategories, row)
	var conflict *domain.ErrConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Another owner may use the same name.
	row["user_id"] = other
	if _, err := s.Insert(ctx, domain.CollectionCategories, row); err != nil {
		t.Fatalf("insert for another owner: %v", err)
	}
}

func TestMigrate_IsIdempotentAndReversible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "xpense.db")
	for i := 0; i < 2; i++ {
		if err := sqlstore.Migrate(sqlstore.SQLite, path, zap.NewNop()); err != nil {
			t.Fatalf("migrate run %d: %v", i, err)
		}
	}
	if err := sqlstore.Rollback(sqlstore.SQLite, path, zap.NewNop()); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	s, err := sqlstore.Open(context.Background(), sqlstore.SQLite, path, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	var rows []domain.Expense
	if err := s.Query(context.Background(), domain.CollectionExpenses, domain.QuerySpec{}, &rows); err == nil {
		t.Error("expected the expenses table to be gone after rollback")
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]sqlstore.Dialect{
		"postgres": sqlstore.Postgres, "PostgreSQL": sqlstore.Postgres, "sqlite": sqlstore.SQLite, "sqlite3": sqlstore.SQLite,
	} {
		got, err := sqlstore.ParseDialect(in)
		if err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := sqlstore.ParseDialect("mysql"); err == nil {
		t.Error("expected an error for mysql")
	}
}
