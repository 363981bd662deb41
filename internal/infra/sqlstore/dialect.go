package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nagesh-bhagelli/xpense/internal/domain"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects the SQL flavour and the database/sql driver.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect accepts the STORE_BACKEND spellings of the SQL backends.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unknown sql dialect %q", s)
}

// driver is the database/sql driver name registered by lib/pq and
// modernc.org/sqlite respectively.
func (d Dialect) driver() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// orderExpr is the ORDER BY expression of column. SQLite keeps amounts as
// TEXT, so they are compared numerically through a cast.
func (d Dialect) orderExpr(column string) string {
	if d == SQLite && column == "amount" {
		return "CAST(amount AS REAL)"
	}
	return column
}

func (d Dialect) uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// malformedValue reports a value Postgres could not convert to the column
// type, e.g. a non-UUID id. No row can match such a value.
func (d Dialect) malformedValue(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "22P02"
}

// ============================================================
// Schema
// ============================================================

// columns is the column whitelist of each collection, in select order.
// Identifiers never come from callers unchecked.
var columns = map[domain.Collection][]string{
	domain.CollectionExpenses: {
		"id", "user_id", "amount", "category", "expense_date", "description", "payment_method", "created_at",
	},
	domain.CollectionIncome: {
		"id", "user_id", "amount", "source", "income_date", "description", "created_at",
	},
	domain.CollectionCategories: {
		"id", "user_id", "name", "color", "icon", "created_at",
	},
}

func columnsOf(collection domain.Collection) ([]string, error) {
	cols, ok := columns[collection]
	if !ok {
		return nil, &domain.ErrValidation{Field: "collection", Message: fmt.Sprintf("unknown collection %q", collection)}
	}
	return cols, nil
}

func checkColumn(collection domain.Collection, column string) error {
	for _, c := range columns[collection] {
		if c == column {
			return nil
		}
	}
	return &domain.ErrValidation{Field: column, Message: fmt.Sprintf("unknown column of %s", collection)}
}

var comparisons = map[domain.Op]string{
	domain.OpEq:  "=",
	domain.OpGte: ">=",
	domain.OpLte: "<=",
}
