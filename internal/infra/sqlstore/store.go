// Package sqlstore is a RemoteStore over database/sql, for running the
// tracker against a self-hosted Postgres or a local SQLite file instead
// of Supabase. Rows are decoded through JSON so the same domain types
// serve every backend.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("sqlstore")

// Store implements port.RemoteStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	metrics *observability.Metrics
	logger  *zap.Logger
}

// Open connects to dsn. For SQLite, dsn is a file path whose directory is
// created when missing.
func Open(ctx context.Context, dialect Dialect, dsn string, metrics *observability.Metrics, logger *zap.Logger) (*Store, error) {
	if dialect == SQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(dialect.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == SQLite {
		// One writer at a time; avoids SQLITE_BUSY under concurrent fetches.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}

	logger.Info("sqlstore: connected", zap.String("dialect", string(dialect)))
	return New(db, dialect, metrics, logger), nil
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect, metrics *observability.Metrics, logger *zap.Logger) *Store {
	return &Store{db: db, dialect: dialect, metrics: metrics, logger: logger}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database answers, for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// ============================================================
// RemoteStore
// ============================================================

// Query selects the rows matching spec and decodes them into dest.
func (s *Store) Query(ctx context.Context, collection domain.Collection, spec domain.QuerySpec, dest any) error {
	ctx, span := tracer.Start(ctx, "SQLStore.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(collection)))
	defer s.observe(collection, "query", time.Now())

	cols, err := columnsOf(collection)
	if err != nil {
		return err
	}

	var (
		where []string
		args  []any
	)
	for _, c := range spec.Constraints {
		if err := checkColumn(collection, c.Column); err != nil {
			return err
		}
		cmp, ok := comparisons[c.Op]
		if !ok {
			return &domain.ErrValidation{Field: c.Column, Message: fmt.Sprintf("unsupported operator %q", c.Op)}
		}
		args = append(args, c.Value)
		where = append(where, fmt.Sprintf("%s %s %s", c.Column, cmp, s.dialect.placeholder(len(args))))
	}

	var q strings.Builder
	fmt.Fprintf(&q, "SELECT %s FROM %s", strings.Join(cols, ", "), collection)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if spec.Order.Column != "" {
		if err := checkColumn(collection, spec.Order.Column); err != nil {
			return err
		}
		dir := "DESC"
		if spec.Order.Ascending {
			dir = "ASC"
		}
		fmt.Fprintf(&q, " ORDER BY %s %s", s.dialect.orderExpr(spec.Order.Column), dir)
	}

	out, err := s.selectRows(ctx, q.String(), cols, args)
	if err != nil {
		if s.dialect.malformedValue(err) {
			out = nil
		} else {
			span.SetStatus(codes.Error, err.Error())
			return s.fail(collection, "query", err)
		}
	}

	if out == nil {
		out = []map[string]any{}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode %s rows: %w", collection, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", collection, err)
	}
	return nil
}

func (s *Store) selectRows(ctx context.Context, query string, cols []string, args []any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = jsonValue(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// jsonValue turns a scanned driver value into something that encodes the
// way the domain types decode: NUMERIC and UUID arrive as []byte.
func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	default:
		return x
	}
}

// Insert creates a row. Ids are UUIDs generated here unless row carries one.
func (s *Store) Insert(ctx context.Context, collection domain.Collection, row map[string]any) (string, error) {
	ctx, span := tracer.Start(ctx, "SQLStore.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(collection)))
	defer s.observe(collection, "insert", time.Now())

	if _, err := columnsOf(collection); err != nil {
		return "", err
	}
	id, _ := row["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}

	names := []string{"id"}
	args := []any{id}
	for _, col := range sortedKeys(row) {
		if col == "id" {
			continue
		}
		if err := checkColumn(collection, col); err != nil {
			return "", err
		}
		names = append(names, col)
		args = append(args, row[col])
	}
	marks := make([]string, len(args))
	for i := range marks {
		marks[i] = s.dialect.placeholder(i + 1)
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", collection, strings.Join(names, ", "), strings.Join(marks, ", "))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", s.fail(collection, "insert", err)
	}
	return id, nil
}

// Update patches the owner's row. id and user_id cannot be patched.
func (s *Store) Update(ctx context.Context, collection domain.Collection, owner, id string, patch map[string]any) error {
	ctx, span := tracer.Start(ctx, "SQLStore.Update")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(collection)), attribute.String("id", id))
	defer s.observe(collection, "update", time.Now())

	if _, err := columnsOf(collection); err != nil {
		return err
	}

	var (
		sets []string
		args []any
	)
	for _, col := range sortedKeys(patch) {
		if col == "id" || col == "user_id" {
			continue
		}
		if err := checkColumn(collection, col); err != nil {
			return err
		}
		args = append(args, patch[col])
		sets = append(sets, fmt.Sprintf("%s = %s", col, s.dialect.placeholder(len(args))))
	}
	if len(sets) == 0 {
		return &domain.ErrValidation{Field: "body", Message: "nothing to update"}
	}
	args = append(args, id, owner)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = %s AND user_id = %s",
		collection, strings.Join(sets, ", "), s.dialect.placeholder(len(args)-1), s.dialect.placeholder(len(args)))

	return s.exec(ctx, collection, "update", id, q, args)
}

// Remove deletes the owner's row.
func (s *Store) Remove(ctx context.Context, collection domain.Collection, owner, id string) error {
	ctx, span := tracer.Start(ctx, "SQLStore.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("collection", string(collection)), attribute.String("id", id))
	defer s.observe(collection, "remove", time.Now())

	if _, err := columnsOf(collection); err != nil {
		return err
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE id = %s AND user_id = %s", collection, s.dialect.placeholder(1), s.dialect.placeholder(2))
	return s.exec(ctx, collection, "remove", id, q, []any{id, owner})
}

// exec runs a single-row write; zero affected rows is ErrNotFound.
func (s *Store) exec(ctx context.Context, collection domain.Collection, call, id, query string, args []any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if s.dialect.malformedValue(err) {
			return &domain.ErrNotFound{Resource: string(collection), ID: id}
		}
		return s.fail(collection, call, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail(collection, call, err)
	}
	if n == 0 {
		return &domain.ErrNotFound{Resource: string(collection), ID: id}
	}
	return nil
}

// ============================================================
// Helpers
// ============================================================

func (s *Store) fail(collection domain.Collection, call string, err error) error {
	if s.dialect.uniqueViolation(err) {
		return &domain.ErrConflict{Message: fmt.Sprintf("%s: a record with this name already exists", collection)}
	}
	s.metrics.IncrExternalError("sqlstore")
	s.logger.Warn("sqlstore: statement failed",
		zap.String("collection", string(collection)),
		zap.String("call", call),
		zap.Error(err),
	)
	return &domain.ErrExternalService{Service: "sqlstore/" + string(collection), Err: err}
}

func (s *Store) observe(collection domain.Collection, call string, start time.Time) {
	s.metrics.RecordRemoteCall(string(collection), call, time.Since(start))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
