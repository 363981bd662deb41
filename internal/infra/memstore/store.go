// Package memstore is an in-process RemoteStore for local runs and
// end-to-end tests. Nothing is persisted.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type row map[string]any

// Store implements port.RemoteStore over mutex-guarded maps.
type Store struct {
	mu     sync.Mutex
	tables map[domain.Collection][]row
	now    func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tables: make(map[domain.Collection][]row),
		now:    time.Now,
	}
}

// Query returns copies of the matching rows, decoded into dest.
func (s *Store) Query(_ context.Context, collection domain.Collection, spec domain.QuerySpec, dest any) error {
	if !collection.Valid() {
		return &domain.ErrValidation{Field: "collection", Message: fmt.Sprintf("unknown collection %q", collection)}
	}

	s.mu.Lock()
	var out []row
	for _, r := range s.tables[collection] {
		if matchAll(r, spec.Constraints) {
			out = append(out, copyRow(r))
		}
	}
	s.mu.Unlock()

	if col := spec.Order.Column; col != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(col, out[i][col], out[j][col])
			if spec.Order.Ascending {
				return c < 0
			}
			return c > 0
		})
	}
	if out == nil {
		out = []row{}
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

// Insert appends a row with a fresh UUID and creation time.
func (s *Store) Insert(_ context.Context, collection domain.Collection, r map[string]any) (string, error) {
	if !collection.Valid() {
		return "", &domain.ErrValidation{Field: "collection", Message: fmt.Sprintf("unknown collection %q", collection)}
	}
	created := copyRow(r)
	id, _ := created["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	created["id"] = id
	created["created_at"] = s.now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUnique(collection, created, ""); err != nil {
		return "", err
	}
	s.tables[collection] = append(s.tables[collection], created)
	return id, nil
}

// Update patches the owner's row in place.
func (s *Store) Update(_ context.Context, collection domain.Collection, owner, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(collection, owner, id)
	if i < 0 {
		return &domain.ErrNotFound{Resource: string(collection), ID: id}
	}
	updated := copyRow(s.tables[collection][i])
	for k, v := range patch {
		if k == "id" || k == "user_id" {
			continue
		}
		updated[k] = v
	}
	if err := s.checkUnique(collection, updated, id); err != nil {
		return err
	}
	s.tables[collection][i] = updated
	return nil
}

// Remove deletes the owner's row.
func (s *Store) Remove(_ context.Context, collection domain.Collection, owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.find(collection, owner, id)
	if i < 0 {
		return &domain.ErrNotFound{Resource: string(collection), ID: id}
	}
	rows := s.tables[collection]
	s.tables[collection] = append(rows[:i:i], rows[i+1:]...)
	return nil
}

// Len reports the number of rows in collection.
func (s *Store) Len(collection domain.Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[collection])
}

func (s *Store) find(collection domain.Collection, owner, id string) int {
	for i, r := range s.tables[collection] {
		if r["id"] == id && r["user_id"] == owner {
			return i
		}
	}
	return -1
}

// checkUnique enforces one category name per owner.
func (s *Store) checkUnique(collection domain.Collection, r row, selfID string) error {
	if collection != domain.CollectionCategories {
		return nil
	}
	for _, existing := range s.tables[collection] {
		if existing["id"] == selfID {
			continue
		}
		if existing["user_id"] == r["user_id"] && existing["name"] == r["name"] {
			return &domain.ErrConflict{Message: fmt.Sprintf("category %q already exists", r["name"])}
		}
	}
	return nil
}

// ============================================================
// Matching
// ============================================================

func matchAll(r row, constraints []domain.Constraint) bool {
	for _, c := range constraints {
		v, ok := r[c.Column]
		if !ok || v == nil {
			return false
		}
		cmp := compare(c.Column, v, c.Value)
		switch c.Op {
		case domain.OpEq:
			if cmp != 0 {
				return false
			}
		case domain.OpGte:
			if cmp < 0 {
				return false
			}
		case domain.OpLte:
			if cmp > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// compare orders two column values: amounts as decimals, everything else
// (ids, names, YYYY-MM-DD dates) as strings. nil sorts first.
func compare(column string, a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	if column == "amount" {
		ad, errA := decimal.NewFromString(as)
		bd, errB := decimal.NewFromString(bs)
		if errA == nil && errB == nil {
			return ad.Cmp(bd)
		}
	}
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func copyRow(r map[string]any) row {
	out := make(row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
