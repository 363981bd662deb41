// Package criteria turns the user's search, filter and sort choices into
// cache keys, server-side query specs and client-side predicates.
//
// Everything here is pure. Only the filters the remote store can express
// (owner, category, date range, one ORDER BY) end up in the cache key and
// the query spec; free-text search is applied afterwards, on the page the
// server returned, and so never causes a refetch.
package criteria

import (
	"net/url"
	"sort"
	"strings"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
)

// AllCategories disables the category filter.
const AllCategories = "all"

// SortField selects the single ORDER BY column.
type SortField string

const (
	SortByDate   SortField = "date"
	SortByAmount SortField = "amount"
)

// SortDirection selects ascending or descending order.
type SortDirection string

const (
	Asc  SortDirection = "asc"
	Desc SortDirection = "desc"
)

// Criteria is the transient, client-only combination of search, filter
// and sort parameters.
type Criteria struct {
	SearchText     string
	CategoryFilter string
	DateFrom       domain.Date
	DateTo         domain.Date
	SortField      SortField
	SortDirection  SortDirection
}

// Default lists every record, newest first.
func Default() Criteria {
	return Criteria{CategoryFilter: AllCategories, SortField: SortByDate, SortDirection: Desc}
}

// Normalize maps logically identical criteria to one representation.
func (c Criteria) Normalize() Criteria {
	c.SearchText = strings.ToLower(strings.TrimSpace(c.SearchText))

	c.CategoryFilter = strings.TrimSpace(c.CategoryFilter)
	if c.CategoryFilter == "" {
		c.CategoryFilter = AllCategories
	}

	switch SortField(strings.ToLower(string(c.SortField))) {
	case SortByAmount:
		c.SortField = SortByAmount
	default:
		c.SortField = SortByDate
	}
	switch SortDirection(strings.ToLower(string(c.SortDirection))) {
	case Asc:
		c.SortDirection = Asc
	default:
		c.SortDirection = Desc
	}
	return c
}

// ============================================================
// Keys
// ============================================================

// Prefix is the part of every key of one view and owner. Invalidating it
// hits all criteria variants of that view.
func Prefix(view, owner string) string {
	return view + ":" + owner + ":"
}

// Key is the canonical cache key of a collection listing. Two criteria
// that normalize to the same server query always produce the same key.
func Key(collection domain.Collection, owner string, c Criteria) string {
	c = c.Normalize()
	v := url.Values{}
	if collection != domain.CollectionCategories {
		v.Set("category", c.CategoryFilter)
		v.Set("from", c.DateFrom.String())
		v.Set("to", c.DateTo.String())
		v.Set("sort", string(c.SortField)+"."+string(c.SortDirection))
	}
	// Encode sorts by key.
	return Prefix(string(collection), owner) + v.Encode()
}

// ============================================================
// Server-side spec
// ============================================================

type columns struct {
	label string
	date  string
}

var collectionColumns = map[domain.Collection]columns{
	domain.CollectionExpenses: {label: "category", date: "expense_date"},
	domain.CollectionIncome:   {label: "source", date: "income_date"},
}

// LabelColumn is the column the category filter applies to: category for
// expenses, source for income.
func LabelColumn(collection domain.Collection) string {
	return collectionColumns[collection].label
}

// DateColumn is the calendar date column of a record collection.
func DateColumn(collection domain.Collection) string {
	return collectionColumns[collection].date
}

// Build derives the server-side query. dateFrom > dateTo is passed through
// untouched and simply matches nothing.
func Build(collection domain.Collection, owner string, c Criteria) domain.QuerySpec {
	c = c.Normalize()
	spec := domain.QuerySpec{}.Where("user_id", domain.OpEq, owner)

	cols, ok := collectionColumns[collection]
	if !ok {
		spec.Order = domain.Order{Column: "name", Ascending: true}
		return spec
	}

	if c.CategoryFilter != AllCategories {
		spec = spec.Where(cols.label, domain.OpEq, c.CategoryFilter)
	}
	if !c.DateFrom.IsZero() {
		spec = spec.Where(cols.date, domain.OpGte, c.DateFrom.String())
	}
	if !c.DateTo.IsZero() {
		spec = spec.Where(cols.date, domain.OpLte, c.DateTo.String())
	}

	spec.Order = domain.Order{Column: cols.date, Ascending: c.SortDirection == Asc}
	if c.SortField == SortByAmount {
		spec.Order.Column = "amount"
	}
	return spec
}

// ============================================================
// Client-side predicates
// ============================================================

// Matches reports whether r contains the search text in any of its search
// fields, ignoring case. Empty search text matches everything.
func (c Criteria) Matches(r domain.Record) bool {
	needle := strings.ToLower(strings.TrimSpace(c.SearchText))
	if needle == "" {
		return true
	}
	for _, f := range r.SearchFields() {
		if f != "" && strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

// Less orders records by the active sort field, comparing decimals and
// dates by value.
func (c Criteria) Less(a, b domain.Record) bool {
	c = c.Normalize()
	var cmp int
	if c.SortField == SortByAmount {
		cmp = a.RecordAmount().Cmp(b.RecordAmount())
	} else {
		cmp = a.RecordDate().Compare(b.RecordDate())
	}
	if c.SortDirection == Desc {
		return cmp > 0
	}
	return cmp < 0
}

// Project applies the search post-filter to a page returned by the
// server, keeping the server's order. Search only sees what the server
// filters already let through; it is not a full-collection search.
func Project[T domain.Record](records []T, c Criteria) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if c.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

// Apply runs the whole pipeline over in-memory records: the server
// filters, the ordering and the search post-filter.
func Apply[T domain.Record](records []T, c Criteria) []T {
	c = c.Normalize()
	out := make([]T, 0, len(records))
	for _, r := range records {
		if c.CategoryFilter != AllCategories && r.Label() != c.CategoryFilter {
			continue
		}
		d := r.RecordDate()
		if !c.DateFrom.IsZero() && d.Compare(c.DateFrom) < 0 {
			continue
		}
		if !c.DateTo.IsZero() && d.Compare(c.DateTo) > 0 {
			continue
		}
		if !c.Matches(r) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return c.Less(out[i], out[j]) })
	return out
}
