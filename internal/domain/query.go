package domain

// Op is a comparison operator understood by every remote store.
type Op string

const (
	OpEq  Op = "eq"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Constraint is one column filter of a structured query.
type Constraint struct {
	Column string
	Op     Op
	Value  string
}

// Order is the single ORDER BY clause of a query. Ties are left to the
// store's default order, which is not guaranteed stable.
type Order struct {
	Column    string
	Ascending bool
}

// QuerySpec is the server-side part of a query: filters ANDed together
// plus one ordering.
type QuerySpec struct {
	Constraints []Constraint
	Order       Order
}

// Where appends a constraint and returns the spec for chaining.
func (q QuerySpec) Where(column string, op Op, value string) QuerySpec {
	q.Constraints = append(append([]Constraint(nil), q.Constraints...), Constraint{Column: column, Op: op, Value: value})
	return q
}
