package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Collections
// ============================================================

// Collection names a server-owned table. The value doubles as the
// PostgREST / SQL table name.
type Collection string

const (
	CollectionExpenses   Collection = "expenses"
	CollectionIncome     Collection = "income"
	CollectionCategories Collection = "categories"
)

// Valid reports whether c is one of the known collections.
func (c Collection) Valid() bool {
	switch c {
	case CollectionExpenses, CollectionIncome, CollectionCategories:
		return true
	}
	return false
}

// ============================================================
// Payment methods
// ============================================================

// PaymentMethod is the optional payment method of an expense.
type PaymentMethod string

const (
	PaymentCash          PaymentMethod = "Cash"
	PaymentCreditCard    PaymentMethod = "Credit Card"
	PaymentDebitCard     PaymentMethod = "Debit Card"
	PaymentDigitalWallet PaymentMethod = "Digital Wallet"
	PaymentBankTransfer  PaymentMethod = "Bank Transfer"
)

// PaymentMethods lists the accepted payment methods in display order.
var PaymentMethods = []PaymentMethod{
	PaymentCash,
	PaymentCreditCard,
	PaymentDebitCard,
	PaymentDigitalWallet,
	PaymentBankTransfer,
}

// Valid reports whether p is empty (not set) or a known method.
func (p PaymentMethod) Valid() bool {
	if p == "" {
		return true
	}
	for _, m := range PaymentMethods {
		if m == p {
			return true
		}
	}
	return false
}

// DefaultExpenseCategories are offered to owners who have not created
// any category yet.
var DefaultExpenseCategories = []string{
	"Food & Dining",
	"Transportation",
	"Shopping",
	"Entertainment",
	"Bills & Utilities",
	"Health & Fitness",
	"Travel",
	"Education",
	"Other",
}

// ============================================================
// Records
// ============================================================

// Expense is one spending record as stored by the remote backend.
type Expense struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category"`
	ExpenseDate   Date            `json:"expense_date"`
	Description   string          `json:"description"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
}

// Income is one earning record as stored by the remote backend.
type Income struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"`
	IncomeDate  Date            `json:"income_date"`
	Description string          `json:"description"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
}

// Category is a user-defined expense grouping. Records reference it by
// name only.
type Category struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Color     Color      `json:"color"`
	Icon      Icon       `json:"icon"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Record is the read-side view shared by expenses and income, used by
// the criteria engine for searching and sorting.
type Record interface {
	RecordAmount() decimal.Decimal
	RecordDate() Date
	// Label is the category of an expense or the source of an income.
	Label() string
	// SearchFields are the fields free-text search looks at.
	SearchFields() []string
}

func (e Expense) RecordAmount() decimal.Decimal { return e.Amount }
func (e Expense) RecordDate() Date               { return e.ExpenseDate }
func (e Expense) Label() string                  { return e.Category }

func (e Expense) SearchFields() []string {
	return []string{e.Description, e.Category, string(e.PaymentMethod)}
}

func (i Income) RecordAmount() decimal.Decimal { return i.Amount }
func (i Income) RecordDate() Date               { return i.IncomeDate }
func (i Income) Label() string                  { return i.Source }

func (i Income) SearchFields() []string {
	return []string{i.Description, i.Source}
}

func (c Category) RecordAmount() decimal.Decimal { return decimal.Zero }
func (c Category) RecordDate() Date               { return Date{} }
func (c Category) Label() string                  { return c.Name }
func (c Category) SearchFields() []string         { return []string{c.Name} }

// ============================================================
// Mutation payloads
// ============================================================

// ExpenseInput is the payload for creating or replacing an expense.
type ExpenseInput struct {
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category" validate:"required,max=100"`
	ExpenseDate   Date            `json:"expense_date"`
	Description   string          `json:"description" validate:"max=500"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"payment_method"`
}

// Row renders the payload as a column map. Empty optional fields are sent
// as null so an update can clear them.
func (in ExpenseInput) Row() map[string]any {
	return map[string]any{
		"amount":         in.Amount.String(),
		"category":       strings.TrimSpace(in.Category),
		"expense_date":   in.ExpenseDate.String(),
		"description":    nullable(in.Description),
		"payment_method": nullable(string(in.PaymentMethod)),
	}
}

// IncomeInput is the payload for creating or replacing an income entry.
type IncomeInput struct {
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source" validate:"required,max=100"`
	IncomeDate  Date            `json:"income_date"`
	Description string          `json:"description" validate:"max=500"`
}

func (in IncomeInput) Row() map[string]any {
	return map[string]any{
		"amount":      in.Amount.String(),
		"source":      strings.TrimSpace(in.Source),
		"income_date": in.IncomeDate.String(),
		"description": nullable(in.Description),
	}
}

// CategoryInput is the payload for creating or replacing a category.
type CategoryInput struct {
	Name  string `json:"name" validate:"required,max=50"`
	Color Color  `json:"color" validate:"color"`
	Icon  Icon   `json:"icon" validate:"icon"`
}

func (in CategoryInput) Row() map[string]any {
	return map[string]any{
		"name":  strings.TrimSpace(in.Name),
		"color": string(in.Color),
		"icon":  string(in.Icon),
	}
}

func nullable(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return s
}
