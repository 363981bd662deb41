package domain

import "github.com/shopspring/decimal"

// ============================================================
// Aggregate views
// ============================================================

// CategoryTotal is the amount spent under one category name.
type CategoryTotal struct {
	Presentation
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

// ExpenseSummary aggregates every expense of an owner.
type ExpenseSummary struct {
	Total      decimal.Decimal `json:"total"`
	Count      int             `json:"count"`
	ByCategory []CategoryTotal `json:"by_category"`
}

// IncomeTotal is the running income total shown on the income page.
type IncomeTotal struct {
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
}

// Summary is returned by GET /v1/summary.
type Summary struct {
	Income   IncomeTotal     `json:"income"`
	Expenses ExpenseSummary  `json:"expenses"`
	Balance  decimal.Decimal `json:"balance"`
}
