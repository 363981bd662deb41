package criteria_test

import (
	"testing"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/criteria"
	"github.com/nagesh-bhagelli/xpense/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "5f0c3a9e-7c1b-4d2a-9a57-0c0b9f3f4e11"

func expense(amount string, category string) domain.Expense {
	return domain.Expense{
		Amount:      decimal.RequireFromString(amount),
		Category:    category,
		ExpenseDate: domain.NewDate(2024, time.March, 1),
	}
}

func TestKey_Canonical(t *testing.T) {
	a := criteria.Criteria{CategoryFilter: "", SortField: "", SortDirection: ""}
	b := criteria.Criteria{CategoryFilter: " all ", SortField: criteria.SortByDate, SortDirection: criteria.Desc}
	c := criteria.Default()

	keyA := criteria.Key(domain.CollectionExpenses, owner, a)
	assert.Equal(t, keyA, criteria.Key(domain.CollectionExpenses, owner, b))
	assert.Equal(t, keyA, criteria.Key(domain.CollectionExpenses, owner, c))
	assert.Equal(t, keyA, criteria.Key(domain.CollectionExpenses, owner, a.Normalize().Normalize()))
}

func TestKey_SearchDoesNotChangeKey(t *testing.T) {
	base := criteria.Default()
	withSearch := base
	withSearch.SearchText = "coffee"

	assert.Equal(t,
		criteria.Key(domain.CollectionExpenses, owner, base),
		criteria.Key(domain.CollectionExpenses, owner, withSearch),
	)
}

func TestKey_DistinctCriteria(t *testing.T) {
	food := criteria.Default()
	food.CategoryFilter = "Food"
	travel := criteria.Default()
	travel.CategoryFilter = "Travel"
	byAmount := criteria.Default()
	byAmount.SortField = criteria.SortByAmount

	keys := map[string]bool{
		criteria.Key(domain.CollectionExpenses, owner, criteria.Default()): true,
		criteria.Key(domain.CollectionExpenses, owner, food):               true,
		criteria.Key(domain.CollectionExpenses, owner, travel):             true,
		criteria.Key(domain.CollectionExpenses, owner, byAmount):           true,
		criteria.Key(domain.CollectionIncome, owner, criteria.Default()):   true,
		criteria.Key(domain.CollectionExpenses, "other", food):             true,
	}
	assert.Len(t, keys, 6)
}

func TestKey_HasCollectionPrefix(t *testing.T) {
	c := criteria.Default()
	c.CategoryFilter = "a;b=c&d"

	key := criteria.Key(domain.CollectionExpenses, owner, c)
	assert.Contains(t, key, criteria.Prefix("expenses", owner))
	assert.NotContains(t, key, criteria.Prefix("expense", owner))
	assert.Contains(t, key, "category=a%3Bb%3Dc%26d")
}

func TestBuild_FiltersAndOrder(t *testing.T) {
	c := criteria.Criteria{
		CategoryFilter: "Food",
		DateFrom:       domain.NewDate(2024, time.January, 1),
		DateTo:         domain.NewDate(2024, time.January, 31),
		SortField:      criteria.SortByAmount,
		SortDirection:  criteria.Desc,
	}

	spec := criteria.Build(domain.CollectionExpenses, owner, c)

	require.Len(t, spec.Constraints, 4)
	assert.Equal(t, domain.Constraint{Column: "user_id", Op: domain.OpEq, Value: owner}, spec.Constraints[0])
	assert.Equal(t, domain.Constraint{Column: "category", Op: domain.OpEq, Value: "Food"}, spec.Constraints[1])
	assert.Equal(t, domain.Constraint{Column: "expense_date", Op: domain.OpGte, Value: "2024-01-01"}, spec.Constraints[2])
	assert.Equal(t, domain.Constraint{Column: "expense_date", Op: domain.OpLte, Value: "2024-01-31"}, spec.Constraints[3])
	assert.Equal(t, domain.Order{Column: "amount", Ascending: false}, spec.Order)
}

func TestBuild_CategoryNamedAllIsFilterable(t *testing.T) {
	c := criteria.Default()
	c.CategoryFilter = "All"

	n := c.Normalize()
	assert.Equal(t, "All", n.CategoryFilter)
	assert.NotEqual(t,
		criteria.Key(domain.CollectionExpenses, owner, criteria.Default()),
		criteria.Key(domain.CollectionExpenses, owner, c),
	)

	spec := criteria.Build(domain.CollectionExpenses, owner, c)
	require.Len(t, spec.Constraints, 2)
	assert.Equal(t, domain.Constraint{Column: "category", Op: domain.OpEq, Value: "All"}, spec.Constraints[1])

	records := []domain.Expense{expense("5", "All"), expense("7", "Food")}
	got := criteria.Apply(records, c)
	require.Len(t, got, 1)
	assert.Equal(t, "All", got[0].Category)
}

func TestBuild_IncomeUsesSourceColumn(t *testing.T) {
	c := criteria.Default()
	c.CategoryFilter = "Salary"
	c.SortDirection = criteria.Asc

	spec := criteria.Build(domain.CollectionIncome, owner, c)

	require.Len(t, spec.Constraints, 2)
	assert.Equal(t, "source", spec.Constraints[1].Column)
	assert.Equal(t, domain.Order{Column: "income_date", Ascending: true}, spec.Order)
}

func TestBuild_InvertedRangeIsPassedThrough(t *testing.T) {
	c := criteria.Default()
	c.DateFrom = domain.NewDate(2024, time.May, 1)
	c.DateTo = domain.NewDate(2024, time.April, 1)

	spec := criteria.Build(domain.CollectionExpenses, owner, c)
	require.Len(t, spec.Constraints, 3)
	assert.Equal(t, "2024-05-01", spec.Constraints[1].Value)
	assert.Equal(t, "2024-04-01", spec.Constraints[2].Value)

	records := []domain.Expense{expense("10", "Food")}
	records[0].ExpenseDate = domain.NewDate(2024, time.April, 15)
	assert.Empty(t, criteria.Apply(records, c))
}

func TestBuild_Categories(t *testing.T) {
	c := criteria.Default()
	c.CategoryFilter = "Food"

	spec := criteria.Build(domain.CollectionCategories, owner, c)
	require.Len(t, spec.Constraints, 1)
	assert.Equal(t, domain.Order{Column: "name", Ascending: true}, spec.Order)
}

func TestApply_FoodByAmountDesc(t *testing.T) {
	records := []domain.Expense{
		expense("10", "Food"),
		expense("50", "Food"),
		expense("20", "Travel"),
	}
	c := criteria.Criteria{CategoryFilter: "Food", SortField: criteria.SortByAmount, SortDirection: criteria.Desc}

	got := criteria.Apply(records, c)

	require.Len(t, got, 2)
	assert.True(t, got[0].Amount.Equal(decimal.NewFromInt(50)))
	assert.True(t, got[1].Amount.Equal(decimal.NewFromInt(10)))
}

func TestMatches_CaseInsensitiveAcrossFields(t *testing.T) {
	c := criteria.Criteria{SearchText: "cof"}

	byDescription := domain.Expense{Description: "Coffee run", Category: "Food"}
	byCategory := domain.Expense{Category: "Coffee"}
	byPayment := domain.Expense{Category: "Food", PaymentMethod: domain.PaymentCash}
	income := domain.Income{Source: "COFFEE shop tips"}

	assert.True(t, c.Matches(byDescription))
	assert.True(t, c.Matches(byCategory))
	assert.False(t, c.Matches(byPayment))
	assert.True(t, c.Matches(income))

	c.SearchText = "cash"
	assert.True(t, c.Matches(byPayment))
}

func TestMatches_EmptySearchMatchesAll(t *testing.T) {
	c := criteria.Criteria{SearchText: "   "}
	assert.True(t, c.Matches(domain.Expense{}))
}

func TestLess_ComparesValuesNotStrings(t *testing.T) {
	c := criteria.Criteria{SortField: criteria.SortByAmount, SortDirection: criteria.Asc}
	nine := expense("9", "Food")
	ten := expense("10.00", "Food")
	assert.True(t, c.Less(nine, ten), "9 < 10 numerically")

	c.SortField = criteria.SortByDate
	early := domain.Expense{ExpenseDate: domain.NewDate(2023, time.December, 31)}
	late := domain.Expense{ExpenseDate: domain.NewDate(2024, time.February, 2)}
	assert.True(t, c.Less(early, late))
}

func TestProject_KeepsServerOrder(t *testing.T) {
	page := []domain.Expense{
		{Description: "coffee beans", Amount: decimal.NewFromInt(5)},
		{Description: "train", Amount: decimal.NewFromInt(50)},
		{Description: "Coffee run", Amount: decimal.NewFromInt(3)},
	}

	got := criteria.Project(page, criteria.Criteria{SearchText: "COFFEE"})

	require.Len(t, got, 2)
	assert.Equal(t, "coffee beans", got[0].Description)
	assert.Equal(t, "Coffee run", got[1].Description)
}
