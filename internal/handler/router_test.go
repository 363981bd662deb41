package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/handler"
	"github.com/nagesh-bhagelli/xpense/internal/infra/localauth"
	"github.com/nagesh-bhagelli/xpense/internal/infra/memstore"
	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/service"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const userID = "3b241101-e2bb-4255-8caf-4136c566a962"

func newRouter(t *testing.T, checks ...handler.HealthCheck) (http.Handler, *memstore.Store) {
	t.Helper()
	authn := localauth.New(zap.NewNop(), localauth.WithCost(bcrypt.MinCost))
	if _, err := authn.AddAccount(userID, "ana@example.com", "hunter22"); err != nil {
		t.Fatalf("add account: %v", err)
	}
	store := memstore.New()
	metrics := observability.NewMetrics()

	tracker := service.NewTracker(authn, store, metrics, zap.NewNop())
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(tracker.Close)

	return handler.NewRouter(tracker, metrics, zap.NewNop(), checks...), store
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func signIn(t *testing.T, h http.Handler) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/v1/auth/login", map[string]string{"email": "ana@example.com", "password": "hunter22"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body, err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	router, _ := newRouter(t)

	rec := do(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHealthz_FailingCheck(t *testing.T) {
	router, _ := newRouter(t, handler.HealthCheck{
		Name:  "store",
		Check: func(context.Context) error { return errors.New("connection refused") },
	})

	rec := do(t, router, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	health := decode[domain.HealthStatus](t, rec)
	if health.Status != "unhealthy" || len(health.Services) != 1 || health.Services[0].Status != "down" {
		t.Errorf("health = %+v", health)
	}
}

func TestReadyz(t *testing.T) {
	router, _ := newRouter(t)

	rec := do(t, router, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	router, _ := newRouter(t)

	rec := do(t, router, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestDataRoutesRequireSession(t *testing.T) {
	router, _ := newRouter(t)

	for _, path := range []string{"/v1/expenses", "/v1/income/total", "/v1/summary", "/v1/categories"} {
		rec := do(t, router, http.MethodGet, path, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("GET %s: expected 401, got %d", path, rec.Code)
		}
	}

	status := decode[domain.AuthStatusResponse](t, do(t, router, http.MethodGet, "/v1/auth/status", nil))
	if status.Status != "unauthenticated" || status.Principal != nil {
		t.Errorf("status = %+v", status)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	router, _ := newRouter(t)

	rec := do(t, router, http.MethodPost, "/v1/auth/login", map[string]string{"email": "ana@example.com", "password": "wrong-pass"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodPost, "/v1/auth/login", map[string]string{"email": "not-an-email", "password": "hunter22"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestExpenses_CreateListFilterDelete(t *testing.T) {
	router, _ := newRouter(t)
	signIn(t, router)

	for _, e := range []map[string]any{
		{"amount": "12.50", "category": "Food & Dining", "expense_date": "2024-03-01", "description": "lunch"},
		{"amount": 80, "category": "Travel", "expense_date": "2024-03-05", "payment_method": "Credit Card"},
		{"amount": "3", "category": "Food & Dining", "expense_date": "2024-04-01", "description": "Coffee"},
	} {
		rec := do(t, router, http.MethodPost, "/v1/expenses", e)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body)
		}
	}

	list := decode[domain.ViewResponse[domain.Expense]](t, do(t, router, http.MethodGet, "/v1/expenses?sort=amount&dir=desc", nil))
	if len(list.Data) != 3 || list.Data[0].Category != "Travel" || list.Status != "ready" {
		t.Fatalf("list = %+v", list)
	}

	filtered := decode[domain.ViewResponse[domain.Expense]](t, do(t, router, http.MethodGet,
		"/v1/expenses?category=Food+%26+Dining&from=2024-03-01&to=2024-03-31", nil))
	if len(filtered.Data) != 1 || filtered.Data[0].Description != "lunch" {
		t.Fatalf("filtered = %+v", filtered)
	}

	plain := decode[domain.ViewResponse[domain.Expense]](t, do(t, router, http.MethodGet, "/v1/expenses", nil))
	searched := decode[domain.ViewResponse[domain.Expense]](t, do(t, router, http.MethodGet, "/v1/expenses?search=COFFEE", nil))
	if len(searched.Data) != 1 || searched.Data[0].Description != "Coffee" {
		t.Fatalf("searched = %+v", searched)
	}
	// Search narrows the cached listing; it is not part of the key.
	if searched.Key != plain.Key || !strings.HasPrefix(plain.Key, "expenses:"+userID+":") {
		t.Errorf("keys: plain %q, searched %q", plain.Key, searched.Key)
	}

	id := searched.Data[0].ID
	detail := decode[domain.Expense](t, do(t, router, http.MethodGet, "/v1/expenses/"+id, nil))
	if detail.ID != id || detail.Amount.String() != "3" {
		t.Errorf("detail = %+v", detail)
	}

	if rec := do(t, router, http.MethodDelete, "/v1/expenses/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if rec := do(t, router, http.MethodGet, "/v1/expenses/"+id, nil); rec.Code != http.StatusNotFound {
		t.Errorf("deleted detail: expected 404, got %d", rec.Code)
	}
	after := decode[domain.ViewResponse[domain.Expense]](t, do(t, router, http.MethodGet, "/v1/expenses", nil))
	if len(after.Data) != 2 {
		t.Errorf("expected 2 expenses after delete, got %d", len(after.Data))
	}
}

func TestExpenses_ValidationErrors(t *testing.T) {
	router, _ := newRouter(t)
	signIn(t, router)

	tests := []struct {
		name string
		body any
		path string
	}{
		{"negative amount", map[string]any{"amount": -5, "category": "Food", "expense_date": "2024-03-01"}, "/v1/expenses"},
		{"missing category", map[string]any{"amount": 1, "expense_date": "2024-03-01"}, "/v1/expenses"},
		{"bad payment method", map[string]any{"amount": 1, "category": "Food", "expense_date": "2024-03-01", "payment_method": "Cheque"}, "/v1/expenses"},
		{"malformed body", "not an object", "/v1/expenses"},
		{"bad date filter", nil, "/v1/expenses?from=03/01/2024"},
		{"bad sort", nil, "/v1/expenses?sort=name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodPost
			if tt.body == nil {
				method = http.MethodGet
			}
			rec := do(t, router, method, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body)
			}
		})
	}
}

func TestIncome_TotalFollowsWrites(t *testing.T) {
	router, _ := newRouter(t)
	signIn(t, router)

	total := decode[domain.IncomeTotal](t, do(t, router, http.MethodGet, "/v1/income/total", nil))
	if !total.Total.IsZero() || total.Count != 0 {
		t.Fatalf("initial total = %+v", total)
	}

	rec := do(t, router, http.MethodPost, "/v1/income", map[string]any{"amount": "1500", "source": "Salary", "income_date": "2024-03-01"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	id := decode[domain.SuccessResponse](t, rec).ID

	total = decode[domain.IncomeTotal](t, do(t, router, http.MethodGet, "/v1/income/total", nil))
	if total.Total.String() != "1500" || total.Count != 1 {
		t.Fatalf("total after create = %+v", total)
	}

	rec = do(t, router, http.MethodPatch, "/v1/income/"+id, map[string]any{"amount": "1750.25", "source": "Salary", "income_date": "2024-03-01"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}
	total = decode[domain.IncomeTotal](t, do(t, router, http.MethodGet, "/v1/income/total", nil))
	if total.Total.String() != "1750.25" {
		t.Errorf("total after update = %s", total.Total)
	}
}

func TestCategories_ConflictAndSummary(t *testing.T) {
	router, _ := newRouter(t)
	signIn(t, router)

	cat := map[string]any{"name": "Pets", "color": string(domain.ColorAmber), "icon": string(domain.IconHeart)}
	if rec := do(t, router, http.MethodPost, "/v1/categories", cat); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, router, http.MethodPost, "/v1/categories", cat); rec.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/v1/categories", map[string]any{"name": "Bad", "color": "#000000"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad color: expected 400, got %d", rec.Code)
	}

	do(t, router, http.MethodPost, "/v1/expenses", map[string]any{"amount": "40", "category": "Pets", "expense_date": "2024-03-02"})
	do(t, router, http.MethodPost, "/v1/income", map[string]any{"amount": "100", "source": "Gift", "income_date": "2024-03-02"})

	summary := decode[domain.Summary](t, do(t, router, http.MethodGet, "/v1/summary", nil))
	if summary.Balance.String() != "60" {
		t.Errorf("balance = %s", summary.Balance)
	}
	if len(summary.Expenses.ByCategory) != 1 || summary.Expenses.ByCategory[0].Color != domain.ColorAmber {
		t.Errorf("by category = %+v", summary.Expenses.ByCategory)
	}

	defaults := decode[[]string](t, do(t, router, http.MethodGet, "/v1/categories/defaults", nil))
	if len(defaults) != len(domain.DefaultExpenseCategories) {
		t.Errorf("defaults = %v", defaults)
	}
}

func TestLogout_EndsSession(t *testing.T) {
	router, _ := newRouter(t)
	signIn(t, router)

	if rec := do(t, router, http.MethodGet, "/v1/expenses", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while signed in, got %d", rec.Code)
	}
	rec := do(t, router, http.MethodPost, "/v1/auth/logout", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	if st := decode[domain.AuthStatusResponse](t, rec); st.Status != "unauthenticated" {
		t.Errorf("status after logout = %+v", st)
	}
	if rec := do(t, router, http.MethodGet, "/v1/expenses", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", rec.Code)
	}

	snap := decode[domain.CacheMetrics](t, do(t, router, http.MethodGet, "/v1/metrics/cache", nil))
	if snap.Entries != 0 || snap.Misses == 0 {
		t.Errorf("cache metrics = %+v", snap)
	}
}

func TestRequireSession_PutsPrincipalInContext(t *testing.T) {
	authn := localauth.New(zap.NewNop(), localauth.WithCost(bcrypt.MinCost))
	if _, err := authn.AddAccount(userID, "ana@example.com", "hunter22"); err != nil {
		t.Fatalf("add account: %v", err)
	}
	tracker := service.NewTracker(authn, memstore.New(), nil, zap.NewNop())
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(tracker.Close)

	var seen *domain.Principal
	h := handler.RequireSession(tracker, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = handler.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := do(t, h, http.MethodGet, "/", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 before sign-in, got %d", rec.Code)
	}
	if seen != nil {
		t.Fatal("handler ran without a session")
	}

	if _, err := tracker.SignIn(context.Background(), domain.Credentials{Email: "ana@example.com", Password: "hunter22"}); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 after sign-in, got %d", rec.Code)
	}
	if seen == nil || seen.ID != userID {
		t.Errorf("expected principal %s in context, got %+v", userID, seen)
	}
}
