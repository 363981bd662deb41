package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/config"
	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/handler"
	"github.com/nagesh-bhagelli/xpense/internal/infra/backend"
	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/query"
	"github.com/nagesh-bhagelli/xpense/internal/service"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// startServer runs the whole stack over a migrated SQLite file.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.StoreBackend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "xpense.db")
	cfg.LocalUserID = userID
	cfg.LocalUserEmail = "ana@example.com"
	cfg.LocalUserPassword = "hunter22"

	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	b, err := backend.New(context.Background(), cfg, metrics, logger)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	t.Cleanup(b.Cleanup)

	tracker := service.NewTracker(b.Identity, b.Store, metrics, logger, query.WithTick(10*time.Millisecond))
	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(tracker.Close)

	checks := []handler.HealthCheck{}
	for _, p := range b.Probes {
		checks = append(checks, handler.HealthCheck{Name: p.Name, Check: p.Check})
	}
	srv := httptest.NewServer(handler.NewRouter(tracker, metrics, logger, checks...))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// TestIntegration_FullFlow drives a session end to end: sign in, write
// records, read the cached views back, sign out.
func TestIntegration_FullFlow(t *testing.T) {
	srv := startServer(t)

	var health domain.HealthStatus
	if code := call(t, srv, http.MethodGet, "/healthz", nil, &health); code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", code)
	}
	if len(health.Services) != 1 || health.Services[0].Name != "sqlite" {
		t.Errorf("unexpected health services: %+v", health.Services)
	}

	if code := call(t, srv, http.MethodGet, "/v1/expenses", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 before login, got %d", code)
	}
	if code := call(t, srv, http.MethodPost, "/v1/auth/login", map[string]string{"email": "ana@example.com", "password": "hunter22"}, nil); code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", code)
	}

	// --- Writes ---
	var created domain.SuccessResponse
	if code := call(t, srv, http.MethodPost, "/v1/categories", map[string]any{"name": "Groceries", "color": "#10B981", "icon": "ShoppingBag"}, &created); code != http.StatusCreated {
		t.Fatalf("create category: expected 201, got %d", code)
	}

	expenses := []map[string]any{
		{"amount": "12.50", "category": "Groceries", "expense_date": "2024-03-02", "description": "market"},
		{"amount": "80", "category": "Groceries", "expense_date": "2024-03-05", "payment_method": "Debit Card"},
		{"amount": "9.99", "category": "Entertainment", "expense_date": "2024-03-01"},
	}
	var ids []string
	for _, e := range expenses {
		var res domain.SuccessResponse
		if code := call(t, srv, http.MethodPost, "/v1/expenses", e, &res); code != http.StatusCreated {
			t.Fatalf("create expense: expected 201, got %d", code)
		}
		ids = append(ids, res.ID)
	}

	// --- Reads ---
	var byAmount domain.ViewResponse[domain.Expense]
	if code := call(t, srv, http.MethodGet, "/v1/expenses?sort=amount&dir=desc", nil, &byAmount); code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", code)
	}
	if len(byAmount.Data) != 3 {
		t.Fatalf("expected 3 expenses, got %d", len(byAmount.Data))
	}
	if !byAmount.Data[0].Amount.Equal(decimal.NewFromInt(80)) || !byAmount.Data[2].Amount.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("expected numeric amount order, got %s, %s, %s",
			byAmount.Data[0].Amount, byAmount.Data[1].Amount, byAmount.Data[2].Amount)
	}

	var groceries domain.ViewResponse[domain.Expense]
	call(t, srv, http.MethodGet, "/v1/expenses?category=Groceries&from=2024-03-03", nil, &groceries)
	if len(groceries.Data) != 1 || groceries.Data[0].ID != ids[1] {
		t.Errorf("expected only the 80.00 grocery expense, got %+v", groceries.Data)
	}

	// --- Update is visible on the next read ---
	patch := map[string]any{"amount": "100", "category": "Groceries", "expense_date": "2024-03-05"}
	if code := call(t, srv, http.MethodPatch, "/v1/expenses/"+ids[1], patch, nil); code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", code)
	}
	var summary domain.ExpenseSummary
	if code := call(t, srv, http.MethodGet, "/v1/expenses/summary", nil, &summary); code != http.StatusOK {
		t.Fatalf("summary: expected 200, got %d", code)
	}
	if !summary.Total.Equal(decimal.RequireFromString("122.49")) || summary.Count != 3 {
		t.Errorf("expected total 122.49 over 3, got %s over %d", summary.Total, summary.Count)
	}

	// --- Unknown id ---
	if code := call(t, srv, http.MethodDelete, "/v1/expenses/6f1d0c1e-8a3b-4a55-9b4e-0c7a1d2e3f40", nil, nil); code != http.StatusNotFound {
		t.Errorf("delete unknown: expected 404, got %d", code)
	}

	// --- Sign out ---
	if code := call(t, srv, http.MethodPost, "/v1/auth/logout", nil, nil); code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", code)
	}
	if code := call(t, srv, http.MethodGet, "/v1/expenses", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("expected 401 after logout, got %d", code)
	}
}
