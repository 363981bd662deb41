package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// HealthCheck probes one dependency for GET /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(tracker *service.Tracker, metrics *observability.Metrics, logger *zap.Logger, checks ...HealthCheck) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(checks, logger))
	r.Get("/readyz", readyzHandler(tracker))
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/cache", cacheMetricsHandler(tracker, metrics))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", authLoginHandler(tracker, logger))
			r.Post("/signup", authSignupHandler(tracker, logger))
			r.Post("/logout", authLogoutHandler(tracker, logger))
			r.Post("/recover", authRecoverHandler(tracker, logger))
			r.Get("/status", authStatusHandler(tracker))
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireSession(tracker, logger))

			// Expenses
			r.Get("/expenses", listHandler("/v1/expenses", tracker.Expenses, logger))
			r.Post("/expenses", createHandler("/v1/expenses", tracker.CreateExpense, logger))
			r.Get("/expenses/summary", expenseSummaryHandler(tracker, logger))
			r.Get("/expenses/{id}", getExpenseHandler(tracker, logger))
			r.Patch("/expenses/{id}", updateHandler("/v1/expenses/{id}", tracker.UpdateExpense, logger))
			r.Delete("/expenses/{id}", deleteHandler("/v1/expenses/{id}", tracker.DeleteExpense, logger))

			// Income
			r.Get("/income", listHandler("/v1/income", tracker.Income, logger))
			r.Post("/income", createHandler("/v1/income", tracker.CreateIncome, logger))
			r.Get("/income/total", incomeTotalHandler(tracker, logger))
			r.Patch("/income/{id}", updateHandler("/v1/income/{id}", tracker.UpdateIncome, logger))
			r.Delete("/income/{id}", deleteHandler("/v1/income/{id}", tracker.DeleteIncome, logger))

			// Categories
			r.Get("/categories", listHandler("/v1/categories", tracker.Categories, logger))
			r.Post("/categories", createHandler("/v1/categories", tracker.CreateCategory, logger))
			r.Get("/categories/defaults", defaultCategoriesHandler(tracker))
			r.Patch("/categories/{id}", updateHandler("/v1/categories/{id}", tracker.UpdateCategory, logger))
			r.Delete("/categories/{id}", deleteHandler("/v1/categories/{id}", tracker.DeleteCategory, logger))

			// Dashboard
			r.Get("/summary", summaryHandler(tracker, logger))
		})
	})

	return r
}

// ============================================================
// Operational
// ============================================================

// healthzHandler answers 200 when every check passes and 503 otherwise.
func healthzHandler(checks []HealthCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		health := domain.HealthStatus{Status: "healthy", Services: []domain.ServiceHealth{}}
		for _, c := range checks {
			start := time.Now()
			status := "up"
			if err := c.Check(ctx); err != nil {
				status = "down"
				health.Status = "unhealthy"
				logger.Warn("health check failed", zap.String("service", c.Name), zap.Error(err))
			}
			health.Services = append(health.Services, domain.ServiceHealth{
				Name:        c.Name,
				Status:      status,
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: time.Now().UTC().Format(time.RFC3339),
			})
		}

		code := http.StatusOK
		if health.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// readyzHandler is ready once the auth state has settled either way.
func readyzHandler(tracker *service.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := tracker.AuthStatus()
		if !st.Settled() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "resolving"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func cacheMetricsHandler(tracker *service.Tracker, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.GetCacheSnapshot(tracker.CacheEntries()))
	}
}

func expenseSummaryHandler(tracker *service.Tracker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/expenses/summary")
		defer span.End()

		view, err := tracker.ExpenseSummary(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view.Data)
	}
}
