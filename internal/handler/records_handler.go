package handler

import (
	"context"
	"net/http"

	"github.com/nagesh-bhagelli/xpense/internal/criteria"
	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Listings - GET /v1/expenses, /v1/income, /v1/categories
// ============================================================

func listHandler[T any](route string, list func(context.Context, criteria.Criteria) (*service.View[[]T], error), logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET "+route)
		defer span.End()

		c, err := parseCriteria(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(
			attribute.String("user.id", principalID(ctx)),
			attribute.String("criteria.category", c.CategoryFilter),
			attribute.String("criteria.sort", string(c.SortField)+"."+string(c.SortDirection)),
		)

		view, err := list(ctx, c)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, viewResponse(view))
	}
}

// ============================================================
// Writes - POST, PATCH, DELETE
// ============================================================

func createHandler[In any](route string, create func(context.Context, In) (string, error), logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST "+route)
		defer span.End()
		span.SetAttributes(attribute.String("user.id", principalID(ctx)))

		var in In
		if err := decodeBody(r, &in); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		id, err := create(ctx, in)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, domain.SuccessResponse{Message: "created", ID: id})
	}
}

func updateHandler[In any](route string, update func(context.Context, string, In) error, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH "+route)
		defer span.End()

		id := chi.URLParam(r, "id")
		span.SetAttributes(attribute.String("user.id", principalID(ctx)), attribute.String("record.id", id))

		var in In
		if err := decodeBody(r, &in); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if err := update(ctx, id, in); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "updated", ID: id})
	}
}

func deleteHandler(route string, remove func(context.Context, string) error, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE "+route)
		defer span.End()

		id := chi.URLParam(r, "id")
		span.SetAttributes(attribute.String("user.id", principalID(ctx)), attribute.String("record.id", id))

		if err := remove(ctx, id); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "deleted", ID: id})
	}
}

// ============================================================
// Single records and aggregates
// ============================================================

func getExpenseHandler(tracker *service.Tracker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/expenses/{id}")
		defer span.End()

		view, err := tracker.Expense(ctx, chi.URLParam(r, "id"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view.Data)
	}
}

func incomeTotalHandler(tracker *service.Tracker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/income/total")
		defer span.End()

		view, err := tracker.IncomeTotal(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view.Data)
	}
}

func summaryHandler(tracker *service.Tracker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/summary")
		defer span.End()

		summary, err := tracker.Summary(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func defaultCategoriesHandler(tracker *service.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, tracker.DefaultCategories())
	}
}
