package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/criteria"
	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeBody(r *http.Request, dest any) error {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return &domain.ErrValidation{Field: "body", Message: "invalid request body: " + err.Error()}
	}
	return nil
}

// parseCriteria reads the list query parameters: search, category, from,
// to (YYYY-MM-DD), sort (date|amount) and dir (asc|desc).
func parseCriteria(r *http.Request) (criteria.Criteria, error) {
	q := r.URL.Query()
	c := criteria.Default()
	c.SearchText = q.Get("search")
	if v := q.Get("category"); v != "" {
		c.CategoryFilter = v
	}

	for _, p := range []struct {
		name string
		dest *domain.Date
	}{{"from", &c.DateFrom}, {"to", &c.DateTo}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		d, err := domain.ParseDate(v)
		if err != nil {
			return c, &domain.ErrValidation{Field: p.name, Message: err.Error()}
		}
		*p.dest = d
	}

	switch v := strings.ToLower(q.Get("sort")); v {
	case "":
	case string(criteria.SortByDate), string(criteria.SortByAmount):
		c.SortField = criteria.SortField(v)
	default:
		return c, &domain.ErrValidation{Field: "sort", Message: "must be date or amount"}
	}
	switch v := strings.ToLower(q.Get("dir")); v {
	case "":
	case string(criteria.Asc), string(criteria.Desc):
		c.SortDirection = criteria.SortDirection(v)
	default:
		return c, &domain.ErrValidation{Field: "dir", Message: "must be asc or desc"}
	}
	return c.Normalize(), nil
}

func viewResponse[T any](v *service.View[[]T]) domain.ViewResponse[T] {
	data := v.Data
	if data == nil {
		data = []T{}
	}
	resp := domain.ViewResponse[T]{Key: v.Key, Status: string(v.Status), Data: data}
	if !v.UpdatedAt.IsZero() {
		resp.UpdatedAt = v.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// handleServiceError maps domain errors to HTTP responses. Wrapped causes
// are matched before their wrappers, so a remote not-found inside a failed
// mutation still answers 404.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var validation *domain.ErrValidation
	var notFound *domain.ErrNotFound
	var conflict *domain.ErrConflict
	var unauthorized *domain.ErrUnauthorized
	var circuitOpen *domain.ErrCircuitOpen
	var external *domain.ErrExternalService
	var queryFailed *domain.ErrRemoteQueryFailed
	var mutationFailed *domain.ErrRemoteMutationFailed

	switch {
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Message, Field: validation.Field})
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		logger.Debug("conflict", zap.String("error", err.Error()))
		writeError(w, http.StatusConflict, conflict.Error())
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, unauthorized.Error())
	case errors.Is(err, domain.ErrAuthUnresolved):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &circuitOpen):
		logger.Error("circuit breaker open", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, circuitOpen.Error())
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("request timeout", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	case errors.As(err, &external), errors.As(err, &queryFailed), errors.As(err, &mutationFailed):
		logger.Error("remote store failure", zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
