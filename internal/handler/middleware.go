package handler

import (
	"context"
	"net/http"

	"github.com/nagesh-bhagelli/xpense/internal/auth"
	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/service"

	"go.uber.org/zap"
)

type contextKey string

const principalKey contextKey = "principal"

// RequireSession waits for the auth state to settle and rejects requests
// without a signed-in principal.
func RequireSession(tracker *service.Tracker, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st, err := tracker.WaitAuth(r.Context())
			if err != nil {
				logger.Warn("auth: state did not settle",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				writeError(w, http.StatusServiceUnavailable, domain.ErrAuthUnresolved.Error())
				return
			}
			if st.Phase != auth.PhaseAuthenticated {
				writeError(w, http.StatusUnauthorized, "sign in required")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, st.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext returns the principal RequireSession admitted.
func PrincipalFromContext(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(principalKey).(*domain.Principal)
	return p
}

func principalID(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.ID
	}
	return ""
}
