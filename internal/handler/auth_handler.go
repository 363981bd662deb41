package handler

import (
	"net/http"

	"github.com/nagesh-bhagelli/xpense/internal/auth"
	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// Auth - /v1/auth
// ============================================================

func statusResponse(st auth.Status) domain.AuthStatusResponse {
	return domain.AuthStatusResponse{Status: string(st.Phase), Principal: st.Principal}
}

func authLoginHandler(tracker *service.Tracker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/login")
		defer span.End()

		var creds domain.Credentials
		if err := decodeBody(r, &creds); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if _, err := tracker.SignIn(ctx, creds); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse(tracker.AuthStatus()))
	}
}

// authSignupHandler answers 201 with the new session, or 202 when the
// account awaits email confirmation.
func authSignupHandler(tracker *service.Tracker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/signup")
		defer span.End()

		var creds domain.Credentials
		if err := decodeBody(r, &creds); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		p, err := tracker.SignUp(ctx, creds)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		status := http.StatusCreated
		if p == nil {
			status = http.StatusAccepted
		}
		writeJSON(w, status, statusResponse(tracker.AuthStatus()))
	}
}

// authLogoutHandler always ends the local session; a failed remote revoke
// is reported but the response still shows the signed-out state.
func authLogoutHandler(tracker *service.Tracker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/logout")
		defer span.End()

		if err := tracker.SignOut(ctx); err != nil {
			logger.Warn("logout: remote revoke failed", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, statusResponse(tracker.AuthStatus()))
	}
}

func authRecoverHandler(tracker *service.Tracker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/recover")
		defer span.End()

		var req domain.RecoverRequest
		if err := decodeBody(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if err := tracker.RecoverPassword(ctx, req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "if the address has an account, a reset link is on its way"})
	}
}

func authStatusHandler(tracker *service.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse(tracker.AuthStatus()))
	}
}
