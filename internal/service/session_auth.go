package service

import (
	"context"
	"strings"

	"github.com/nagesh-bhagelli/xpense/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Sign in / sign up - POST /v1/auth/login, /v1/auth/signup
// ============================================================

// SignIn starts a session. While the identity collaborator answers the
// auth state is resolving, so no view queries with a half-known owner.
func (t *Tracker) SignIn(ctx context.Context, creds domain.Credentials) (*domain.Principal, error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.SignIn")
	defer span.End()

	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))
	if err := t.check(creds); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("email", creds.Email))

	began := t.auth.BeginSignIn()
	p, err := t.authn.SignIn(ctx, creds.Email, creds.Password)
	if err != nil {
		if began {
			t.auth.Settle(nil)
		}
		t.logger.Warn("sign-in failed", zap.String("email", creds.Email), zap.Error(err))
		return nil, err
	}

	t.auth.Settle(p)
	return p, nil
}

// SignUp registers an account. The backend may hold the session back until
// the email address is confirmed, in which case the principal is nil and
// the state stays unauthenticated.
func (t *Tracker) SignUp(ctx context.Context, creds domain.Credentials) (*domain.Principal, error) {
	ctx, span := trackerTracer.Start(ctx, "Tracker.SignUp")
	defer span.End()

	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))
	if err := t.check(creds); err != nil {
		return nil, err
	}

	began := t.auth.BeginSignIn()
	p, err := t.authn.SignUp(ctx, creds.Email, creds.Password)
	if err != nil {
		if began {
			t.auth.Settle(nil)
		}
		return nil, err
	}

	switch {
	case p != nil:
		t.auth.Settle(p)
	case began:
		t.auth.Settle(nil)
	}
	t.logger.Info("account registered", zap.String("email", creds.Email), zap.Bool("session", p != nil))
	return p, nil
}

// ============================================================
// Sign out - POST /v1/auth/logout
// ============================================================

// SignOut ends the session locally even when the backend call fails; every
// cache entry is gone before it returns.
func (t *Tracker) SignOut(ctx context.Context) error {
	ctx, span := trackerTracer.Start(ctx, "Tracker.SignOut")
	defer span.End()

	err := t.authn.SignOut(ctx)
	if err != nil {
		t.logger.Warn("remote sign-out failed, ending session locally", zap.Error(err))
	}
	t.auth.Settle(nil)
	return err
}

// RecoverPassword asks the backend to mail a reset link.
func (t *Tracker) RecoverPassword(ctx context.Context, req domain.RecoverRequest) error {
	ctx, span := trackerTracer.Start(ctx, "Tracker.RecoverPassword")
	defer span.End()

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if err := t.check(req); err != nil {
		return err
	}
	return t.authn.RecoverPassword(ctx, req.Email)
}
