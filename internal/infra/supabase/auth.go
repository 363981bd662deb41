package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// refreshMargin is how close to expiry a session is refreshed.
const refreshMargin = 2 * time.Minute

// Auth is the GoTrue identity collaborator (implements port.Authenticator
// and TokenSource). It holds at most one session.
type Auth struct {
	client    *Client
	jwtSecret []byte
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	session   *gotrueSession
	listeners map[uint64]func(*domain.Principal)
	nextID    uint64
	cron      *cron.Cron
}

type gotrueSession struct {
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	principal    *domain.Principal
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// NewAuth creates the identity collaborator. When jwtSecret is empty the
// access token claims are read without verifying the signature; GoTrue
// issued them over TLS and PostgREST verifies them on every call anyway.
func NewAuth(client *Client, jwtSecret string, logger *zap.Logger) *Auth {
	return &Auth{
		client:    client,
		jwtSecret: []byte(jwtSecret),
		logger:    logger,
		now:       time.Now,
		listeners: make(map[uint64]func(*domain.Principal)),
	}
}

// ============================================================
// Identity
// ============================================================

// CurrentPrincipal returns the principal of the held session, refreshing
// it first when it is about to expire.
func (a *Auth) CurrentPrincipal(ctx context.Context) (*domain.Principal, error) {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return nil, nil
	}
	if a.now().Add(refreshMargin).Before(s.expiresAt) {
		return s.principal, nil
	}
	// A failed refresh ends the session unless another one replaced it
	// meanwhile; either way the held session is the answer.
	_ = a.refresh(ctx, s.refreshToken, s)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, nil
	}
	return a.session.principal, nil
}

// OnAuthChange registers fn for session start, end and restore.
func (a *Auth) OnAuthChange(fn func(*domain.Principal)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// AccessToken returns the bearer token of the held session, or "".
func (a *Auth) AccessToken(_ context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return "", nil
	}
	return a.session.accessToken, nil
}

// ============================================================
// Sessions
// ============================================================

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn exchanges email and password for a session.
func (a *Auth) SignIn(ctx context.Context, email, password string) (*domain.Principal, error) {
	ctx, span := tracer.Start(ctx, "Supabase.SignIn")
	defer span.End()

	body, err := a.post(ctx, "token?grant_type=password", credentialsBody{Email: email, Password: password}, "")
	if err != nil {
		return nil, err
	}
	return a.establish(body)
}

// SignUp registers an account. When the project requires email
// confirmation GoTrue returns no session and the principal is nil.
func (a *Auth) SignUp(ctx context.Context, email, password string) (*domain.Principal, error) {
	ctx, span := tracer.Start(ctx, "Supabase.SignUp")
	defer span.End()

	body, err := a.post(ctx, "signup", credentialsBody{Email: email, Password: password}, "")
	if err != nil {
		return nil, err
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode signup: %w", err)
	}
	if tr.AccessToken == "" {
		a.logger.Info("supabase: signup awaiting email confirmation", zap.String("email", email))
		return nil, nil
	}
	return a.establish(body)
}

// SignOut revokes the session remotely and always drops it locally.
func (a *Auth) SignOut(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Supabase.SignOut")
	defer span.End()

	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return nil
	}

	_, err := a.post(ctx, "logout", struct{}{}, s.accessToken)
	a.replace(nil)
	return err
}

// RecoverPassword asks GoTrue to mail a password reset link.
func (a *Auth) RecoverPassword(ctx context.Context, email string) error {
	ctx, span := tracer.Start(ctx, "Supabase.RecoverPassword")
	defer span.End()

	_, err := a.post(ctx, "recover", map[string]string{"email": email}, "")
	return err
}

// Restore starts a session from a refresh token kept by the operator.
func (a *Auth) Restore(ctx context.Context, refreshToken string) error {
	return a.refresh(ctx, refreshToken, nil)
}

// refresh trades refreshToken for a new session. When held is set the
// outcome is installed only if held is still the current session, so a
// sign-in that lands while the call is in flight is kept.
func (a *Auth) refresh(ctx context.Context, refreshToken string, held *gotrueSession) error {
	body, err := a.post(ctx, "token?grant_type=refresh_token", map[string]string{"refresh_token": refreshToken}, "")
	var next *gotrueSession
	if err == nil {
		next, err = a.parseSession(body)
	}

	still := func(cur *gotrueSession) bool {
		return held == nil || (cur != nil && cur.refreshToken == held.refreshToken)
	}
	if err != nil {
		a.logger.Warn("supabase: session refresh failed", zap.Error(err))
		if !a.swap(nil, still) {
			a.logger.Debug("supabase: failed refresh superseded by a newer session")
		}
		return err
	}
	if !a.swap(next, still) {
		a.logger.Debug("supabase: refreshed session superseded by a newer session")
	}
	return nil
}

// StartRefresher refreshes the session on schedule (cron syntax) whenever
// it is close to expiry. A failed refresh ends the session.
func (a *Auth) StartRefresher(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, a.refreshIfExpiring); err != nil {
		return fmt.Errorf("session refresh schedule %q: %w", schedule, err)
	}
	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	c.Start()
	return nil
}

// Stop stops the refresher.
func (a *Auth) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (a *Auth) refreshIfExpiring() {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil || a.now().Add(refreshMargin).Before(s.expiresAt) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.refresh(ctx, s.refreshToken, s)
}

// establish installs the session in a token response and announces it.
func (a *Auth) establish(body []byte) (*domain.Principal, error) {
	s, err := a.parseSession(body)
	if err != nil {
		return nil, err
	}
	a.replace(s)
	return s.principal, nil
}

func (a *Auth) parseSession(body []byte) (*gotrueSession, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	p, exp, err := a.principalFromToken(tr.AccessToken)
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: err.Error()}
	}
	if exp.IsZero() && tr.ExpiresIn > 0 {
		exp = a.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return &gotrueSession{
		accessToken:  tr.AccessToken,
		refreshToken: tr.RefreshToken,
		expiresAt:    exp,
		principal:    p,
	}, nil
}

// replace swaps the held session unconditionally.
func (a *Auth) replace(s *gotrueSession) {
	a.swap(s, nil)
}

// swap installs s when ok (nil means always) accepts the current session,
// and notifies listeners when the principal changed.
func (a *Auth) swap(s *gotrueSession, ok func(cur *gotrueSession) bool) bool {
	a.mu.Lock()
	prev := a.session
	if ok != nil && !ok(prev) {
		a.mu.Unlock()
		return false
	}
	a.session = s
	fns := make([]func(*domain.Principal), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	var before, after *domain.Principal
	if prev != nil {
		before = prev.principal
	}
	if s != nil {
		after = s.principal
	}
	if samePrincipal(before, after) {
		return true
	}
	for _, fn := range fns {
		fn(after)
	}
	return true
}

func samePrincipal(a, b *domain.Principal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

// principalFromToken reads the subject and email claims of a GoTrue
// access token. The subject must be a UUID.
func (a *Auth) principalFromToken(token string) (*domain.Principal, time.Time, error) {
	if token == "" {
		return nil, time.Time{}, errors.New("empty access token")
	}

	claims := jwt.MapClaims{}
	var err error
	if len(a.jwtSecret) > 0 {
		_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return a.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	} else {
		_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid access token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("invalid access token subject: %w", err)
	}
	if _, err := uuid.Parse(sub); err != nil {
		return nil, time.Time{}, fmt.Errorf("access token subject %q is not a user id", sub)
	}
	email, _ := claims["email"].(string)

	var exp time.Time
	if nd, err := claims.GetExpirationTime(); err == nil && nd != nil {
		exp = nd.Time
	}
	return &domain.Principal{ID: sub, Email: email}, exp, nil
}

// post calls a GoTrue endpoint once. Rejected credentials become
// ErrUnauthorized.
func (a *Auth) post(ctx context.Context, path string, payload any, bearer string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out, err := a.client.write(ctx, request{
		method: http.MethodPost,
		api:    "auth",
		path:   path,
		body:   body,
		bearer: bearer,
	})
	if err == nil {
		return out, nil
	}

	var serr *statusError
	if errors.As(err, &serr) && (serr.Status == http.StatusBadRequest || serr.Status == http.StatusUnauthorized) {
		return nil, &domain.ErrUnauthorized{Message: apiMessage(serr.Body, "invalid credentials")}
	}
	return nil, a.client.translate("supabase/auth", err)
}
