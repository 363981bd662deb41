// Package service provides the use cases of the tracker: session-scoped
// cached views over the owner's records, and mutations that invalidate
// them once the remote store confirms.
package service

import (
	"context"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/nagesh-bhagelli/xpense/internal/auth"
	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/port"
	"github.com/nagesh-bhagelli/xpense/internal/query"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var trackerTracer = otel.Tracer("service/tracker")

// session is the cache owned by one signed-in principal. It is created when
// the principal signs in and torn down when they sign out.
type session struct {
	owner string
	cache *query.Cache
}

// Tracker is the data-sync layer the HTTP handlers and view binders talk to.
type Tracker struct {
	authn     port.Authenticator
	store     port.RemoteStore
	auth      *auth.State
	validate  *validator.Validate
	cacheOpts []query.Option
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu       sync.Mutex
	session  *session
	bindings map[*binding]struct{}
	stopAuth func()
}

// NewTracker wires the tracker to its collaborators. cacheOpts are applied
// to the cache of every session. Call Start to resolve the initial session.
func NewTracker(authn port.Authenticator, store port.RemoteStore, metrics *observability.Metrics, logger *zap.Logger, cacheOpts ...query.Option) *Tracker {
	t := &Tracker{
		authn:    authn,
		store:    store,
		validate: newValidator(),
		metrics:  metrics,
		logger:   logger,
		bindings: make(map[*binding]struct{}),
	}
	t.cacheOpts = append([]query.Option{query.WithMetrics(metrics), query.WithLogger(logger)}, cacheOpts...)
	t.auth = auth.NewState(authn, logger, metrics)
	t.stopAuth = t.auth.OnChange(t.onAuthChange)
	return t
}

// Start resolves the session the identity collaborator already holds.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, span := trackerTracer.Start(ctx, "Tracker.Start")
	defer span.End()

	st, err := t.auth.Resolve(ctx)
	if err != nil {
		return err
	}
	t.logger.Info("tracker started", zap.String("auth", string(st.Phase)))
	return nil
}

// Close tears down the current session and detaches from auth.
func (t *Tracker) Close() {
	t.stopAuth()
	t.auth.Close()
	t.endSession()
}

// AuthStatus returns the current auth state.
func (t *Tracker) AuthStatus() auth.Status {
	return t.auth.Current()
}

// WaitAuth blocks until the auth state settles.
func (t *Tracker) WaitAuth(ctx context.Context) (auth.Status, error) {
	return t.auth.Wait(ctx)
}

// CacheEntries is the number of entries in the current session's cache.
func (t *Tracker) CacheEntries() int {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess == nil {
		return 0
	}
	return sess.cache.Len()
}

// onAuthChange ends the old session before listeners return and opens a new
// one, re-attaching every live binding to it.
func (t *Tracker) onAuthChange(prev, next auth.Status) {
	if prev.Phase == auth.PhaseAuthenticated {
		t.endSession()
	}
	if next.Phase != auth.PhaseAuthenticated {
		return
	}

	sess := &session{owner: next.Owner(), cache: query.New(t.cacheOpts...)}
	t.mu.Lock()
	t.session = sess
	live := make([]*binding, 0, len(t.bindings))
	for b := range t.bindings {
		live = append(live, b)
	}
	t.mu.Unlock()

	t.logger.Info("session started",
		zap.String("principal_id", sess.owner),
		zap.Int("bindings", len(live)),
	)
	for _, b := range live {
		b.attach(sess)
	}
}

func (t *Tracker) endSession() {
	t.mu.Lock()
	sess := t.session
	t.session = nil
	t.mu.Unlock()
	if sess == nil {
		return
	}

	sess.cache.Clear()
	sess.cache.Close()
	t.logger.Info("session ended", zap.String("principal_id", sess.owner))
}

// currentSession returns the signed-in session or the reason there is none.
func (t *Tracker) currentSession() (*session, error) {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess != nil {
		return sess, nil
	}
	if t.auth.Current().Phase == auth.PhaseUnauthenticated {
		return nil, &domain.ErrUnauthorized{Message: "no active session"}
	}
	return nil, domain.ErrAuthUnresolved
}
