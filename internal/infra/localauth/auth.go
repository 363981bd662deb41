// Package localauth is an in-process identity provider for the SQL and
// memory backends. Accounts live in memory with bcrypt password hashes;
// there is no email delivery, so sign-up starts a session immediately.
package localauth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nagesh-bhagelli/xpense/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxFailedAttempts = 5
	lockDuration      = 15 * time.Minute
)

type account struct {
	principal   domain.Principal
	hash        []byte
	failed      int
	lockedUntil time.Time
}

// Authenticator implements port.Authenticator. It holds at most one
// session, like a single browser tab.
type Authenticator struct {
	logger *zap.Logger
	cost   int
	now    func() time.Time

	mu        sync.Mutex
	accounts  map[string]*account
	current   *domain.Principal
	listeners map[uint64]func(*domain.Principal)
	nextID    uint64
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(a *Authenticator) { a.cost = cost }
}

// New creates an Authenticator with no accounts.
func New(logger *zap.Logger, opts ...Option) *Authenticator {
	a := &Authenticator{
		logger:    logger,
		cost:      bcrypt.DefaultCost,
		now:       time.Now,
		accounts:  make(map[string]*account),
		listeners: make(map[uint64]func(*domain.Principal)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddAccount registers an account. An empty id gets a fresh UUID.
func (a *Authenticator) AddAccount(id, email, password string) (*domain.Principal, error) {
	email = normalizeEmail(email)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, &domain.ErrValidation{Field: "id", Message: "user id must be a UUID"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.accounts[email]; exists {
		return nil, &domain.ErrConflict{Message: "an account with this email already exists"}
	}
	acc := &account{principal: domain.Principal{ID: id, Email: email}, hash: hash}
	a.accounts[email] = acc
	p := acc.principal
	return &p, nil
}

// Restore starts a session for a known account without a password, the
// way a persisted browser session comes back on reload.
func (a *Authenticator) Restore(email string) error {
	a.mu.Lock()
	acc, ok := a.accounts[normalizeEmail(email)]
	a.mu.Unlock()
	if !ok {
		return &domain.ErrNotFound{Resource: "account", ID: email}
	}
	p := acc.principal
	a.replace(&p)
	return nil
}

// ============================================================
// port.Identity
// ============================================================

func (a *Authenticator) CurrentPrincipal(context.Context) (*domain.Principal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil, nil
	}
	p := *a.current
	return &p, nil
}

func (a *Authenticator) OnAuthChange(fn func(*domain.Principal)) func() {
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

// ============================================================
// port.Authenticator
// ============================================================

// SignIn checks the password. Five consecutive failures lock the account
// for fifteen minutes.
func (a *Authenticator) SignIn(_ context.Context, email, password string) (*domain.Principal, error) {
	email = normalizeEmail(email)

	a.mu.Lock()
	acc, ok := a.accounts[email]
	if !ok {
		a.mu.Unlock()
		return nil, &domain.ErrUnauthorized{Message: "Invalid login credentials"}
	}
	if a.now().Before(acc.lockedUntil) {
		remaining := acc.lockedUntil.Sub(a.now()).Minutes()
		a.mu.Unlock()
		return nil, &domain.ErrUnauthorized{
			Message: fmt.Sprintf("account temporarily locked, try again in %.0f minutes", remaining),
		}
	}
	hash := acc.hash
	a.mu.Unlock()

	// bcrypt is slow; compare outside the lock.
	err := bcrypt.CompareHashAndPassword(hash, []byte(password))

	a.mu.Lock()
	if err != nil {
		acc.failed++
		if acc.failed >= maxFailedAttempts {
			acc.lockedUntil = a.now().Add(lockDuration)
			acc.failed = 0
			a.logger.Warn("localauth: account locked after max attempts",
				zap.String("user_id", acc.principal.ID),
				zap.Duration("lock_duration", lockDuration),
			)
		}
		a.mu.Unlock()
		return nil, &domain.ErrUnauthorized{Message: "Invalid login credentials"}
	}
	acc.failed = 0
	p := acc.principal
	a.mu.Unlock()

	a.logger.Info("localauth: signed in", zap.String("user_id", p.ID))
	a.replace(&p)
	return &p, nil
}

// SignUp creates the account and signs it in.
func (a *Authenticator) SignUp(ctx context.Context, email, password string) (*domain.Principal, error) {
	p, err := a.AddAccount("", email, password)
	if err != nil {
		return nil, err
	}
	a.logger.Info("localauth: account registered", zap.String("user_id", p.ID))
	a.replace(p)
	return p, nil
}

func (a *Authenticator) SignOut(context.Context) error {
	a.replace(nil)
	return nil
}

// RecoverPassword has nobody to mail; it only logs. Unknown addresses are
// not reported, so the answer never reveals which emails have accounts.
func (a *Authenticator) RecoverPassword(_ context.Context, email string) error {
	a.mu.Lock()
	_, ok := a.accounts[normalizeEmail(email)]
	a.mu.Unlock()
	a.logger.Info("localauth: password recovery requested", zap.Bool("known_account", ok))
	return nil
}

// replace swaps the session and notifies listeners when the principal
// changed.
func (a *Authenticator) replace(p *domain.Principal) {
	a.mu.Lock()
	prev := a.current
	a.current = p
	fns := make([]func(*domain.Principal), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	if prev == nil && p == nil || prev != nil && p != nil && prev.ID == p.ID {
		return
	}
	for _, fn := range fns {
		fn(p)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
