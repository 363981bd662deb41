// Package auth tracks who the tracker is working for.
//
// The state starts in resolving on every process start and settles to
// authenticated or unauthenticated once the identity collaborator answers.
// Nothing downstream may query while it is resolving.
package auth

import (
	"context"
	"sync"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
	"github.com/nagesh-bhagelli/xpense/internal/infra/observability"
	"github.com/nagesh-bhagelli/xpense/internal/port"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Phase is the state of the auth machine.
type Phase string

const (
	PhaseResolving       Phase = "resolving"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseUnauthenticated Phase = "unauthenticated"
)

// Status is a snapshot of the auth machine. Principal is set only when
// authenticated.
type Status struct {
	Phase     Phase
	Principal *domain.Principal
}

// Settled reports whether the phase is final for now.
func (s Status) Settled() bool { return s.Phase != PhaseResolving }

// Owner returns the principal id, or "" when not authenticated.
func (s Status) Owner() string {
	if s.Principal == nil {
		return ""
	}
	return s.Principal.ID
}

// Listener observes transitions. Listeners run synchronously, in order,
// on the goroutine that caused the transition and must not call Settle or
// BeginSignIn.
type Listener func(prev, next Status)

// State is the auth state machine.
type State struct {
	identity port.Identity
	logger   *zap.Logger
	metrics  *observability.Metrics
	group    singleflight.Group
	stop     func()

	// transition serializes transitions together with their listener
	// callbacks; mu guards the fields below it.
	transition sync.Mutex
	mu         sync.Mutex
	status     Status
	settled    chan struct{}
	listeners  map[uint64]Listener
	nextID     uint64
}

// NewState creates a resolving state machine fed by identity's change
// notifications. Call Resolve to ask for the current session.
func NewState(identity port.Identity, logger *zap.Logger, metrics *observability.Metrics) *State {
	s := &State{
		identity:  identity,
		logger:    logger,
		metrics:   metrics,
		status:    Status{Phase: PhaseResolving},
		settled:   make(chan struct{}),
		listeners: make(map[uint64]Listener),
	}
	s.stop = identity.OnAuthChange(s.Settle)
	return s
}

// Close detaches from the identity collaborator.
func (s *State) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// Current returns the current status.
func (s *State) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Resolve asks the identity collaborator for the current session and
// settles on the answer. Concurrent calls share one lookup. A lookup error
// settles to unauthenticated.
func (s *State) Resolve(ctx context.Context) (Status, error) {
	_, err, _ := s.group.Do("resolve", func() (any, error) {
		p, err := s.identity.CurrentPrincipal(ctx)
		if err != nil {
			s.logger.Warn("auth: session lookup failed", zap.Error(err))
			s.Settle(nil)
			return nil, err
		}
		s.Settle(p)
		return nil, nil
	})
	return s.Current(), err
}

// Wait blocks until the state is settled or ctx is done.
func (s *State) Wait(ctx context.Context) (Status, error) {
	for {
		s.mu.Lock()
		st, ch := s.status, s.settled
		s.mu.Unlock()

		if st.Settled() {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// BeginSignIn moves an unauthenticated state back to resolving while a
// sign-in is pending. It reports whether it did; an authenticated or
// already resolving state is left alone.
func (s *State) BeginSignIn() bool {
	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	prev := s.status
	if prev.Phase != PhaseUnauthenticated {
		s.mu.Unlock()
		return false
	}
	next := Status{Phase: PhaseResolving}
	s.status = next
	s.settled = make(chan struct{})
	listeners := s.listenersLocked()
	s.mu.Unlock()

	s.notify(listeners, prev, next)
	return true
}

// Settle moves the state to authenticated(p), or unauthenticated for a nil
// p. Repeating the current state is a no-op. Switching principals is
// reported as a sign-out followed by a sign-in.
func (s *State) Settle(p *domain.Principal) {
	next := Status{Phase: PhaseUnauthenticated}
	if p != nil && p.ID != "" {
		next = Status{Phase: PhaseAuthenticated, Principal: p}
	}

	s.transition.Lock()
	defer s.transition.Unlock()

	s.mu.Lock()
	prev := s.status
	if prev.Phase == next.Phase && prev.Owner() == next.Owner() {
		s.mu.Unlock()
		return
	}
	s.status = next
	if prev.Phase == PhaseResolving {
		close(s.settled)
	}
	listeners := s.listenersLocked()
	s.mu.Unlock()

	if prev.Phase == PhaseAuthenticated && next.Phase == PhaseAuthenticated {
		out := Status{Phase: PhaseUnauthenticated}
		s.notify(listeners, prev, out)
		s.notify(listeners, out, next)
		return
	}
	s.notify(listeners, prev, next)
}

// OnChange registers fn for every transition.
func (s *State) OnChange(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *State) listenersLocked() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for id := uint64(1); id <= s.nextID; id++ {
		if fn, ok := s.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (s *State) notify(listeners []Listener, prev, next Status) {
	s.metrics.IncrAuthTransition(string(next.Phase))
	s.logger.Info("auth: state changed",
		zap.String("from", string(prev.Phase)),
		zap.String("to", string(next.Phase)),
		zap.String("principal_id", next.Owner()),
	)
	for _, fn := range listeners {
		fn(prev, next)
	}
}
