// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the query and
// mutation layer from the concrete backend (Supabase, SQL, in-memory).
package port

import (
	"context"

	"github.com/nagesh-bhagelli/xpense/internal/domain"
)

// RemoteStore is the structured-query backend that owns every record.
// Each call is atomic from the caller's point of view.
type RemoteStore interface {
	// Query runs spec against collection and decodes the rows into dest,
	// which must be a pointer to a slice.
	Query(ctx context.Context, collection domain.Collection, spec domain.QuerySpec, dest any) error

	// Insert persists row and returns the server-assigned id.
	Insert(ctx context.Context, collection domain.Collection, row map[string]any) (string, error)

	// Update applies patch to the owner's row with the given id.
	Update(ctx context.Context, collection domain.Collection, owner, id string, patch map[string]any) error

	// Remove deletes the owner's row with the given id.
	Remove(ctx context.Context, collection domain.Collection, owner, id string) error
}

// Identity reports who is signed in.
type Identity interface {
	// CurrentPrincipal returns the principal of the current session, or
	// nil when there is none.
	CurrentPrincipal(ctx context.Context) (*domain.Principal, error)

	// OnAuthChange registers fn to be called once each time a session
	// starts, ends or is restored. A nil principal means signed out.
	OnAuthChange(fn func(*domain.Principal)) (unsubscribe func())
}

// Authenticator is an Identity that can also start and end sessions.
type Authenticator interface {
	Identity
	SignIn(ctx context.Context, email, password string) (*domain.Principal, error)
	SignUp(ctx context.Context, email, password string) (*domain.Principal, error)
	SignOut(ctx context.Context) error
	RecoverPassword(ctx context.Context, email string) error
}
