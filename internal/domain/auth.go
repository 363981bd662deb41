package domain

// ============================================================
// Identity
// ============================================================

// Principal is the authenticated user every query is scoped to.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Credentials is the body of POST /v1/auth/login and /v1/auth/signup.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

// RecoverRequest is the body of POST /v1/auth/recover.
type RecoverRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// AuthStatusResponse is returned by GET /v1/auth/status.
type AuthStatusResponse struct {
	Status    string     `json:"status"` // resolving, authenticated, unauthenticated
	Principal *Principal `json:"principal,omitempty"`
}
