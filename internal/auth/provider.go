package auth

import (
	"context"
	"time"
)

// AuthProvider is the interface the token authority implements for the
// email/password login path. It exists as an interface — rather than a
// concrete LocalAuthProvider reference everywhere — so AuthService stays
// substitutable in tests and so a second provider could be added later
// without touching callers.
type AuthProvider interface {
	// Login authenticates a user and returns a token pair on success.
	// The access token is a signed JWT; the refresh token is an opaque string
	// the caller is responsible for returning to the client.
	Login(ctx context.Context, req LoginRequest) (*TokenPair, error)

	// RefreshToken validates a refresh token, rotates it, and returns a new
	// token pair. The old refresh token is invalidated after this call.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)

	// Logout invalidates the given refresh token so it cannot be used again.
	Logout(ctx context.Context, refreshToken string) error

	// ProviderType returns a string identifier for this provider, used for
	// logging.
	ProviderType() string
}

// LoginRequest carries credentials for an email/password login attempt.
type LoginRequest struct {
	Email    string
	Password string
}

// TokenPair is returned after a successful login or token refresh.
type TokenPair struct {
	AccessToken string

	// RefreshToken is the raw opaque token string. Callers are responsible
	// for transport (response body, httpOnly cookie) — this struct does not
	// carry transport metadata.
	RefreshToken string

	// RefreshTokenExpiresAt is used by the caller to set cookie Max-Age /
	// Expires, or to report session expiry to the client.
	RefreshTokenExpiresAt time.Time
}
