package auth

import "errors"

// Sentinel errors returned by auth providers and the auth service.
// Callers should use errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when email/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUserNotFound is returned when no user exists for the given identifier.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrUserDisabled is returned when the user account is inactive.
	ErrUserDisabled = errors.New("auth: user account is disabled")

	// ErrTokenExpired is returned when a JWT or refresh token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrRefreshTokenNotFound is returned when the provided refresh token
	// does not exist or has already been rotated out.
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")

	// ErrTokenRevoked is returned when a token is well-formed and unexpired
	// but has been explicitly revoked via the blacklist (logout, password
	// change, account disable). Distinguished from ErrTokenInvalid so callers
	// can tell "this was tampered with" apart from "this was deliberately
	// cut short".
	ErrTokenRevoked = errors.New("auth: token revoked")

	// ErrRateLimited reports an exhausted rate-limit bucket. No code path in
	// this repository returns it.
	ErrRateLimited = errors.New("auth: rate limited")
)