package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/UnknownEngineOfficial/xteam/internal/repository"
)

// AuthService is the single entry point the HTTP router and the WebSocket
// upgrade handler depend on for token-authority operations (spec component C1). It never exposes
// LocalAuthProvider or the blacklist directly so callers cannot bypass the
// revocation bookkeeping below.
type AuthService struct {
	local      *LocalAuthProvider
	tokenRepo  repository.RefreshTokenRepository
	jwtManager *JWTManager
	blacklist  *Blacklist
}

// NewAuthService creates an AuthService with the given dependencies.
func NewAuthService(
	local *LocalAuthProvider,
	tokenRepo repository.RefreshTokenRepository,
	jwtManager *JWTManager,
	blacklist *Blacklist,
) *AuthService {
	return &AuthService{
		local:      local,
		tokenRepo:  tokenRepo,
		jwtManager: jwtManager,
		blacklist:  blacklist,
	}
}

// Login authenticates a user via email and password.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	return s.local.Login(ctx, req)
}

// RefreshToken validates and rotates a refresh token.
func (s *AuthService) RefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	return s.local.RefreshToken(ctx, rawToken)
}

// Logout invalidates the given refresh token and blacklists the access token
// for the remainder of its natural lifetime, so a captured access token
// cannot keep working after the user has explicitly logged out.
func (s *AuthService) Logout(ctx context.Context, rawRefreshToken, rawAccessToken string, accessTokenExpiresAt time.Time) error {
	if err := s.local.Logout(ctx, rawRefreshToken); err != nil {
		return err
	}
	if rawAccessToken != "" {
		ttl := time.Until(accessTokenExpiresAt)
		if err := s.blacklist.RevokeToken(ctx, rawAccessToken, ttl); err != nil {
			return fmt.Errorf("auth: blacklisting access token on logout: %w", err)
		}
	}
	return nil
}

// LogoutAllSessions revokes every refresh token for a user and records a mass
// access-token revocation so every other instance rejects that user's
// existing access tokens immediately, not just once the refresh table catches
// up. refreshTokenTTL is how long the mass revocation is kept: the
// refresh-token lifetime, as Blacklist.RevokeAllForUser expects.
func (s *AuthService) LogoutAllSessions(ctx context.Context, userID uuid.UUID, refreshTokenTTL time.Duration) error {
	if err := s.tokenRepo.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("auth: revoking all sessions for user %s: %w", userID, err)
	}
	if err := s.blacklist.RevokeAllForUser(ctx, userID.String(), refreshTokenTTL); err != nil {
		return fmt.Errorf("auth: mass-revoking access tokens for user %s: %w", userID, err)
	}
	return nil
}

// ValidateAccessToken parses and verifies a JWT access token, then checks the
// blacklist — by the raw token string and by the owning user's mass
// revocation flag — before returning the claims. Used by the HTTP middleware
// and the WebSocket upgrade handler.
func (s *AuthService) ValidateAccessToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims, err := s.jwtManager.ValidateAccessToken(tokenString)
	if err != nil {
		return nil, err
	}

	if s.blacklist.IsRevoked(ctx, tokenString) {
		return nil, ErrTokenRevoked
	}

	if s.blacklist.IsUserRevoked(ctx, claims.UserID) {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// JWTManager exposes the underlying JWTManager for cases where the caller
// needs direct access, e.g. to serve a JWKS endpoint.
func (s *AuthService) JWTManager() *JWTManager {
	return s.jwtManager
}
