package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Blacklist tracks access tokens and users that have been explicitly revoked
// ahead of natural expiry (logout, password change, account disable). It is
// backed by Redis so that revocation is visible to every server instance
// immediately, without waiting for a token's own TTL to elapse.
//
// Reads fail open: if Redis cannot be reached, IsRevoked and IsUserRevoked
// return false rather than an error, so an outage degrades to "tokens behave
// as if nothing were ever revoked" instead of locking every user out. Writes
// fail closed — RevokeToken and RevokeAllForUser return the Redis error so
// the caller can tell the operator revocation did not take effect.
type Blacklist struct {
	rdb *redis.Client
	log *zap.Logger
}

const (
	tokenBlacklistPrefix = "token_blacklist:"
	userBlacklistPrefix  = "token_blacklist:user:"
)

// NewBlacklist returns a Blacklist backed by the given Redis client.
func NewBlacklist(rdb *redis.Client, log *zap.Logger) *Blacklist {
	return &Blacklist{rdb: rdb, log: log.Named("blacklist")}
}

// RevokeToken marks the access token identified by token as revoked until ttl
// elapses. Callers should pass the remaining time until the token's natural
// expiry so the blacklist entry never outlives the token it guards.
func (b *Blacklist) RevokeToken(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.rdb.Set(ctx, tokenBlacklistPrefix+token, "revoked", ttl).Err()
}

// IsRevoked reports whether the given raw token string has been individually
// revoked. On a Redis error it logs and returns false (fail open).
func (b *Blacklist) IsRevoked(ctx context.Context, token string) bool {
	n, err := b.rdb.Exists(ctx, tokenBlacklistPrefix+token).Result()
	if err != nil {
		b.log.Warn("blacklist read failed, failing open", zap.Error(err))
		return false
	}
	return n > 0
}

// RevokeAllForUser marks every access token belonging to userID as revoked
// for ttl (the refresh-token lifetime, per the key-space contract). A user
// who logs back in during that window will still be blocked — the mass
// revocation is a blunt, time-bounded instrument for security events, not a
// per-issuance flag.
func (b *Blacklist) RevokeAllForUser(ctx context.Context, userID string, ttl time.Duration) error {
	return b.rdb.Set(ctx, userBlacklistPrefix+userID, "all_revoked", ttl).Err()
}

// IsUserRevoked reports whether userID currently has an active mass
// revocation. On a Redis error it logs and returns false (fail open).
func (b *Blacklist) IsUserRevoked(ctx context.Context, userID string) bool {
	n, err := b.rdb.Exists(ctx, userBlacklistPrefix+userID).Result()
	if err != nil {
		b.log.Warn("blacklist read failed, failing open", zap.Error(err))
		return false
	}
	return n > 0
}
