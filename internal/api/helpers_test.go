package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/auth"
	"github.com/UnknownEngineOfficial/xteam/internal/db"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
)

type fakeUserRepo struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]*db.User
	byEml map[string]*db.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{byID: map[uuid.UUID]*db.User{}, byEml: map[string]*db.User{}}
}

func (r *fakeUserRepo) Create(ctx context.Context, user *db.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.Must(uuid.NewV7())
	}
	r.byID[user.ID] = user
	r.byEml[user.Email] = user
	return nil
}

func (r *fakeUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byEml[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (r *fakeUserRepo) Update(ctx context.Context, user *db.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[user.ID] = user
	r.byEml[user.Email] = user
	return nil
}

func (r *fakeUserRepo) List(ctx context.Context, opts repository.ListOptions) ([]db.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]db.User, 0, len(r.byID))
	for _, u := range r.byID {
		out = append(out, *u)
	}
	return out, nil
}

type fakeRefreshTokenRepo struct {
	mu       sync.Mutex
	byHash   map[string]*db.RefreshToken
	revoked  map[uuid.UUID]bool
}

func newFakeRefreshTokenRepo() *fakeRefreshTokenRepo {
	return &fakeRefreshTokenRepo{byHash: map[string]*db.RefreshToken{}, revoked: map[uuid.UUID]bool{}}
}

func (r *fakeRefreshTokenRepo) Create(ctx context.Context, token *db.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token.ID == uuid.Nil {
		token.ID = uuid.Must(uuid.NewV7())
	}
	r.byHash[token.TokenHash] = token
	return nil
}

func (r *fakeRefreshTokenRepo) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byHash[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (r *fakeRefreshTokenRepo) DeleteByHash(ctx context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byHash[hash]; !ok {
		return repository.ErrNotFound
	}
	delete(r.byHash, hash)
	return nil
}

func (r *fakeRefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[userID] = true
	for hash, t := range r.byHash {
		if t.UserID == userID {
			delete(r.byHash, hash)
		}
	}
	return nil
}

// testAuthService builds a real *auth.AuthService backed by fakes and an
// in-memory Redis (miniredis), so middleware and handler tests exercise the
// actual JWT validation and blacklist logic rather than a mock.
func testAuthService(t *testing.T) (*auth.AuthService, *fakeUserRepo, *fakeRefreshTokenRepo) {
	t.Helper()

	jwtManager, err := auth.NewJWTManagerGenerated("xteam-test", time.Minute)
	require.NoError(t, err)

	users := newFakeUserRepo()
	tokens := newFakeRefreshTokenRepo()

	local := auth.NewLocalAuthProvider(users, tokens, jwtManager, time.Hour)

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	blacklist := auth.NewBlacklist(rdb, zap.NewNop())

	svc := auth.NewAuthService(local, tokens, jwtManager, blacklist)
	return svc, users, tokens
}

func mustCreateActiveUser(t *testing.T, users *fakeUserRepo, email, password, role string) *db.User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)

	user := &db.User{
		Email:       email,
		Password:    db.EncryptedString(hash),
		DisplayName: email,
		Role:        role,
		IsActive:    true,
	}
	require.NoError(t, users.Create(context.Background(), user))
	return user
}
