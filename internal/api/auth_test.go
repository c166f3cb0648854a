package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/auth"
)

func TestLoginSucceedsWithValidCredentials(t *testing.T) {
	svc, users, _ := testAuthService(t)
	mustCreateActiveUser(t, users, "dev@example.com", "hunter2", "user")

	handler := NewAuthHandler(svc, zap.NewNop())

	body, _ := json.Marshal(loginRequest{Email: "dev@example.com", Password: "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.Login(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data tokenPairResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Data.AccessToken)
	assert.NotEmpty(t, resp.Data.RefreshToken)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	svc, users, _ := testAuthService(t)
	mustCreateActiveUser(t, users, "dev@example.com", "hunter2", "user")

	handler := NewAuthHandler(svc, zap.NewNop())

	body, _ := json.Marshal(loginRequest{Email: "dev@example.com", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.Login(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsMissingFields(t *testing.T) {
	svc, _, _ := testAuthService(t)
	handler := NewAuthHandler(svc, zap.NewNop())

	body, _ := json.Marshal(loginRequest{Email: "", Password: ""})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.Login(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, users, _ := testAuthService(t)
	mustCreateActiveUser(t, users, "dev@example.com", "hunter2", "user")

	pair, err := svc.Login(context.Background(), auth.LoginRequest{Email: "dev@example.com", Password: "hunter2"})
	require.NoError(t, err)

	handler := NewAuthHandler(svc, zap.NewNop())

	body, _ := json.Marshal(refreshRequest{RefreshToken: pair.RefreshToken})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.Refresh(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data tokenPairResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, pair.RefreshToken, resp.Data.RefreshToken)
}

func TestRefreshRejectsUnknownToken(t *testing.T) {
	svc, _, _ := testAuthService(t)
	handler := NewAuthHandler(svc, zap.NewNop())

	body, _ := json.Marshal(refreshRequest{RefreshToken: "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.Refresh(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	svc, users, _ := testAuthService(t)
	mustCreateActiveUser(t, users, "dev@example.com", "hunter2", "user")

	pair, err := svc.Login(context.Background(), auth.LoginRequest{Email: "dev@example.com", Password: "hunter2"})
	require.NoError(t, err)

	handler := NewAuthHandler(svc, zap.NewNop())

	body, _ := json.Marshal(logoutRequest{RefreshToken: pair.RefreshToken})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	handler.Logout(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err = svc.RefreshToken(context.Background(), pair.RefreshToken)
	assert.Error(t, err)
}

func TestBearerTokenExtractsRawToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(req))
}

func TestBearerTokenEmptyWithoutHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", bearerToken(req))
}
