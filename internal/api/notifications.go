package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/db"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
)

// NotificationHandler groups the notification-related HTTP handlers.
// Notifications are scoped to the authenticated user — each user can only
// see and manage their own.
type NotificationHandler struct {
	repo   repository.NotificationRepository
	logger *zap.Logger
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(repo repository.NotificationRepository, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		repo:   repo,
		logger: logger.Named("notification_handler"),
	}
}

// notificationResponse is the JSON representation of a notification.
type notificationResponse struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Title     string  `json:"title"`
	Body      string  `json:"body"`
	Payload   string  `json:"payload"`
	ReadAt    *string `json:"read_at"`
	CreatedAt string  `json:"created_at"`
}

func notificationToResponse(n *db.Notification) notificationResponse {
	resp := notificationResponse{
		ID:        n.ID.String(),
		Type:      n.Type,
		Title:     n.Title,
		Body:      n.Body,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if n.ReadAt != nil {
		s := n.ReadAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.ReadAt = &s
	}
	return resp
}

type listNotificationsResponse struct {
	Items []notificationResponse `json:"items"`
}

// List handles GET /api/v1/notifications. Returns a page of notifications
// for the authenticated user, most recent first.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		ErrInternal(w)
		return
	}

	notifications, err := h.repo.ListByUser(r.Context(), userID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("user_id", claims.UserID), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]notificationResponse, len(notifications))
	for i := range notifications {
		items[i] = notificationToResponse(&notifications[i])
	}

	Ok(w, listNotificationsResponse{Items: items})
}

// MarkAsRead handles PATCH /api/v1/notifications/{id}/read. An id that does
// not belong to the authenticated user is reported as not found.
func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	var userID uuid.UUID
	if claims := claimsFromCtx(r.Context()); claims != nil {
		userID, _ = uuid.Parse(claims.UserID)
	}
	owned, err := h.repo.ListByUser(r.Context(), userID, repository.ListOptions{})
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	found := false
	for _, n := range owned {
		found = found || n.ID == id
	}
	if !found {
		ErrNotFound(w)
		return
	}

	if err := h.repo.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to mark notification as read", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// paginationOpts parses the ?limit= and ?offset= query parameters into a
// repository.ListOptions, defaulting limit to 50 when absent or invalid.
func paginationOpts(r *http.Request) repository.ListOptions {
	opts := repository.ListOptions{Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}

// parseUUIDParam parses the named Chi URL parameter as a UUID, writing a 400
// response and returning false on failure.
func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		ErrBadRequest(w, "invalid "+name)
		return uuid.UUID{}, false
	}
	return id, true
}
