package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/auth"
	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
	"github.com/UnknownEngineOfficial/xteam/internal/router"
	"github.com/UnknownEngineOfficial/xteam/internal/websocket"
)

// WSHandler serves the three bidirectional session endpoints: global,
// project-scoped, and execution-scoped. Authentication uses a JWT passed as
// the `token` query parameter — browsers cannot set custom headers on
// connections opened via the native WebSocket API.
type WSHandler struct {
	authSvc  *auth.AuthService
	conns    *registry.Registry
	bus      *eventbus.Bus
	msgRoute *router.Router
	logger   *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(authSvc *auth.AuthService, conns *registry.Registry, bus *eventbus.Bus, msgRoute *router.Router, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		authSvc:  authSvc,
		conns:    conns,
		bus:      bus,
		msgRoute: msgRoute,
		logger:   logger.Named("ws_handler"),
	}
}

// ServeGlobal handles GET /api/v1/ws.
func (h *WSHandler) ServeGlobal(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, nil, nil)
}

// ServeProject handles GET /api/v1/projects/{project_id}/ws.
func (h *WSHandler) ServeProject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "project_id"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.serve(w, r, &id, nil)
}

// ServeExecution handles GET /api/v1/executions/{execution_id}/ws.
func (h *WSHandler) ServeExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "execution_id"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.serve(w, r, nil, &id)
}

// serve authenticates the handshake, upgrades the connection, registers it
// with the connection registry, sends the connection_ack frame, and blocks
// running the session until it closes.
func (h *WSHandler) serve(w http.ResponseWriter, r *http.Request, projectID, executionID *uuid.UUID) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	claims, err := h.authSvc.ValidateAccessToken(r.Context(), tokenStr)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	connectionID := uuid.NewString()
	sess := &router.Session{
		ConnectionID: connectionID,
		UserID:       userID,
		ProjectID:    projectID,
		ExecutionID:  executionID,
	}

	client, err := websocket.NewClient(w, r, h.msgRoute, sess, h.logger)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.String("user_id", claims.UserID), zap.Error(err))
		return
	}

	projectStr := ""
	if projectID != nil {
		projectStr = projectID.String()
	}
	h.conns.Connect(connectionID, claims.UserID, projectStr, client)
	defer h.conns.Disconnect(connectionID)

	// Scoped connections are, by default, subscribed to every event for
	// their scope; a client may narrow this later via the "subscribe"
	// command. Global connections receive nothing until they subscribe.
	if projectID != nil || executionID != nil {
		filter := eventbus.EventFilter{}
		if projectID != nil {
			filter.ProjectIDs = []string{projectID.String()}
		}
		if executionID != nil {
			filter.ExecutionIDs = []string{executionID.String()}
		}
		h.bus.Subscribe(connectionID, sess.Deliver, filter)
		defer h.bus.Unsubscribe(connectionID)
	}

	if err := client.Send(websocket.NewConnectionAck(connectionID, userID, projectID, executionID)); err != nil {
		h.logger.Warn("ws: failed to queue connection ack", zap.Error(err))
	}

	h.logger.Info("ws: client connected",
		zap.String("user_id", claims.UserID),
		zap.String("connection_id", connectionID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("user_id", claims.UserID),
		zap.String("connection_id", connectionID),
	)
}
