// Package websocket implements the transport for the bidirectional client
// session: upgrading the HTTP connection, framing inbound commands to the
// message router, and framing outbound responses and streamed events back
// to the peer.
package websocket

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// errSendBufferFull is returned by Client.Send when the peer's outbound
// buffer is full — the registry treats this as a reason to disconnect.
var errSendBufferFull = errors.New("websocket: send buffer full")

// ConnectionAck is the frame sent immediately after a successful upgrade,
// before any command is accepted.
type ConnectionAck struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	ProjectID    *string   `json:"project_id,omitempty"`
	ExecutionID  *string   `json:"execution_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewConnectionAck builds the ack frame for one newly accepted connection.
func NewConnectionAck(connectionID string, userID uuid.UUID, projectID, executionID *uuid.UUID) ConnectionAck {
	ack := ConnectionAck{
		Type:         "connection_ack",
		ConnectionID: connectionID,
		UserID:       userID.String(),
		Timestamp:    time.Now(),
	}
	if projectID != nil {
		s := projectID.String()
		ack.ProjectID = &s
	}
	if executionID != nil {
		s := executionID.String()
		ack.ExecutionID = &s
	}
	return ack
}
