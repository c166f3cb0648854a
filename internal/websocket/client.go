package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
	"github.com/UnknownEngineOfficial/xteam/internal/router"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a ping frame to the client.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size in bytes accepted from the client.
	// Commands carry small JSON payloads, not file contents.
	maxMessageSize = 1 << 16

	// sendBufferSize is the capacity of the per-client outbound buffer. A
	// client whose buffer fills up is considered too slow and is
	// disconnected so it cannot stall delivery to anyone else.
	sendBufferSize = 64
)

// upgrader performs the HTTP -> WebSocket protocol upgrade. CheckOrigin
// always returns true — origin validation is the responsibility of the
// reverse proxy in front of this server.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected session. It implements registry.Handle so the
// connection registry can address it without knowing about WebSocket
// framing, and it implements the command side of the protocol: every
// inbound frame is unmarshalled and handed to the router, and the router's
// response is written back as the next outbound frame.
type Client struct {
	conn   *websocket.Conn
	send   chan any
	router *router.Router
	sess   *router.Session
	logger *zap.Logger

	closeOnce chan struct{}
}

var _ registry.Handle = (*Client)(nil)

// NewClient upgrades the HTTP connection and constructs a Client bound to
// sess. sess.ConnectionID must already be set by the caller; sess.Deliver is
// set here to point back at this client's outbound buffer so registry and
// event-bus delivery both flow through the same Send path.
func NewClient(w http.ResponseWriter, r *http.Request, rt *router.Router, sess *router.Session, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:      conn,
		send:      make(chan any, sendBufferSize),
		router:    rt,
		sess:      sess,
		logger:    logger.With(zap.String("connection_id", sess.ConnectionID), zap.String("remote_addr", r.RemoteAddr)),
		closeOnce: make(chan struct{}),
	}
	sess.Deliver = c.deliverEvent
	return c, nil
}

// deliverEvent is the callback registered with the event bus under this
// connection's id. It wraps the event in the {"type":"event","event":...}
// frame shape and queues it for the write pump.
func (c *Client) deliverEvent(e eventbus.StreamEvent) {
	_ = c.Send(map[string]any{"type": "event", "event": e})
}

// Send queues payload for delivery to the peer. It satisfies
// registry.Handle. A full buffer means the peer is too slow to keep up;
// the send is dropped and reported as an error so the registry disconnects
// this connection instead of letting it stall delivery to everyone else.
func (c *Client) Send(payload any) error {
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close satisfies registry.Handle by tearing down the underlying
// connection. Safe to call more than once.
func (c *Client) Close() error {
	select {
	case <-c.closeOnce:
	default:
		close(c.closeOnce)
		close(c.send)
	}
	return c.conn.Close()
}

// Run starts the write pump in its own goroutine and runs the read pump on
// the calling goroutine, blocking until the connection closes.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump parses each inbound frame as a router.Command and dispatches it.
// The router's response envelope is queued back onto the send channel.
// Handler failures and malformed frames come back as failure responses and
// never close the connection; a transport-level read error or a full send
// buffer does.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		resp := c.router.Dispatch(context.Background(), c.sess, json.RawMessage(data))
		if err := c.Send(resp); err != nil {
			c.logger.Warn("ws: dropping response, send buffer full", zap.Error(err))
			return
		}
	}
}

// writePump is the sole writer to conn — gorilla/websocket connections are
// not safe for concurrent writes. It forwards queued payloads and sends
// periodic pings so readPump can detect a stale peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
