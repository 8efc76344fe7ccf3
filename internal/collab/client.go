package collab

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pageflowhq/pageflow/internal/errs"
	"github.com/pageflowhq/pageflow/internal/logger"
	"github.com/pageflowhq/pageflow/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer at this interval. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer (16 KB).
	maxMessageSize = 16 * 1024

	// Maximum messages buffered per client before the hub starts dropping.
	sendBufferSize = 256

	// Maximum rooms a single client may join.
	maxRooms = 10
)

// Client-to-server message types.
const (
	MsgJoinDocument  = "join-document"
	MsgLeaveDocument = "leave-document"
	MsgCursorMove    = "cursor-move"
	MsgAddAnnotation = "add-annotation"
	MsgPing          = "ping"
)

// Server-to-client message types.
const (
	MsgUserJoined      = "user-joined"
	MsgUserLeft        = "user-left"
	MsgCursorChanged   = "cursor-changed"
	MsgAnnotationAdded = "annotation-added"
	MsgError           = "error"
	MsgPong            = "pong"
)

// ClientMessage is the envelope for all client-to-server messages.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the envelope for all server-to-client messages.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// DocumentPayload targets a message at one document's room.
type DocumentPayload struct {
	DocumentID string `json:"documentId"`
}

// CursorPayload carries a cursor position within a document. ClientID is
// filled in by the server on fan-out.
type CursorPayload struct {
	DocumentID string  `json:"documentId"`
	ClientID   string  `json:"clientId,omitempty"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
}

// AnnotationPayload carries an opaque annotation within a document.
type AnnotationPayload struct {
	DocumentID string          `json:"documentId"`
	ClientID   string          `json:"clientId,omitempty"`
	Content    json.RawMessage `json:"content"`
}

// PresencePayload announces a client entering or leaving a room.
type PresencePayload struct {
	DocumentID string `json:"documentId"`
	ClientID   string `json:"clientId"`
}

// ErrorPayload is sent by the server when a client message is refused.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The platform's auth layer fronts this service; origin enforcement
	// happens there.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a collaboration websocket. The caller
// identity comes from the X-User-ID header the auth layer injects.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			errs.WriteHTTP(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			return
		}

		client := NewClient(hub, conn, userID)
		go client.WritePump()
		go client.ReadPump()
	}
}

// Client represents a single collaboration websocket bound to a user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string

	// Buffered channel of outbound messages (serialized JSON bytes).
	send chan []byte

	// Rooms this client has joined.
	rooms   map[string]struct{}
	roomsMu sync.Mutex

	log *slog.Logger
}

// NewClient creates a websocket client and registers it with the hub. The
// caller must start ReadPump and WritePump in separate goroutines.
func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	c := &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[string]struct{}),
		log:    logger.Component("collab-client").With("user", userID),
	}
	select {
	case hub.register <- c:
	case <-hub.done:
	}
	return c
}

// ReadPump reads messages from the websocket and dispatches them. When it
// returns, the client is unregistered and the connection is closed.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		metrics.CollabClients.Dec()
	}()
	metrics.CollabClients.Inc()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected close", "error", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

// WritePump writes queued messages to the websocket and sends periodic ping
// frames. Each queued message goes out as its own text frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.sendError("INVALID_MESSAGE", "failed to parse message")
		return
	}

	switch msg.Type {
	case MsgPing:
		c.sendJSON(ServerMessage{Type: MsgPong})

	case MsgJoinDocument:
		c.handleJoin(msg.Payload)

	case MsgLeaveDocument:
		c.handleLeave(msg.Payload)

	case MsgCursorMove:
		c.handleCursorMove(msg.Payload)

	case MsgAddAnnotation:
		c.handleAddAnnotation(msg.Payload)

	default:
		c.sendError("UNKNOWN_TYPE", fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (c *Client) handleJoin(payload json.RawMessage) {
	var p DocumentPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.DocumentID == "" {
		c.sendError("INVALID_PAYLOAD", "documentId is required for join-document")
		return
	}

	room := documentRoom(p.DocumentID)
	if err := c.hub.join(c, room); err != nil {
		c.sendError("JOIN_FAILED", err.Error())
		return
	}

	c.broadcastJSON(room, ServerMessage{
		Type:    MsgUserJoined,
		Payload: PresencePayload{DocumentID: p.DocumentID, ClientID: c.userID},
	})
}

func (c *Client) handleLeave(payload json.RawMessage) {
	var p DocumentPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.DocumentID == "" {
		c.sendError("INVALID_PAYLOAD", "documentId is required for leave-document")
		return
	}

	room := documentRoom(p.DocumentID)
	if !c.inRoom(room) {
		return
	}

	c.broadcastJSON(room, ServerMessage{
		Type:    MsgUserLeft,
		Payload: PresencePayload{DocumentID: p.DocumentID, ClientID: c.userID},
	})

	c.hub.leave(c, room)
}

func (c *Client) handleCursorMove(payload json.RawMessage) {
	var p CursorPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.DocumentID == "" {
		c.sendError("INVALID_PAYLOAD", "documentId is required for cursor-move")
		return
	}

	room := documentRoom(p.DocumentID)
	if !c.inRoom(room) {
		c.sendError("NOT_JOINED", "join the document before sending cursor updates")
		return
	}

	p.ClientID = c.userID
	c.broadcastJSON(room, ServerMessage{Type: MsgCursorChanged, Payload: p})
}

func (c *Client) handleAddAnnotation(payload json.RawMessage) {
	var p AnnotationPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.DocumentID == "" || len(p.Content) == 0 {
		c.sendError("INVALID_PAYLOAD", "documentId and content are required for add-annotation")
		return
	}

	room := documentRoom(p.DocumentID)
	if !c.inRoom(room) {
		c.sendError("NOT_JOINED", "join the document before adding annotations")
		return
	}

	p.ClientID = c.userID
	c.broadcastJSON(room, ServerMessage{Type: MsgAnnotationAdded, Payload: p})
}

func (c *Client) inRoom(room string) bool {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// broadcastJSON fans msg out to the room, excluding this client.
func (c *Client) broadcastJSON(room string, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal broadcast message", "type", msg.Type, "error", err)
		return
	}
	c.hub.Broadcast(room, c, data)
}

// sendJSON marshals a ServerMessage and enqueues it for writing.
func (c *Client) sendJSON(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal server message", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping message", "type", msg.Type)
	}
}

// sendError sends an error message to the client.
func (c *Client) sendError(code, message string) {
	c.sendJSON(ServerMessage{
		Type:    MsgError,
		Payload: ErrorPayload{Code: code, Message: message},
	})
}
