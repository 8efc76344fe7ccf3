// Package collab implements the realtime collaboration bus: websocket
// clients join per-document rooms and exchange cursor and annotation
// updates. Room traffic also rides the shared event channel so clients
// connected to different API instances see each other.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pageflowhq/pageflow/internal/events"
	"github.com/pageflowhq/pageflow/internal/logger"
)

// roomChannel is the event channel carrying a room's cross-instance traffic.
func roomChannel(room string) string {
	return "room:" + room
}

// documentRoom names the room for a document.
func documentRoom(documentID string) string {
	return "doc:" + documentID
}

// envelope is the cross-instance wire format. Origin lets an instance skip
// its own publications: local fan-out already happened before the publish.
type envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Message json.RawMessage `json:"message"`
}

// roomMessage is an internal broadcast request. sender is nil for messages
// that arrived from another instance.
type roomMessage struct {
	room   string
	sender *Client
	data   []byte
}

// Hub maintains the set of active collaboration clients and their rooms.
type Hub struct {
	instanceID string
	bus        events.Bus

	// Connected clients, room membership, and the per-room upstream relays.
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	relays  map[string]events.Subscription

	register   chan *Client
	unregister chan *Client
	broadcast  chan roomMessage
	done       chan struct{}

	mu       sync.RWMutex
	shutdown sync.Once
	log      *slog.Logger
}

// NewHub creates a hub bridged over bus. Each hub gets a unique instance id
// for origin filtering.
func NewHub(bus events.Bus) *Hub {
	return &Hub{
		instanceID: uuid.NewString(),
		bus:        bus,
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		relays:     make(map[string]events.Subscription),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomMessage, 256),
		done:       make(chan struct{}),
		log:        logger.Component("collab-hub"),
	}
}

// Run starts the hub event loop. It must be called in a dedicated goroutine
// and returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case rm := <-h.broadcast:
			h.deliverLocal(rm)
			if rm.sender != nil {
				h.publishRemote(rm)
			}
		}
	}
}

// Shutdown stops the event loop, detaches all upstream relays, and closes
// every client's connection. Send channels stay open: read pumps may still be
// dispatching, and closing the connection ends both pumps on their own.
func (h *Hub) Shutdown() {
	h.shutdown.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for room, relay := range h.relays {
			relay.Unsubscribe()
			delete(h.relays, room)
		}
		for c := range h.clients {
			_ = c.conn.Close()
		}
		h.clients = make(map[*Client]struct{})
		h.rooms = make(map[string]map[*Client]struct{})
	})
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("client connected", "user", c.userID)
}

func (h *Hub) removeClient(c *Client) {
	c.roomsMu.Lock()
	joined := c.rooms
	c.rooms = nil
	c.roomsMu.Unlock()

	h.mu.Lock()
	for room := range joined {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c)
	h.mu.Unlock()

	close(c.send)
	h.log.Info("client disconnected", "user", c.userID)
}

// join adds a client to a room, starting the cross-instance relay when the
// room gains its first local member.
//
// Lock ordering: hub mutex before client roomsMu, same as removeClient.
func (h *Hub) join(c *Client, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()

	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	if len(c.rooms) >= maxRooms {
		return fmt.Errorf("maximum rooms (%d) reached", maxRooms)
	}
	c.rooms[room] = struct{}{}

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}

	if _, ok := h.relays[room]; !ok {
		sub, err := h.bus.Subscribe(context.Background(), roomChannel(room))
		if err != nil {
			h.log.Warn("room relay subscribe failed, room is single-instance",
				"room", room, "error", err)
		} else {
			h.relays[room] = sub
			go h.relay(room, sub)
		}
	}

	h.log.Debug("client joined room", "user", c.userID, "room", room)
	return nil
}

// leave removes a client from one room.
//
// Lock ordering: hub mutex before client roomsMu, same as join.
func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c.roomsMu.Lock()
	delete(c.rooms, room)
	c.roomsMu.Unlock()

	h.leaveLocked(c, room)
}

// leaveLocked removes c from room and tears the relay down with the last
// member. Caller holds the hub mutex.
func (h *Hub) leaveLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) > 0 {
		return
	}
	delete(h.rooms, room)
	if relay, ok := h.relays[room]; ok {
		relay.Unsubscribe()
		delete(h.relays, room)
	}
}

// relay forwards another instance's room traffic into the local room.
func (h *Hub) relay(room string, sub events.Subscription) {
	for payload := range sub.Events() {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.log.Warn("skipping malformed room envelope", "room", room, "error", err)
			continue
		}
		if env.Origin == h.instanceID {
			continue
		}
		select {
		case h.broadcast <- roomMessage{room: room, data: env.Message}:
		case <-h.done:
			return
		}
	}
	if err := sub.Err(); err != nil {
		h.log.Warn("room relay terminated", "room", room, "error", err)
	}
}

// Broadcast fans data out to every member of room except sender, then mirrors
// it to other instances. sender may be nil for system-originated messages.
func (h *Hub) Broadcast(room string, sender *Client, data []byte) {
	select {
	case h.broadcast <- roomMessage{room: room, sender: sender, data: data}:
	case <-h.done:
	}
}

func (h *Hub) deliverLocal(rm roomMessage) {
	h.mu.RLock()
	members, ok := h.rooms[rm.room]
	if !ok || len(members) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c != rm.sender {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- rm.data:
		default:
			// Buffer full: drop the oldest queued message and retry once.
			select {
			case <-c.send:
				h.log.Warn("dropped oldest message due to backpressure",
					"user", c.userID, "room", rm.room)
			default:
			}
			select {
			case c.send <- rm.data:
			default:
				h.log.Warn("message dropped, client too slow",
					"user", c.userID, "room", rm.room)
			}
		}
	}
}

// publishRemote mirrors a locally-originated message to other instances.
// Publish failures degrade to single-instance behavior.
func (h *Hub) publishRemote(rm roomMessage) {
	env := envelope{
		Origin:  h.instanceID,
		Room:    rm.room,
		Message: rm.data,
	}
	if _, err := h.bus.Publish(context.Background(), roomChannel(rm.room), env); err != nil {
		h.log.Warn("room publish failed", "room", rm.room, "error", err)
	}
}

// memberCount reports the local membership of a room; used by tests.
func (h *Hub) memberCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
