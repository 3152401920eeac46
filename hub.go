package main

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	errNameTaken = errors.New("name is actively held by another connection")
)

// wsConn is the slice of *websocket.Conn the hub needs. Narrowed so tests can
// substitute a stub connection.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v any) error
	Close() error
}

// client is the ephemeral binding of one live connection to a participant
// identity and room. It is created on upgrade and destroyed with the socket.
type client struct {
	conn wsConn
	send chan any

	// Bound under the owning hub's lock at join time; read afterwards only by
	// the connection's own read loop and by holders of that same lock.
	hub           *hub
	participantID string

	// dropped is set under the owning hub's lock when the hub evicts this
	// connection and closes its send queue. Once set, the client must never
	// be rebound or written to again.
	dropped bool
}

func newClient(conn wsConn) *client {
	return &client{
		conn: conn,
		send: make(chan any, 8),
	}
}

// trySend queues a frame without blocking. Callers targeting a client bound
// to a hub must hold that hub's lock; unbound clients may only be written to
// from their own read loop.
func (c *client) trySend(msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// detach tears down whatever binding the connection holds. The send channel
// is closed exactly once, either here or by the hub that already dropped us.
func (c *client) detach() {
	if c.hub != nil {
		c.hub.disconnect(c)
		return
	}
	close(c.send)
}

// readPump parses and dispatches inbound frames until the connection drops.
// Malformed frames, unknown types, and messages that need a binding this
// connection does not have are discarded; one bad frame never tears down the
// session or anyone else's.
func (c *client) readPump(cfg *Config, store *roomStore) {
	defer func() {
		c.detach()
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case "join":
			var p joinPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				continue
			}
			store.join(c, p.Name, p.RoomID)
		case "vote":
			if c.hub == nil {
				continue
			}
			var p votePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Vote == "" {
				continue
			}
			c.hub.handleVote(cfg, c, p.Vote)
		case "reset":
			if c.hub != nil {
				c.hub.handleReset(cfg, c)
			}
		case "reveal":
			if c.hub != nil {
				c.hub.handleReveal(cfg, c)
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// hub owns one room plus the set of live connections bound to it. A single
// mutex guards both, so a mutation and the broadcast it triggers are
// indivisible with respect to all other traffic in the same room. Separate
// rooms proceed fully in parallel.
type hub struct {
	mu      sync.Mutex
	room    *room
	clients map[*client]bool
	clock   clockwork.Clock

	createdAt  time.Time
	lastActive time.Time
}

func newHub(roomID string, clock clockwork.Clock) *hub {
	now := clock.Now()
	return &hub{
		room:       newRoom(roomID),
		clients:    make(map[*client]bool),
		clock:      clock,
		createdAt:  now,
		lastActive: now,
	}
}

// join applies the registry rules for one connection, which must not be bound
// anywhere when called. A brand-new name creates a participant; a known name
// is either actively held (errNameTaken) or reclaimed as a reconnection that
// keeps the prior vote.
func (h *hub) join(cfg *Config, c *client, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastActive = h.clock.Now()

	existing := h.room.findByName(name)
	if existing == nil {
		p := h.room.addParticipant(name)
		h.bindLocked(c, p.id)
		logf(cfg, "ROOMS: Participant %q joined %s", name, h.room.id)
		h.broadcastLocked()
		return nil
	}

	// The name is known. It is only taken if some other live connection is
	// bound to it right now; otherwise its holder dropped off and this is a
	// reconnection.
	for other := range h.clients {
		if other != c && other.participantID == existing.id {
			return errNameTaken
		}
	}

	existing.online = true
	h.bindLocked(c, existing.id)
	logf(cfg, "ROOMS: Participant %q reconnected to %s", existing.name, h.room.id)
	h.broadcastLocked()
	return nil
}

func (h *hub) bindLocked(c *client, participantID string) {
	c.hub = h
	c.participantID = participantID
	h.clients[c] = true
}

func (h *hub) handleVote(cfg *Config, c *client, vote string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Only current members may mutate the room; a connection the hub already
	// dropped can still deliver a few frames before its read loop exits.
	if !h.clients[c] {
		return
	}

	h.lastActive = h.clock.Now()

	if err := h.room.recordVote(c.participantID, vote); err != nil {
		// Stale session; the vote is dropped without a reply.
		return
	}
	logf(cfg, "ROOMS: Vote recorded in %s", h.room.id)
	h.broadcastLocked()
}

func (h *hub) handleReset(cfg *Config, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return
	}

	h.lastActive = h.clock.Now()
	h.room.reset()
	logf(cfg, "ROOMS: Votes reset in %s", h.room.id)
	h.broadcastLocked()
}

func (h *hub) handleReveal(cfg *Config, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return
	}

	h.lastActive = h.clock.Now()
	h.room.reveal()
	logf(cfg, "ROOMS: Votes revealed in %s", h.room.id)
	h.broadcastLocked()
}

// disconnect removes a closed connection and eagerly marks its participant
// offline when no other live connection holds the same identity. This is a
// best-effort path; the presence sweep corrects anything it misses.
func (h *hub) disconnect(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.dropped {
		return
	}
	if h.removeLocked(c) {
		close(c.send)
	}
}

// release removes a connection that is about to be rebound elsewhere, leaving
// its send queue intact. It reports false when the hub has already dropped
// the connection, in which case no rebinding may happen.
func (h *hub) release(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.dropped {
		return false
	}
	h.removeLocked(c)
	return true
}

func (h *hub) removeLocked(c *client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	h.offlineIfUnheldLocked(c)
	h.broadcastLocked()
	return true
}

// offlineIfUnheldLocked marks a connection's participant offline unless some
// other live connection still holds the same identity.
func (h *hub) offlineIfUnheldLocked(c *client) {
	for other := range h.clients {
		if other.participantID == c.participantID {
			return
		}
	}
	if p := h.room.findByID(c.participantID); p != nil {
		p.online = false
	}
}

// reconcilePresence rebuilds every online flag from the live connection set
// and pushes fresh state. This is the sole mechanism that catches silent
// disconnects the close handler never sees.
func (h *hub) reconcilePresence() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.room.participants {
		p.online = false
	}
	for c := range h.clients {
		if p := h.room.findByID(c.participantID); p != nil {
			p.online = true
		}
	}

	h.broadcastLocked()
}

// broadcastLocked sends each connected client its own redacted snapshot. The
// mask differs per viewer, so the snapshot is rebuilt per recipient. A client
// that cannot keep up is dropped rather than stalling the room.
func (h *hub) broadcastLocked() {
	for c := range h.clients {
		select {
		case c.send <- stateMessage{Type: "state", Payload: h.room.snapshotFor(c.participantID)}:
		default:
			h.dropLocked(c)
		}
	}
}

// dropLocked evicts a connection the hub can no longer serve, closing both
// queue and socket. The read loop observes the dead socket and exits; any
// frame it manages to deliver before then is discarded by the dropped checks.
func (h *hub) dropLocked(c *client) {
	delete(h.clients, c)
	c.dropped = true
	close(c.send)
	_ = c.conn.Close()
	h.offlineIfUnheldLocked(c)
}

// closeAll disconnects every client of this hub (used by the reaper).
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		h.dropLocked(c)
	}
}
