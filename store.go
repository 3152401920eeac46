package main

import (
	"context"
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// roomStore owns every hub in the process. Creation is lazy, and a request
// for an unknown room id resurrects it as an empty room rather than failing.
// Rooms live for the process lifetime unless --room-ttl enables the reaper.
type roomStore struct {
	mu   sync.Mutex
	hubs map[string]*hub

	cfg   *Config
	clock clockwork.Clock
}

func newRoomStore(cfg *Config, clock clockwork.Clock) *roomStore {
	return &roomStore{
		hubs:  make(map[string]*hub),
		cfg:   cfg,
		clock: clock,
	}
}

func (s *roomStore) getOrCreate(roomID string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roomID == "" {
		roomID = s.newRoomIDLocked()
	}

	if h, ok := s.hubs[roomID]; ok {
		return h
	}

	h := newHub(roomID, s.clock)
	s.hubs[roomID] = h
	logf(s.cfg, "ROOMS: Created room %s", roomID)
	return h
}

// newRoomIDLocked generates a crypto-random room ID and ensures it doesn't
// collide with existing rooms.
func (s *roomStore) newRoomIDLocked() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		if _, exists := s.hubs[id]; !exists {
			return id
		}
	}
}

// join resolves the target room and applies the registry rules for one
// connection. A connection already bound elsewhere is detached first, so every
// join is evaluated fresh and committed whole before the next one starts.
func (s *roomStore) join(c *client, name, roomID string) {
	if c.hub != nil {
		// A hub that dropped this connection already closed its queue and
		// socket; the read loop is about to exit, so the join is discarded.
		if !c.hub.release(c) {
			return
		}
		c.hub = nil
		c.participantID = ""
	}

	name = strings.TrimSpace(name)
	if name == "" {
		c.trySend(errorMessage{Type: "error", Payload: errorPayload{Message: "Name cannot be empty"}})
		return
	}

	h := s.getOrCreate(roomID)
	if err := h.join(s.cfg, c, name); err != nil {
		c.trySend(nameTakenMessage{Type: "name_taken"})
	}
}

// run drives the presence sweep and, when enabled, the idle-room reaper until
// ctx is cancelled.
func (s *roomStore) run(ctx context.Context) {
	sweep := s.clock.NewTicker(s.cfg.sweepInterval)
	defer sweep.Stop()

	var reapC <-chan time.Time
	if s.cfg.roomTTL > 0 {
		reap := s.clock.NewTicker(s.cfg.roomTTL / 2)
		defer reap.Stop()
		reapC = reap.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.Chan():
			for _, h := range s.snapshot() {
				h.reconcilePresence()
			}
		case <-reapC:
			s.reapIdle()
		}
	}
}

func (s *roomStore) snapshot() []*hub {
	s.mu.Lock()
	defer s.mu.Unlock()

	hubs := make([]*hub, 0, len(s.hubs))
	for _, h := range s.hubs {
		hubs = append(hubs, h)
	}
	return hubs
}

// reapIdle removes rooms that have seen no traffic for longer than the TTL.
func (s *roomStore) reapIdle() {
	cutoff := s.clock.Now().Add(-s.cfg.roomTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, h := range s.hubs {
		h.mu.Lock()
		last := h.lastActive
		h.mu.Unlock()

		if last.Before(cutoff) {
			delete(s.hubs, id)
			go h.closeAll()
			logf(s.cfg, "ROOMS: Reaped idle room %s", id)
		}
	}
}
