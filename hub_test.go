package main

import (
	"io"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeConn feeds a fixed sequence of frames to readPump and swallows writes.
type fakeConn struct {
	frames [][]byte
	next   int
	closed bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	if f.next >= len(f.frames) {
		return 0, nil, io.EOF
	}
	data := f.frames[f.next]
	f.next++
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteJSON(v any) error { return nil }

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func testConfig() *Config {
	return &Config{
		bind:          "127.0.0.1",
		port:          8080,
		sweepInterval: 5 * time.Second,
	}
}

func newTestStore() *roomStore {
	return newRoomStore(testConfig(), clockwork.NewFakeClock())
}

// drainFrames empties a client's send queue without blocking.
func drainFrames(c *client) []any {
	var out []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// lastState returns the most recent state frame queued for a client.
func lastState(t *testing.T, c *client) clientState {
	t.Helper()
	var st *clientState
	for _, msg := range drainFrames(c) {
		if m, ok := msg.(stateMessage); ok {
			payload := m.Payload
			st = &payload
		}
	}
	require.NotNil(t, st, "expected at least one state frame")
	return *st
}

func TestJoinWithEmptyNameIsRejected(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	c := newClient(&fakeConn{})

	store.join(c, "   ", "")

	frames := drainFrames(c)
	req.Len(frames, 1)
	errFrame, ok := frames[0].(errorMessage)
	req.True(ok, "expected an error frame, got %T", frames[0])
	req.Equal("error", errFrame.Type)
	req.NotEmpty(errFrame.Payload.Message)

	req.Nil(c.hub, "connection must stay unbound")
	req.Empty(store.snapshot(), "no room should be created for a failed join")
}

func TestJoinWithoutRoomIDCreatesRoom(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	c := newClient(&fakeConn{})

	store.join(c, "Alice", "")

	req.NotNil(c.hub)
	st := lastState(t, c)
	req.Len(st.RoomID, 8)
	req.True(st.IsCreator)
	req.Len(st.Participants, 1)
	req.Equal("Alice", st.Participants[0].Name)
	req.True(st.Participants[0].IsOnline)
	req.False(st.Participants[0].HasVoted)
}

func TestJoinResurrectsUnknownRoomID(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	c := newClient(&fakeConn{})

	store.join(c, "Alice", "gone1234")

	req.NotNil(c.hub)
	req.Equal("gone1234", lastState(t, c).RoomID)
	req.Len(store.snapshot(), 1)
}

func TestSecondJoinerSharesRoomInOrder(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	alice := newClient(&fakeConn{})
	store.join(alice, "Alice", "")
	roomID := lastState(t, alice).RoomID

	bob := newClient(&fakeConn{})
	store.join(bob, "Bob", roomID)

	st := lastState(t, bob)
	req.Equal(roomID, st.RoomID)
	req.False(st.IsCreator)
	req.Len(st.Participants, 2)
	req.Equal("Alice", st.Participants[0].Name)
	req.Equal("Bob", st.Participants[1].Name)
	req.Len(store.snapshot(), 1)
}

func TestNameTakenWhileActivelyHeld(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	alice := newClient(&fakeConn{})
	store.join(alice, "Alice", "")
	roomID := lastState(t, alice).RoomID

	intruder := newClient(&fakeConn{})
	store.join(intruder, "alice", roomID)

	frames := drainFrames(intruder)
	req.Len(frames, 1)
	_, ok := frames[0].(nameTakenMessage)
	req.True(ok, "expected a name_taken frame, got %T", frames[0])
	req.Nil(intruder.hub)

	// No second participant was created, case-insensitively. A rejected join
	// triggers no broadcast, so assert on the room itself.
	req.Len(alice.hub.room.participants, 1)
	req.Equal("Alice", alice.hub.room.participants[0].name)
}

func TestReconnectionPreservesVote(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	alice := newClient(&fakeConn{})
	store.join(alice, "Alice", "")
	roomID := lastState(t, alice).RoomID
	alice.hub.handleVote(store.cfg, alice, "5")
	participantID := lastState(t, alice).Participants[0].ID

	// Connection drops, then the same name comes back on a new socket.
	alice.detach()

	again := newClient(&fakeConn{})
	store.join(again, "ALICE", roomID)

	st := lastState(t, again)
	req.Len(st.Participants, 1, "reconnection must not create a second identity")
	p := st.Participants[0]
	req.Equal(participantID, p.ID)
	req.True(p.IsOnline)
	req.True(p.HasVoted)
	req.NotNil(p.Vote)
	req.Equal("5", *p.Vote)
}

func TestVoteFromStaleSessionIsIgnored(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	alice := newClient(&fakeConn{})
	store.join(alice, "Alice", "")
	drainFrames(alice)

	alice.participantID = "stale-session"
	alice.hub.handleVote(store.cfg, alice, "5")

	req.Empty(drainFrames(alice), "a stale vote must not trigger a broadcast")
	for _, p := range alice.hub.room.participants {
		req.False(p.hasVoted)
	}
}

func TestDisconnectMarksOfflineButKeepsParticipant(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	alice := newClient(&fakeConn{})
	store.join(alice, "Alice", "")
	roomID := lastState(t, alice).RoomID
	bob := newClient(&fakeConn{})
	store.join(bob, "Bob", roomID)

	bob.detach()

	st := lastState(t, alice)
	req.Len(st.Participants, 2, "offline participants stay in the room")
	bv := viewOf(t, st, "Bob")
	req.False(bv.IsOnline)
	req.True(viewOf(t, st, "Alice").IsOnline)
}

func TestReconcilePresenceCatchesSilentDrop(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	alice := newClient(&fakeConn{})
	store.join(alice, "Alice", "")
	roomID := lastState(t, alice).RoomID
	bob := newClient(&fakeConn{})
	store.join(bob, "Bob", roomID)
	h := alice.hub

	// Drop Bob's connection without the close handler ever running.
	h.mu.Lock()
	delete(h.clients, bob)
	h.mu.Unlock()

	h.reconcilePresence()

	st := lastState(t, alice)
	req.False(viewOf(t, st, "Bob").IsOnline)
	req.True(viewOf(t, st, "Alice").IsOnline)
}

func TestRejoinDetachesFromPreviousRoom(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	c := newClient(&fakeConn{})
	store.join(c, "Alice", "firstroo")
	first := c.hub

	store.join(c, "Alice", "secondro")

	req.NotNil(c.hub)
	req.NotEqual(first, c.hub)
	req.Equal("secondro", lastState(t, c).RoomID)

	// The old room keeps the identity, marked offline.
	p := first.room.findByName("Alice")
	req.NotNil(p)
	req.False(p.online)
}

func TestSlowClientIsDroppedNotPanicked(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	alice := newClient(&fakeConn{})
	store.join(alice, "Alice", "")
	roomID := lastState(t, alice).RoomID

	bobConn := &fakeConn{}
	bob := newClient(bobConn)
	store.join(bob, "Bob", roomID)
	h := bob.hub

	// Bob stops reading; his queue fills and the next broadcast evicts him.
	for bob.trySend(stateMessage{}) {
	}
	alice.hub.handleVote(store.cfg, alice, "5")

	h.mu.Lock()
	req.True(bob.dropped)
	req.False(h.clients[bob])
	h.mu.Unlock()
	req.True(bobConn.closed, "eviction must close the socket too")

	// Frames Bob's read loop already pulled off the wire still arrive after
	// the eviction; none of them may bind him again or reach the room.
	store.join(bob, "Bob", roomID)
	req.Equal(h, bob.hub, "a dropped connection must not be rebound")
	h.handleVote(store.cfg, bob, "9")
	h.handleReveal(store.cfg, bob)

	h.mu.Lock()
	defer h.mu.Unlock()
	req.False(h.room.votesRevealed)
	bobP := h.room.findByName("Bob")
	req.NotNil(bobP)
	req.False(bobP.hasVoted)
	req.False(bobP.online)
	req.Len(h.room.participants, 2)
}

func TestReapedClientCannotRejoin(t *testing.T) {
	req := require.New(t)
	store := newTestStore()
	conn := &fakeConn{}
	c := newClient(conn)
	store.join(c, "Alice", "")
	h := c.hub

	h.closeAll()

	req.True(conn.closed)
	store.join(c, "Alice", "")

	h.mu.Lock()
	defer h.mu.Unlock()
	req.Empty(h.clients)
	req.False(h.room.findByName("Alice").online)
}

func TestDispatcherSurvivesGarbageFrames(t *testing.T) {
	req := require.New(t)
	store := newTestStore()

	conn := &fakeConn{frames: [][]byte{
		[]byte(`this is not json`),
		[]byte(`{"type":"vote","payload":{"vote":"5"}}`), // not bound yet
		[]byte(`{"type":"reveal"}`),                      // not bound yet
		[]byte(`{"type":"join"}`),                        // missing payload
		[]byte(`{"type":"teleport","payload":{}}`),       // unknown type
		[]byte(`{"type":"join","payload":{"name":"Alice"}}`),
		[]byte(`{"type":"vote","payload":{"vote":""}}`), // empty vote dropped
		[]byte(`{"type":"vote","payload":{"vote":"8"}}`),
	}}
	c := newClient(conn)
	c.readPump(store.cfg, store)

	hubs := store.snapshot()
	req.Len(hubs, 1, "only the well-formed join should have created a room")
	r := hubs[0].room
	req.Len(r.participants, 1)
	req.Equal("Alice", r.participants[0].name)
	req.True(r.participants[0].hasVoted)
	req.Equal("8", r.participants[0].vote)
}
