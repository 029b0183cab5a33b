package handler

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	deadlines []time.Time
	closed    bool
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines = append(f.deadlines, t)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// events decodes the recorded frames into envelopes.
func (f *fakeConn) events(t *testing.T) []inboundEnvelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]inboundEnvelope, 0, len(f.frames))
	for _, frame := range f.frames {
		var env inboundEnvelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) eventTypes(t *testing.T) []string {
	t.Helper()
	envs := f.events(t)
	types := make([]string, 0, len(envs))
	for _, e := range envs {
		types = append(types, e.Type)
	}
	return types
}

func newTestClient(userID int64, name string) (*Client, *fakeConn) {
	conn := &fakeConn{}
	return NewClient(userID, name, "", conn), conn
}

func TestRoomCreatedOnFirstJoinAndRemovedWhenEmpty(t *testing.T) {
	hub := NewBoardHub()
	assert.Equal(t, 0, hub.RoomCount())

	c1, _ := newTestClient(1, "alice")
	room := hub.Join("b1", c1)

	assert.Equal(t, 1, hub.RoomCount())
	assert.Same(t, room, hub.Room("b1"))
	assert.Equal(t, 1, room.MemberCount())

	room.remove(c1)

	assert.Equal(t, 0, hub.RoomCount())
	assert.Nil(t, hub.Room("b1"))
}

func TestRoomsAreIsolated(t *testing.T) {
	hub := NewBoardHub()

	c1, conn1 := newTestClient(1, "alice")
	c2, conn2 := newTestClient(2, "bob")

	hub.Join("b1", c1)
	hub.Join("b2", c2)

	hub.Room("b1").Broadcast(Envelope{Type: EventCursorMoved}, nil)

	assert.Len(t, conn1.events(t), 1)
	assert.Empty(t, conn2.events(t), "user in another room must not receive the event")
}

func TestBroadcastExcludesSender(t *testing.T) {
	hub := NewBoardHub()

	c1, conn1 := newTestClient(1, "alice")
	c2, conn2 := newTestClient(2, "bob")
	c3, conn3 := newTestClient(3, "carol")
	room := hub.Join("b1", c1)
	hub.Join("b1", c2)
	hub.Join("b1", c3)

	room.Broadcast(Envelope{Type: EventDrawingUpdated}, c1)

	assert.Empty(t, conn1.events(t))
	assert.Equal(t, []string{EventDrawingUpdated}, conn2.eventTypes(t))
	assert.Equal(t, []string{EventDrawingUpdated}, conn3.eventTypes(t))
}

func TestPresenceDeduplicatesSameUser(t *testing.T) {
	hub := NewBoardHub()

	// same user on two connections (two tabs)
	c1a, _ := newTestClient(7, "alice")
	c1b, _ := newTestClient(7, "alice")
	c2, _ := newTestClient(8, "bob")
	room := hub.Join("b1", c1a)
	hub.Join("b1", c1b)
	hub.Join("b1", c2)

	assert.Equal(t, 3, room.MemberCount())

	presence := room.Presence()
	assert.Len(t, presence, 2)

	seen := map[int64]bool{}
	for _, p := range presence {
		seen[p.UserID] = true
	}
	assert.True(t, seen[7])
	assert.True(t, seen[8])
}

func TestSendToUserHitsEveryConnectionOfThatUser(t *testing.T) {
	hub := NewBoardHub()

	c1a, conn1a := newTestClient(7, "alice")
	c1b, conn1b := newTestClient(7, "alice")
	c2, conn2 := newTestClient(8, "bob")
	room := hub.Join("b1", c1a)
	hub.Join("b1", c1b)
	hub.Join("b1", c2)

	delivered := room.SendToUser(7, Envelope{Type: EventSignal})
	assert.True(t, delivered)
	assert.Len(t, conn1a.events(t), 1)
	assert.Len(t, conn1b.events(t), 1)
	assert.Empty(t, conn2.events(t))

	assert.False(t, room.SendToUser(99, Envelope{Type: EventSignal}))
}

func TestCursorAppearsInPresence(t *testing.T) {
	c, _ := newTestClient(1, "alice")

	assert.Nil(t, c.presence().Cursor)

	c.SetCursor(10.5, -3)
	p := c.presence()
	require.NotNil(t, p.Cursor)
	assert.Equal(t, 10.5, p.Cursor.X)
	assert.Equal(t, -3.0, p.Cursor.Y)
}

func TestJoinAfterTeardownLandsInRegistryRoom(t *testing.T) {
	hub := NewBoardHub()

	c1, _ := newTestClient(1, "alice")
	first := hub.Join("b1", c1)
	first.remove(c1) // last member out, room torn down

	// the next joiners for the same board must share one registry room
	c2, conn2 := newTestClient(2, "bob")
	c3, conn3 := newTestClient(3, "carol")
	roomB := hub.Join("b1", c2)
	roomC := hub.Join("b1", c3)

	assert.Same(t, roomB, roomC)
	assert.Same(t, roomB, hub.Room("b1"))
	assert.Equal(t, 1, hub.RoomCount())

	roomB.Broadcast(Envelope{Type: EventCursorMoved}, nil)
	assert.Len(t, conn2.events(t), 1)
	assert.Len(t, conn3.events(t), 1)
}

func TestConcurrentJoinLeaveKeepsRegistryCoherent(t *testing.T) {
	hub := NewBoardHub()

	// churn joins racing last-member teardowns
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c, _ := newTestClient(id, "churn")
			room := hub.Join("b1", c)
			room.remove(c)
		}(int64(i + 10))
	}

	anchor, anchorConn := newTestClient(1, "alice")
	anchorRoom := hub.Join("b1", anchor)
	wg.Wait()

	// the surviving member's room pointer must be the registry's
	assert.Same(t, anchorRoom, hub.Room("b1"))
	assert.Equal(t, 1, hub.RoomCount())

	late, lateConn := newTestClient(2, "bob")
	lateRoom := hub.Join("b1", late)
	assert.Same(t, anchorRoom, lateRoom)

	lateRoom.Broadcast(Envelope{Type: EventCursorMoved}, nil)
	assert.NotEmpty(t, anchorConn.events(t))
	assert.NotEmpty(t, lateConn.events(t))
}

func TestSendSetsWriteDeadline(t *testing.T) {
	c, conn := newTestClient(1, "alice")
	c.writeTimeout = 5 * time.Second

	before := time.Now()
	c.Send(Envelope{Type: EventPong})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.deadlines, 1)
	assert.False(t, conn.deadlines[0].Before(before.Add(5*time.Second)))
	require.Len(t, conn.frames, 1)
}

func TestSendWithoutTimeoutSetsNoDeadline(t *testing.T) {
	c, conn := newTestClient(1, "alice")
	c.Send(Envelope{Type: EventPong})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Empty(t, conn.deadlines)
	require.Len(t, conn.frames, 1)
}

func TestRemoveIsIdempotent(t *testing.T) {
	hub := NewBoardHub()

	c1, _ := newTestClient(1, "alice")
	c2, _ := newTestClient(2, "bob")
	room := hub.Join("b1", c1)
	hub.Join("b1", c2)

	room.remove(c1)
	room.remove(c1) // second removal is a no-op

	assert.Equal(t, 1, room.MemberCount())
	assert.Equal(t, 1, hub.RoomCount())
}
