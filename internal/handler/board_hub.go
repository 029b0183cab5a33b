package handler

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// =============================================================================
// Board Hub - board 단위 room/presence 관리
// =============================================================================

// wsConn is the write surface the hub needs from a connection. The fiber
// websocket.Conn satisfies it in production; tests substitute an in-memory
// recorder so rooms can be driven without a network socket.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// textMessage mirrors websocket.TextMessage without importing the transport
// package here.
const textMessage = 1

// sessionState tracks where a client is in its lifecycle. A session is in at
// most one room at a time; joining another board leaves the previous room
// first.
type sessionState int

const (
	stateConnected sessionState = iota
	stateInRoom
	stateDisconnected
)

// Client one live connection bound to a resolved user identity.
type Client struct {
	UserID int64
	Name   string
	Avatar string

	conn    wsConn
	writeMu sync.Mutex

	// writeTimeout bounds each frame write so one stalled peer cannot hold
	// a room broadcast indefinitely. Zero disables the deadline.
	writeTimeout time.Duration

	// state and room are touched only by the connection's own read loop;
	// other goroutines reach this client through room membership snapshots.
	state sessionState
	room  *BoardRoom

	// role is resolved against the board at join time and holds until the
	// session leaves the room. ACL edits mid-session apply on rejoin.
	role    string
	canEdit bool

	cursorMu sync.Mutex
	cursor   *CursorPos

	joinedAt time.Time
}

// NewClient wraps a connection into a client in the Connected state.
func NewClient(userID int64, name, avatar string, conn wsConn) *Client {
	return &Client{
		UserID: userID,
		Name:   name,
		Avatar: avatar,
		conn:   conn,
		state:  stateConnected,
	}
}

// Send marshals and writes one envelope. Safe for concurrent use; the write
// mutex keeps interleaved broadcasts from corrupting frames.
func (c *Client) Send(msg Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sendLocked(msg)
}

// sendLocked writes one envelope. The caller must hold writeMu.
func (c *Client) sendLocked(msg Envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[BoardHub] Failed to marshal %s event: %v", msg.Type, err)
		return
	}

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			log.Printf("[BoardHub] Failed to set write deadline for user %d: %v", c.UserID, err)
		}
	}

	if err := c.conn.WriteMessage(textMessage, data); err != nil {
		log.Printf("[BoardHub] Failed to send %s to user %d: %v", msg.Type, c.UserID, err)
	}
}

// SendError emits a protocol-level error event to this client only.
func (c *Client) SendError(message string) {
	c.Send(Envelope{Type: EventError, Payload: ErrorPayload{Message: message}})
}

// SetCursor updates the in-memory cursor position. Never persisted.
func (c *Client) SetCursor(x, y float64) {
	c.cursorMu.Lock()
	c.cursor = &CursorPos{X: x, Y: y}
	c.cursorMu.Unlock()
}

func (c *Client) presence() PresenceInfo {
	c.cursorMu.Lock()
	cursor := c.cursor
	c.cursorMu.Unlock()

	return PresenceInfo{
		UserID:   c.UserID,
		Name:     c.Name,
		Avatar:   c.Avatar,
		Cursor:   cursor,
		JoinedAt: c.joinedAt.UnixMilli(),
	}
}

// BoardRoom in-memory set of clients currently viewing one board. Created
// lazily on first join, discarded when the last member leaves.
type BoardRoom struct {
	BoardID string

	mu      sync.RWMutex
	members map[*Client]bool
	hub     *BoardHub
}

// BoardHub owns the board-id → room registry. One hub per process; handlers
// receive it injected so tests construct isolated instances.
type BoardHub struct {
	mu    sync.RWMutex
	rooms map[string]*BoardRoom
}

// NewBoardHub creates an empty hub.
func NewBoardHub() *BoardHub {
	return &BoardHub{
		rooms: make(map[string]*BoardRoom),
	}
}

// Join registers the client in the board's room, creating it on first join.
// Lookup and membership registration happen under the hub lock as one step:
// a concurrent teardown of the same room either sees the new member and keeps
// the room, or has already removed it and the joiner gets a fresh registry
// room. The returned room is always the one the registry currently holds.
func (h *BoardHub) Join(boardID string, c *Client) *BoardRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[boardID]
	if !exists {
		room = &BoardRoom{
			BoardID: boardID,
			members: make(map[*Client]bool),
			hub:     h,
		}
		h.rooms[boardID] = room
		log.Printf("[BoardHub] Created room: %s", boardID)
	}

	room.mu.Lock()
	room.members[c] = true
	count := len(room.members)
	room.mu.Unlock()

	log.Printf("[Room %s] User %d joined, members: %d", boardID, c.UserID, count)
	return room
}

// Room returns the live room for a board, if any. Read-only helper for REST
// presence lookups and tests.
func (h *BoardHub) Room(boardID string) *BoardRoom {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[boardID]
}

// RoomCount 현재 열려 있는 방 수
func (h *BoardHub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// removeRoom drops a room from the registry once empty.
func (h *BoardHub) removeRoom(boardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, exists := h.rooms[boardID]
	if !exists {
		return
	}

	// Re-check emptiness under the hub lock: a join may have raced the
	// last leave.
	room.mu.RLock()
	empty := len(room.members) == 0
	room.mu.RUnlock()

	if empty {
		delete(h.rooms, boardID)
		log.Printf("[BoardHub] Removed room: %s", boardID)
	}
}

// remove drops the client and tears the room down when it empties.
func (r *BoardRoom) remove(c *Client) {
	r.mu.Lock()
	delete(r.members, c)
	empty := len(r.members) == 0
	count := len(r.members)
	r.mu.Unlock()

	log.Printf("[Room %s] User %d left, members: %d", r.BoardID, c.UserID, count)

	if empty {
		r.hub.removeRoom(r.BoardID)
	}
}

// MemberCount 방 인원 수
func (r *BoardRoom) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// snapshot copies the member set so writes happen outside the room lock.
func (r *BoardRoom) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Client, 0, len(r.members))
	for c := range r.members {
		members = append(members, c)
	}
	return members
}

// Presence returns one entry per user currently in the room. Two connections
// of one user collapse into a single entry.
func (r *BoardRoom) Presence() []PresenceInfo {
	members := r.snapshot()

	seen := make(map[int64]bool, len(members))
	list := make([]PresenceInfo, 0, len(members))
	for _, c := range members {
		if seen[c.UserID] {
			continue
		}
		seen[c.UserID] = true
		list = append(list, c.presence())
	}
	return list
}

// Broadcast sends an envelope to every member except exclude (nil = all).
func (r *BoardRoom) Broadcast(msg Envelope, exclude *Client) {
	for _, c := range r.snapshot() {
		if c == exclude {
			continue
		}
		c.Send(msg)
	}
}

// SendToUser relays an envelope to every connection of one user in the room.
// Used for the voice-signal relay; payloads pass through opaque.
func (r *BoardRoom) SendToUser(userID int64, msg Envelope) bool {
	delivered := false
	for _, c := range r.snapshot() {
		if c.UserID == userID {
			c.Send(msg)
			delivered = true
		}
	}
	return delivered
}
