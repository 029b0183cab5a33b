package handler

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"whiteboard-backend/internal/access"
	"whiteboard-backend/internal/model"
	"whiteboard-backend/internal/store"
)

// BoardStore is the persistence surface the sync core needs. Implemented by
// store.Store; tests supply an in-memory fake.
type BoardStore interface {
	GetBoard(ctx context.Context, boardID string) (*model.Board, error)
	UpsertElement(ctx context.Context, el *model.BoardElement) error
	DeleteElement(ctx context.Context, boardID, elementID string) error
	ClearElements(ctx context.Context, boardID string) error
	ReplaceElements(ctx context.Context, boardID string, elements []model.BoardElement) error
	TouchActivity(ctx context.Context, boardID string) error
}

// BoardWSHandler drives one websocket connection through the room lifecycle
// and the drawing sync protocol.
//
// Consistency model: no server-side merge is performed. An element mutation is
// persisted as a keyed upsert/delete and rebroadcast verbatim; two editors'
// near-simultaneous writes to the same element land in store-arrival order and
// the later one wins. A permission or validation failure is reported to the
// sender only and applies nothing. A persistence failure is reported to the
// sender but the broadcast still goes out, keeping other clients' live view
// responsive at the cost of strict durability.
type BoardWSHandler struct {
	hub          *BoardHub
	store        BoardStore
	eval         *access.Evaluator
	storeTimeout time.Duration
	writeTimeout time.Duration
}

// NewBoardWSHandler BoardWSHandler 생성
func NewBoardWSHandler(hub *BoardHub, boardStore BoardStore, eval *access.Evaluator, storeTimeout, writeTimeout time.Duration) *BoardWSHandler {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &BoardWSHandler{
		hub:          hub,
		store:        boardStore,
		eval:         eval,
		storeTimeout: storeTimeout,
		writeTimeout: writeTimeout,
	}
}

// HandleWebSocket WebSocket 연결 처리. 업그레이드 게이트가 JWT를 검증하고
// Locals에 사용자 정보를 실어 둔 뒤에만 호출된다.
func (h *BoardWSHandler) HandleWebSocket(c *websocket.Conn) {
	userID, ok1 := c.Locals("userID").(int64)
	name, ok2 := c.Locals("name").(string)
	avatar, _ := c.Locals("avatar").(string)

	if !ok1 || !ok2 {
		c.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"message":"invalid session"}}`))
		c.Close()
		return
	}

	client := NewClient(userID, name, avatar, c)
	client.writeTimeout = h.writeTimeout
	log.Printf("[BoardWS] Connected: user=%d", userID)

	// 연결 해제 시 정리 (원인과 무관하게 항상 실행)
	defer func() {
		h.Disconnect(client)
		c.Close()
		log.Printf("[BoardWS] Disconnected: user=%d", userID)
	}()

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}
		h.Dispatch(client, msgBytes)
	}
}

// Dispatch routes one inbound frame. Malformed frames and unknown event types
// are ignored with a warning; one broken client must not take down the room.
func (h *BoardWSHandler) Dispatch(client *Client, msgBytes []byte) {
	var msg inboundEnvelope
	if err := json.Unmarshal(msgBytes, &msg); err != nil {
		log.Printf("[BoardWS] Malformed frame from user %d: %v", client.UserID, err)
		return
	}

	switch msg.Type {
	case EventJoinBoard:
		h.handleJoin(client, msg.Payload)
	case EventLeaveBoard:
		h.Leave(client)
	case EventDrawingUpdate:
		h.handleDrawing(client, msg.Payload)
	case EventCursorMove:
		h.handleCursor(client, msg.Payload)
	case EventElementSelect:
		h.handleSelect(client, msg.Payload)
	case EventChatMessage:
		h.handleChat(client, msg.Payload)
	case EventSignal:
		h.handleSignal(client, msg.Payload)
	case EventPing:
		client.Send(Envelope{Type: EventPong})
	default:
		log.Printf("[BoardWS] Unknown event %q from user %d, ignored", msg.Type, client.UserID)
	}
}

func (h *BoardWSHandler) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.storeTimeout)
}

// handleJoin loads the board, checks viewer access, moves the session into the
// room and sends the full snapshot to the joiner before anyone can observe it.
func (h *BoardWSHandler) handleJoin(client *Client, raw json.RawMessage) {
	var payload JoinBoardPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.BoardID == "" {
		client.SendError("boardId is required")
		return
	}

	ctx, cancel := h.storeCtx()
	defer cancel()

	board, err := h.store.GetBoard(ctx, payload.BoardID)
	if err != nil {
		if err == store.ErrBoardNotFound {
			client.SendError("board not found")
		} else {
			log.Printf("[BoardWS] Failed to load board %s: %v", payload.BoardID, err)
			client.SendError("failed to load board")
		}
		return
	}

	if !h.eval.HasAccess(client.UserID, board, model.RoleViewer) {
		client.SendError("access denied to this board")
		return
	}

	// 한 세션은 한 방에만 속한다. 다른 방에 있었으면 먼저 나간다.
	if client.state == stateInRoom {
		h.Leave(client)
	}

	role, ok := h.eval.ResolveRole(client.UserID, board)
	if !ok {
		// Admitted via public flag or the open-viewer fallback.
		role = model.RoleViewer
	}

	client.joinedAt = time.Now()
	client.role = role.String()
	client.canEdit = h.eval.HasAccess(client.UserID, board, model.RoleEditor)

	// The write mutex is held from before the client becomes a room member
	// until the snapshot is on the wire. A broadcast racing the join blocks
	// on that mutex, so the joiner can never see a mutation ahead of its
	// snapshot.
	client.writeMu.Lock()
	room := h.hub.Join(board.ID, client)
	client.room = room
	client.state = stateInRoom
	client.sendLocked(Envelope{
		Type: EventBoardJoined,
		Payload: BoardJoinedPayload{
			Board:       snapshotFromBoard(board),
			ActiveUsers: room.Presence(),
			Role:        client.role,
			CanEdit:     client.canEdit,
		},
	})
	client.writeMu.Unlock()

	// 나머지 멤버에게 입장 알림 + 갱신된 presence
	room.Broadcast(Envelope{
		Type: EventUserJoined,
		Payload: UserJoinedPayload{
			User:        client.presence(),
			ActiveUsers: room.Presence(),
		},
	}, client)
}

// Leave removes the session from its room. Idempotent: leaving while not in a
// room is a no-op.
func (h *BoardWSHandler) Leave(client *Client) {
	if client.state != stateInRoom || client.room == nil {
		return
	}

	room := client.room
	user := client.presence()

	room.remove(client)
	client.room = nil
	client.state = stateConnected
	client.role = ""
	client.canEdit = false

	room.Broadcast(Envelope{
		Type: EventUserLeft,
		Payload: UserLeftPayload{
			User:        user,
			ActiveUsers: room.Presence(),
		},
	}, nil)
}

// Disconnect runs the leave path and marks the session terminal. Always
// invoked on transport-level disconnect regardless of cause.
func (h *BoardWSHandler) Disconnect(client *Client) {
	if client.state == stateDisconnected {
		return
	}
	h.Leave(client)
	client.state = stateDisconnected
}

// handleDrawing applies an element mutation: editor check → persist →
// rebroadcast to everyone else. The sender never receives its own echo.
func (h *BoardWSHandler) handleDrawing(client *Client, raw json.RawMessage) {
	if client.state != stateInRoom {
		client.SendError("join a board first")
		return
	}

	var payload DrawingUpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		client.SendError("invalid drawing payload")
		return
	}

	if !client.canEdit {
		client.SendError("editor access required")
		return
	}

	room := client.room
	valid, persistErr := h.persistDrawing(client, room.BoardID, &payload)
	if !valid {
		// Validation failure or unrecognized action: nothing applied,
		// nothing broadcast.
		return
	}
	if persistErr != nil {
		// Availability over durability: the sender learns the write failed,
		// but the room still sees the live update.
		log.Printf("[BoardWS] Persist failed for board %s (action=%s): %v", room.BoardID, payload.Action, persistErr)
		client.SendError("failed to persist drawing update")
	}

	room.Broadcast(Envelope{
		Type: EventDrawingUpdated,
		Payload: DrawingUpdatedPayload{
			DrawingUpdatePayload: payload,
			UserID:               client.UserID,
			Timestamp:            time.Now().UnixMilli(),
		},
	}, client)
}

// persistDrawing writes one mutation. The bool reports whether the payload
// was a recognized, well-formed mutation; the error is a store failure for a
// payload that was valid.
func (h *BoardWSHandler) persistDrawing(client *Client, boardID string, payload *DrawingUpdatePayload) (bool, error) {
	ctx, cancel := h.storeCtx()
	defer cancel()

	switch payload.Action {
	case ActionAdd, ActionUpdate:
		if payload.Element == nil || payload.Element.ID == "" {
			client.SendError("element with id is required")
			return false, nil
		}
		if payload.Action == ActionAdd && !model.ElementKind(payload.Element.Kind).Valid() {
			client.SendError("unknown element kind: " + payload.Element.Kind)
			return false, nil
		}
		// An update for a deleted id re-creates the element: the store keeps
		// no tombstones, so whichever of delete/update arrives last wins.
		if err := h.store.UpsertElement(ctx, toModelElement(boardID, client.UserID, payload.Element)); err != nil {
			return true, err
		}

	case ActionDelete:
		elementID := payload.ElementID
		if elementID == "" && payload.Element != nil {
			elementID = payload.Element.ID
		}
		if elementID == "" {
			client.SendError("elementId is required")
			return false, nil
		}
		if err := h.store.DeleteElement(ctx, boardID, elementID); err != nil {
			return true, err
		}

	case ActionClear:
		if err := h.store.ClearElements(ctx, boardID); err != nil {
			return true, err
		}

	case ActionReplace:
		elements := make([]model.BoardElement, 0, len(payload.Elements))
		for i := range payload.Elements {
			el := &payload.Elements[i]
			if el.ID == "" {
				continue
			}
			elements = append(elements, *toModelElement(boardID, client.UserID, el))
		}
		if err := h.store.ReplaceElements(ctx, boardID, elements); err != nil {
			return true, err
		}

	default:
		log.Printf("[BoardWS] Unknown drawing action %q from user %d, ignored", payload.Action, client.UserID)
		return false, nil
	}

	if err := h.store.TouchActivity(ctx, boardID); err != nil {
		log.Printf("[BoardWS] Failed to touch activity for board %s: %v", boardID, err)
	}

	return true, nil
}

// handleCursor updates the sender's in-memory presence cursor and relays the
// position to everyone else. No permission gate beyond room membership.
func (h *BoardWSHandler) handleCursor(client *Client, raw json.RawMessage) {
	if client.state != stateInRoom {
		return
	}

	var pos CursorPos
	if err := json.Unmarshal(raw, &pos); err != nil {
		return
	}

	client.SetCursor(pos.X, pos.Y)

	client.room.Broadcast(Envelope{
		Type: EventCursorMoved,
		Payload: CursorMovedPayload{
			UserID: client.UserID,
			Cursor: pos,
		},
	}, client)
}

// handleSelect relays an advisory selection marker. Nothing is stored.
func (h *BoardWSHandler) handleSelect(client *Client, raw json.RawMessage) {
	if client.state != stateInRoom {
		return
	}

	var payload ElementSelectPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ElementID == "" {
		return
	}
	payload.UserID = client.UserID

	client.room.Broadcast(Envelope{Type: EventElementSelect, Payload: payload}, client)
}

// maxChatBytes chat 본문 최대 길이 (UTF-8 바이트 기준)
const maxChatBytes = 2000

// handleChat broadcasts a chat message to the whole room including the
// sender, who needs the server-assigned id and timestamp echoed back.
// Not persisted; a reconnecting client receives no history.
func (h *BoardWSHandler) handleChat(client *Client, raw json.RawMessage) {
	if client.state != stateInRoom {
		client.SendError("join a board first")
		return
	}

	var payload ChatMessageInPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}

	body := strings.TrimSpace(payload.Message)
	if body == "" {
		return
	}
	if len(body) > maxChatBytes {
		// cut on a rune boundary so the tail is never a mangled character
		end := maxChatBytes
		for end > 0 && !utf8.RuneStart(body[end]) {
			end--
		}
		body = body[:end]
	}

	client.room.Broadcast(Envelope{
		Type: EventChatMessage,
		Payload: ChatMessagePayload{
			ID: uuid.NewString(),
			User: ChatUser{
				UserID: client.UserID,
				Name:   client.Name,
				Avatar: client.Avatar,
			},
			Message:   body,
			Timestamp: time.Now().UnixMilli(),
		},
	}, nil)
}

// handleSignal relays an opaque voice-signaling blob to one room member by
// user id. The server never inspects the payload.
func (h *BoardWSHandler) handleSignal(client *Client, raw json.RawMessage) {
	if client.state != stateInRoom {
		return
	}

	var payload SignalPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.TargetUserID == 0 {
		return
	}
	payload.FromUserID = client.UserID

	if !client.room.SendToUser(payload.TargetUserID, Envelope{Type: EventSignal, Payload: payload}) {
		client.SendError("target user is not in this board")
	}
}
