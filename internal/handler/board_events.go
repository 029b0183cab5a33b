package handler

import (
	"encoding/json"

	"gorm.io/datatypes"

	"whiteboard-backend/internal/model"
)

// =============================================================================
// WebSocket event catalogue
// =============================================================================

// Every frame on the board socket is an Envelope. Payload shapes are the
// closed set of types below; the dispatch switch in board_ws.go ignores
// unknown inbound types with a logged warning instead of dropping the
// connection.

// Envelope WebSocket 메시지 봉투
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// inboundEnvelope keeps the payload raw until the type is known.
type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client → server
const (
	EventJoinBoard     = "join-board"
	EventLeaveBoard    = "leave-board"
	EventDrawingUpdate = "drawing-update"
	EventCursorMove    = "cursor-move"
	EventElementSelect = "element-select"
	EventChatMessage   = "chat-message"
	EventSignal        = "signal"
	EventPing          = "ping"
)

// Server → client
const (
	EventBoardJoined    = "board-joined"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventDrawingUpdated = "drawing-updated"
	EventCursorMoved    = "cursor-moved"
	EventPong           = "pong"
	EventError          = "error"
)

// Drawing actions
const (
	ActionAdd     = "add"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionClear   = "clear"
	ActionReplace = "replace" // full-list payload, e.g. undo restore
)

// CursorPos 보드 좌표계 커서 위치 (클라이언트가 줌/팬 역투영 후 전송)
type CursorPos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PresenceInfo 방 안의 사용자 한 명
type PresenceInfo struct {
	UserID   int64      `json:"userId"`
	Name     string     `json:"name"`
	Avatar   string     `json:"avatar,omitempty"`
	Cursor   *CursorPos `json:"cursor,omitempty"`
	JoinedAt int64      `json:"joinedAt"`
}

// ElementData a single element as it travels on the wire. Data is opaque to
// the server beyond id and kind: geometry, style and text live inside it.
type ElementData struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinBoardPayload join-board 요청
type JoinBoardPayload struct {
	BoardID string `json:"boardId"`
}

// BoardSnapshot board-joined에 실리는 보드 전체 상태
type BoardSnapshot struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	OwnerID    int64           `json:"ownerId"`
	IsPublic   bool            `json:"isPublic"`
	Background string          `json:"background"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	Elements   []ElementData   `json:"elements"`
}

// BoardJoinedPayload 입장한 본인에게만 전송
type BoardJoinedPayload struct {
	Board       BoardSnapshot  `json:"board"`
	ActiveUsers []PresenceInfo `json:"activeUsers"`
	Role        string         `json:"role"`
	CanEdit     bool           `json:"canEdit"`
}

// UserJoinedPayload / UserLeftPayload 입장·퇴장 브로드캐스트
type UserJoinedPayload struct {
	User        PresenceInfo   `json:"user"`
	ActiveUsers []PresenceInfo `json:"activeUsers"`
}

type UserLeftPayload struct {
	User        PresenceInfo   `json:"user"`
	ActiveUsers []PresenceInfo `json:"activeUsers"`
}

// DrawingUpdatePayload drawing-update 요청
type DrawingUpdatePayload struct {
	Action    string        `json:"action"`
	Element   *ElementData  `json:"element,omitempty"`
	Elements  []ElementData `json:"elements,omitempty"`
	ElementID string        `json:"elementId,omitempty"`
}

// DrawingUpdatedPayload 다른 멤버에게 재전송 (발신자 제외)
type DrawingUpdatedPayload struct {
	DrawingUpdatePayload
	UserID    int64 `json:"userId"`
	Timestamp int64 `json:"timestamp"`
}

// CursorMovedPayload cursor-moved 브로드캐스트
type CursorMovedPayload struct {
	UserID int64     `json:"userId"`
	Cursor CursorPos `json:"cursor"`
}

// ElementSelectPayload element-select 양방향. 서버는 UserID를 채워 그대로
// 다른 멤버에게 중계만 한다(advisory, 상태 보관 없음).
type ElementSelectPayload struct {
	ElementID string `json:"elementId"`
	Selected  bool   `json:"selected"`
	UserID    int64  `json:"userId,omitempty"`
}

// ChatMessageInPayload chat-message 요청
type ChatMessageInPayload struct {
	Message string `json:"message"`
}

// ChatUser 채팅 발신자 정보
type ChatUser struct {
	UserID int64  `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ChatMessagePayload 서버가 id/timestamp를 부여해 발신자 포함 전원에게 전송
type ChatMessagePayload struct {
	ID        string   `json:"id"`
	User      ChatUser `json:"user"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

// SignalPayload 음성 채팅 P2P 시그널링 중계 (offer/answer/ICE).
// Data는 서버가 해석하지 않는 불투명 블롭이다.
type SignalPayload struct {
	TargetUserID int64           `json:"targetUserId"`
	FromUserID   int64           `json:"fromUserId,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// ErrorPayload error 이벤트 (발신자에게만)
type ErrorPayload struct {
	Message string `json:"message"`
}

// snapshotFromBoard builds the join snapshot from a loaded aggregate.
func snapshotFromBoard(board *model.Board) BoardSnapshot {
	elements := make([]ElementData, 0, len(board.Elements))
	for _, el := range board.Elements {
		elements = append(elements, ElementData{
			ID:   el.ElementID,
			Kind: el.Kind.String(),
			Data: json.RawMessage(el.Payload),
		})
	}

	return BoardSnapshot{
		ID:         board.ID,
		Title:      board.Title,
		OwnerID:    board.OwnerID,
		IsPublic:   board.IsPublic,
		Background: board.Background,
		Width:      board.Width,
		Height:     board.Height,
		Settings:   json.RawMessage(board.Settings),
		Elements:   elements,
	}
}

// toModelElement converts a wire element for persistence.
func toModelElement(boardID string, userID int64, el *ElementData) *model.BoardElement {
	return &model.BoardElement{
		BoardID:   boardID,
		ElementID: el.ID,
		Kind:      model.ElementKind(el.Kind),
		Payload:   datatypes.JSON(el.Data),
		UpdatedBy: userID,
	}
}
