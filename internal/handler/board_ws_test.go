package handler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"whiteboard-backend/internal/access"
	"whiteboard-backend/internal/model"
	"whiteboard-backend/internal/store"
)

// fakeStore is an in-memory BoardStore. Elements are keyed per board by
// element id, matching the real store's upsert semantics.
type fakeStore struct {
	mu       sync.Mutex
	boards   map[string]*model.Board
	elements map[string]map[string]model.BoardElement

	failWrites bool
	upserts    int
	deletes    int
	clears     int
	replaces   int
}

func newFakeStore(boards ...*model.Board) *fakeStore {
	fs := &fakeStore{
		boards:   make(map[string]*model.Board),
		elements: make(map[string]map[string]model.BoardElement),
	}
	for _, b := range boards {
		fs.boards[b.ID] = b
		fs.elements[b.ID] = make(map[string]model.BoardElement)
		for _, el := range b.Elements {
			fs.elements[b.ID][el.ElementID] = el
		}
	}
	return fs
}

func (fs *fakeStore) GetBoard(ctx context.Context, boardID string) (*model.Board, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	b, ok := fs.boards[boardID]
	if !ok {
		return nil, store.ErrBoardNotFound
	}

	cp := *b
	cp.Elements = nil
	for _, el := range fs.elements[boardID] {
		cp.Elements = append(cp.Elements, el)
	}
	return &cp, nil
}

func (fs *fakeStore) UpsertElement(ctx context.Context, el *model.BoardElement) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.upserts++
	if fs.failWrites {
		return errors.New("store down")
	}
	if existing, ok := fs.elements[el.BoardID][el.ElementID]; ok {
		// kind is immutable after creation
		el.Kind = existing.Kind
	}
	fs.elements[el.BoardID][el.ElementID] = *el
	return nil
}

func (fs *fakeStore) DeleteElement(ctx context.Context, boardID, elementID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.deletes++
	if fs.failWrites {
		return errors.New("store down")
	}
	delete(fs.elements[boardID], elementID)
	return nil
}

func (fs *fakeStore) ClearElements(ctx context.Context, boardID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.clears++
	if fs.failWrites {
		return errors.New("store down")
	}
	fs.elements[boardID] = make(map[string]model.BoardElement)
	return nil
}

func (fs *fakeStore) ReplaceElements(ctx context.Context, boardID string, elements []model.BoardElement) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.replaces++
	if fs.failWrites {
		return errors.New("store down")
	}
	fs.elements[boardID] = make(map[string]model.BoardElement)
	for _, el := range elements {
		fs.elements[boardID][el.ElementID] = el
	}
	return nil
}

func (fs *fakeStore) TouchActivity(ctx context.Context, boardID string) error {
	return nil
}

func (fs *fakeStore) element(boardID, elementID string) (model.BoardElement, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	el, ok := fs.elements[boardID][elementID]
	return el, ok
}

func frame(t *testing.T, eventType string, payload interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(Envelope{Type: eventType, Payload: payload})
	require.NoError(t, err)
	return data
}

func decodePayload(t *testing.T, env inboundEnvelope, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Payload, out))
}

// newWSFixture builds a handler over one private board owned by user 1 with
// user 2 as editor and user 3 as viewer.
func newWSFixture(t *testing.T) (*BoardWSHandler, *fakeStore) {
	t.Helper()
	board := &model.Board{
		ID:       "b1",
		Title:    "roadmap",
		OwnerID:  1,
		IsPublic: false,
		Collaborators: []model.BoardCollaborator{
			{BoardID: "b1", UserID: 2, Role: model.RoleEditor},
			{BoardID: "b1", UserID: 3, Role: model.RoleViewer},
		},
		Elements: []model.BoardElement{
			{BoardID: "b1", ElementID: "e1", Kind: model.ElementRect, Payload: datatypes.JSON(`{"x":1}`), UpdatedBy: 1},
		},
	}
	fs := newFakeStore(board)
	h := NewBoardWSHandler(NewBoardHub(), fs, access.NewEvaluator(false), time.Second, time.Second)
	return h, fs
}

func join(t *testing.T, h *BoardWSHandler, client *Client, boardID string) {
	t.Helper()
	h.Dispatch(client, frame(t, EventJoinBoard, JoinBoardPayload{BoardID: boardID}))
	require.Equal(t, stateInRoom, client.state)
}

func TestJoinSendsSnapshotToJoinerOnly(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")

	editor, editorConn := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	// joiner gets the complete snapshot
	envs := editorConn.events(t)
	require.Len(t, envs, 1)
	require.Equal(t, EventBoardJoined, envs[0].Type)

	var joined BoardJoinedPayload
	decodePayload(t, envs[0], &joined)
	assert.Equal(t, "b1", joined.Board.ID)
	assert.Equal(t, "roadmap", joined.Board.Title)
	require.Len(t, joined.Board.Elements, 1)
	assert.Equal(t, "e1", joined.Board.Elements[0].ID)
	assert.Equal(t, "editor", joined.Role)
	assert.True(t, joined.CanEdit)
	assert.Len(t, joined.ActiveUsers, 2)

	// the member already present gets user-joined, not another snapshot
	ownerEnvs := ownerConn.events(t)
	require.Len(t, ownerEnvs, 2)
	assert.Equal(t, EventBoardJoined, ownerEnvs[0].Type)
	assert.Equal(t, EventUserJoined, ownerEnvs[1].Type)

	var userJoined UserJoinedPayload
	decodePayload(t, ownerEnvs[1], &userJoined)
	assert.Equal(t, int64(2), userJoined.User.UserID)
	assert.Len(t, userJoined.ActiveUsers, 2)
}

func TestJoinOwnerGetsAdminRole(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")

	var joined BoardJoinedPayload
	decodePayload(t, ownerConn.events(t)[0], &joined)
	assert.Equal(t, "admin", joined.Role)
	assert.True(t, joined.CanEdit)
}

func TestJoinUnknownBoard(t *testing.T) {
	h, _ := newWSFixture(t)

	client, conn := newTestClient(1, "alice")
	h.Dispatch(client, frame(t, EventJoinBoard, JoinBoardPayload{BoardID: "nope"}))

	assert.Equal(t, stateConnected, client.state)
	envs := conn.events(t)
	require.Len(t, envs, 1)
	assert.Equal(t, EventError, envs[0].Type)

	var errPayload ErrorPayload
	decodePayload(t, envs[0], &errPayload)
	assert.Equal(t, "board not found", errPayload.Message)
}

func TestJoinDeniedWithoutAccess(t *testing.T) {
	h, _ := newWSFixture(t)

	outsider, conn := newTestClient(99, "mallory")
	h.Dispatch(outsider, frame(t, EventJoinBoard, JoinBoardPayload{BoardID: "b1"}))

	assert.Equal(t, stateConnected, outsider.state)
	envs := conn.events(t)
	require.Len(t, envs, 1)
	assert.Equal(t, EventError, envs[0].Type)
	assert.Equal(t, 0, h.hub.RoomCount())
}

func TestJoinSecondBoardLeavesFirst(t *testing.T) {
	board2 := &model.Board{ID: "b2", Title: "second", OwnerID: 2}
	h, fs := newWSFixture(t)
	fs.boards["b2"] = board2
	fs.elements["b2"] = make(map[string]model.BoardElement)

	owner, _ := newTestClient(1, "alice")
	join(t, h, owner, "b1")

	editor, _ := newTestClient(2, "bob")
	join(t, h, editor, "b1")
	require.Equal(t, 2, h.hub.Room("b1").MemberCount())

	join(t, h, editor, "b2")

	assert.Equal(t, 1, h.hub.Room("b1").MemberCount())
	assert.Equal(t, 1, h.hub.Room("b2").MemberCount())
	assert.Same(t, h.hub.Room("b2"), editor.room)
}

func TestDrawingAddPersistsAndBroadcastsToOthers(t *testing.T) {
	h, fs := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	editor, editorConn := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	before := len(editorConn.events(t))
	h.Dispatch(editor, frame(t, EventDrawingUpdate, DrawingUpdatePayload{
		Action:  ActionAdd,
		Element: &ElementData{ID: "e2", Kind: "stroke", Data: json.RawMessage(`{"points":[1,2]}`)},
	}))

	// persisted with the author stamped
	el, ok := fs.element("b1", "e2")
	require.True(t, ok)
	assert.Equal(t, model.ElementStroke, el.Kind)
	assert.Equal(t, int64(2), el.UpdatedBy)

	// no self-echo
	assert.Len(t, editorConn.events(t), before)

	// the other member sees it with author and timestamp
	ownerEnvs := ownerConn.events(t)
	last := ownerEnvs[len(ownerEnvs)-1]
	require.Equal(t, EventDrawingUpdated, last.Type)

	var updated DrawingUpdatedPayload
	decodePayload(t, last, &updated)
	assert.Equal(t, ActionAdd, updated.Action)
	assert.Equal(t, "e2", updated.Element.ID)
	assert.Equal(t, int64(2), updated.UserID)
	assert.NotZero(t, updated.Timestamp)
}

func TestViewerCannotMutate(t *testing.T) {
	h, fs := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	viewer, viewerConn := newTestClient(3, "carol")
	join(t, h, viewer, "b1")

	ownerBefore := len(ownerConn.events(t))
	h.Dispatch(viewer, frame(t, EventDrawingUpdate, DrawingUpdatePayload{
		Action:  ActionAdd,
		Element: &ElementData{ID: "e2", Kind: "stroke"},
	}))

	// error to the sender only, nothing applied, nothing broadcast
	envs := viewerConn.events(t)
	last := envs[len(envs)-1]
	require.Equal(t, EventError, last.Type)

	var errPayload ErrorPayload
	decodePayload(t, last, &errPayload)
	assert.Equal(t, "editor access required", errPayload.Message)

	_, ok := fs.element("b1", "e2")
	assert.False(t, ok)
	assert.Equal(t, 0, fs.upserts)
	assert.Len(t, ownerConn.events(t), ownerBefore)
}

func TestDrawingRequiresRoom(t *testing.T) {
	h, fs := newWSFixture(t)

	client, conn := newTestClient(2, "bob")
	h.Dispatch(client, frame(t, EventDrawingUpdate, DrawingUpdatePayload{
		Action:  ActionAdd,
		Element: &ElementData{ID: "e2", Kind: "stroke"},
	}))

	envs := conn.events(t)
	require.Len(t, envs, 1)
	assert.Equal(t, EventError, envs[0].Type)
	assert.Equal(t, 0, fs.upserts)
}

func TestDrawingRejectsUnknownKindOnAdd(t *testing.T) {
	h, fs := newWSFixture(t)

	editor, conn := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	h.Dispatch(editor, frame(t, EventDrawingUpdate, DrawingUpdatePayload{
		Action:  ActionAdd,
		Element: &ElementData{ID: "e2", Kind: "hologram"},
	}))

	envs := conn.events(t)
	last := envs[len(envs)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, 0, fs.upserts)
}

func TestDrawingUnknownActionIgnored(t *testing.T) {
	h, fs := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	editor, _ := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	before := len(ownerConn.events(t))
	h.Dispatch(editor, frame(t, EventDrawingUpdate, DrawingUpdatePayload{Action: "rotate-all"}))

	assert.Len(t, ownerConn.events(t), before)
	assert.Equal(t, 0, fs.upserts+fs.deletes+fs.clears+fs.replaces)
}

func TestDeleteThenUpdateRecreatesElement(t *testing.T) {
	h, fs := newWSFixture(t)

	editor, _ := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	h.Dispatch(editor, frame(t, EventDrawingUpdate, DrawingUpdatePayload{
		Action:    ActionDelete,
		ElementID: "e1",
	}))
	_, ok := fs.element("b1", "e1")
	require.False(t, ok)

	// a racing update arriving after the delete re-creates the element
	h.Dispatch(editor, frame(t, EventDrawingUpdate, DrawingUpdatePayload{
		Action:  ActionUpdate,
		Element: &ElementData{ID: "e1", Kind: "rectangle", Data: json.RawMessage(`{"x":9}`)},
	}))

	el, ok := fs.element("b1", "e1")
	require.True(t, ok)
	assert.JSONEq(t, `{"x":9}`, string(el.Payload))
}

func TestLastWriteWinsInArrivalOrder(t *testing.T) {
	h, fs := newWSFixture(t)

	owner, _ := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	editor, _ := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	h.Dispatch(owner, frame(t, EventDrawingUpdate, DrawingUpdatePayload{
		Action:  ActionUpdate,
		Element: &ElementData{ID: "e1", Kind: "rectangle", Data: json.RawMessage(`{"x":1}`)},
	}))
	h.Dispatch(editor, frame(t, EventDrawingUpdate, DrawingUpdatePayload{
		Action:  ActionUpdate,
		Element: &ElementData{ID: "e1", Kind: "rectangle", Data: json.RawMessage(`{"x":2}`)},
	}))

	el, ok := fs.element("b1", "e1")
	require.True(t, ok)
	assert.JSONEq(t, `{"x":2}`, string(el.Payload))
	assert.Equal(t, int64(2), el.UpdatedBy)
}

func TestClearThenLateJoinSeesEmptyBoard(t *testing.T) {
	h, _ := newWSFixture(t)

	editor, _ := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	h.Dispatch(editor, frame(t, EventDrawingUpdate, DrawingUpdatePayload{Action: ActionClear}))

	late, lateConn := newTestClient(1, "alice")
	join(t, h, late, "b1")

	var joined BoardJoinedPayload
	decodePayload(t, lateConn.events(t)[0], &joined)
	assert.Empty(t, joined.Board.Elements)
}

func TestPersistFailureStillBroadcasts(t *testing.T) {
	h, fs := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	editor, editorConn := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	fs.failWrites = true
	h.Dispatch(editor, frame(t, EventDrawingUpdate, DrawingUpdatePayload{
		Action:  ActionAdd,
		Element: &ElementData{ID: "e2", Kind: "stroke"},
	}))

	// the sender learns the write failed
	editorEnvs := editorConn.events(t)
	last := editorEnvs[len(editorEnvs)-1]
	assert.Equal(t, EventError, last.Type)

	// but the room still sees the live update
	ownerEnvs := ownerConn.events(t)
	assert.Equal(t, EventDrawingUpdated, ownerEnvs[len(ownerEnvs)-1].Type)
}

func TestCursorRelayExcludesSender(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	editor, editorConn := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	before := len(editorConn.events(t))
	h.Dispatch(editor, frame(t, EventCursorMove, CursorPos{X: 3, Y: 4}))

	assert.Len(t, editorConn.events(t), before)

	ownerEnvs := ownerConn.events(t)
	last := ownerEnvs[len(ownerEnvs)-1]
	require.Equal(t, EventCursorMoved, last.Type)

	var moved CursorMovedPayload
	decodePayload(t, last, &moved)
	assert.Equal(t, int64(2), moved.UserID)
	assert.Equal(t, 3.0, moved.Cursor.X)
	assert.Equal(t, 4.0, moved.Cursor.Y)
}

func TestChatEchoesToSenderWithServerStamp(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	editor, editorConn := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	h.Dispatch(editor, frame(t, EventChatMessage, ChatMessageInPayload{Message: "  hello  "}))

	for _, conn := range []*fakeConn{ownerConn, editorConn} {
		envs := conn.events(t)
		last := envs[len(envs)-1]
		require.Equal(t, EventChatMessage, last.Type)

		var chat ChatMessagePayload
		decodePayload(t, last, &chat)
		assert.NotEmpty(t, chat.ID)
		assert.NotZero(t, chat.Timestamp)
		assert.Equal(t, "hello", chat.Message)
		assert.Equal(t, int64(2), chat.User.UserID)
		assert.Equal(t, "bob", chat.User.Name)
	}
}

func TestSnapshotAlwaysPrecedesConcurrentBroadcasts(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, _ := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	room := owner.room

	// hammer the room with broadcasts while sessions join and leave; every
	// joiner's first frame must still be its snapshot
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				room.Broadcast(Envelope{Type: EventDrawingUpdated}, owner)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		editor, conn := newTestClient(2, "bob")
		join(t, h, editor, "b1")

		envs := conn.events(t)
		require.NotEmpty(t, envs)
		assert.Equal(t, EventBoardJoined, envs[0].Type)

		h.Leave(editor)
	}

	close(stop)
	wg.Wait()
}

func TestChatTruncatesOnRuneBoundary(t *testing.T) {
	h, _ := newWSFixture(t)

	editor, conn := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	// 3-byte runes; the byte cap falls mid-rune
	long := strings.Repeat("가", 800)
	h.Dispatch(editor, frame(t, EventChatMessage, ChatMessageInPayload{Message: long}))

	envs := conn.events(t)
	last := envs[len(envs)-1]
	require.Equal(t, EventChatMessage, last.Type)

	var chat ChatMessagePayload
	decodePayload(t, last, &chat)
	assert.True(t, utf8.ValidString(chat.Message))
	assert.LessOrEqual(t, len(chat.Message), 2000)
	assert.Equal(t, 1998, len(chat.Message)) // 666 complete 3-byte runes
}

func TestBlankChatIgnored(t *testing.T) {
	h, _ := newWSFixture(t)

	editor, conn := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	before := len(conn.events(t))
	h.Dispatch(editor, frame(t, EventChatMessage, ChatMessageInPayload{Message: "   "}))
	assert.Len(t, conn.events(t), before)
}

func TestSelectRelayStampsSender(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	editor, _ := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	h.Dispatch(editor, frame(t, EventElementSelect, ElementSelectPayload{ElementID: "e1", Selected: true}))

	ownerEnvs := ownerConn.events(t)
	last := ownerEnvs[len(ownerEnvs)-1]
	require.Equal(t, EventElementSelect, last.Type)

	var sel ElementSelectPayload
	decodePayload(t, last, &sel)
	assert.Equal(t, "e1", sel.ElementID)
	assert.True(t, sel.Selected)
	assert.Equal(t, int64(2), sel.UserID)
}

func TestSignalRelayToTargetUser(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	editor, editorConn := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	h.Dispatch(editor, frame(t, EventSignal, SignalPayload{
		TargetUserID: 1,
		Data:         json.RawMessage(`{"sdp":"offer"}`),
	}))

	ownerEnvs := ownerConn.events(t)
	last := ownerEnvs[len(ownerEnvs)-1]
	require.Equal(t, EventSignal, last.Type)

	var sig SignalPayload
	decodePayload(t, last, &sig)
	assert.Equal(t, int64(2), sig.FromUserID)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(sig.Data))

	// target not in the room → error back to the sender
	h.Dispatch(editor, frame(t, EventSignal, SignalPayload{
		TargetUserID: 42,
		Data:         json.RawMessage(`{}`),
	}))
	editorEnvs := editorConn.events(t)
	assert.Equal(t, EventError, editorEnvs[len(editorEnvs)-1].Type)
}

func TestLeaveBroadcastsAndIsIdempotent(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, ownerConn := newTestClient(1, "alice")
	join(t, h, owner, "b1")
	editor, _ := newTestClient(2, "bob")
	join(t, h, editor, "b1")

	h.Dispatch(editor, frame(t, EventLeaveBoard, nil))
	assert.Equal(t, stateConnected, editor.state)
	assert.Nil(t, editor.room)
	assert.Equal(t, 1, h.hub.Room("b1").MemberCount())

	ownerEnvs := ownerConn.events(t)
	last := ownerEnvs[len(ownerEnvs)-1]
	require.Equal(t, EventUserLeft, last.Type)

	var left UserLeftPayload
	decodePayload(t, last, &left)
	assert.Equal(t, int64(2), left.User.UserID)
	assert.Len(t, left.ActiveUsers, 1)

	// second leave is a no-op
	before := len(ownerConn.events(t))
	h.Dispatch(editor, frame(t, EventLeaveBoard, nil))
	assert.Len(t, ownerConn.events(t), before)
}

func TestDisconnectTearsDownRoom(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, _ := newTestClient(1, "alice")
	join(t, h, owner, "b1")

	h.Disconnect(owner)
	assert.Equal(t, stateDisconnected, owner.state)
	assert.Equal(t, 0, h.hub.RoomCount())

	// disconnect is terminal and idempotent
	h.Disconnect(owner)
	assert.Equal(t, stateDisconnected, owner.state)
}

func TestUnknownEventIgnored(t *testing.T) {
	h, _ := newWSFixture(t)

	owner, conn := newTestClient(1, "alice")
	join(t, h, owner, "b1")

	before := len(conn.events(t))
	h.Dispatch(owner, []byte(`{"type":"teleport","payload":{}}`))
	h.Dispatch(owner, []byte(`not json at all`))

	assert.Len(t, conn.events(t), before)
	assert.Equal(t, stateInRoom, owner.state)
}

func TestPingPong(t *testing.T) {
	h, _ := newWSFixture(t)

	client, conn := newTestClient(1, "alice")
	h.Dispatch(client, frame(t, EventPing, nil))

	envs := conn.events(t)
	require.Len(t, envs, 1)
	assert.Equal(t, EventPong, envs[0].Type)
}
