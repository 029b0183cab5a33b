package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"whiteboard-backend/internal/access"
	"whiteboard-backend/internal/auth"
	"whiteboard-backend/internal/model"
	"whiteboard-backend/internal/store"
)

// BoardHandler 보드 REST 핸들러. 권한 판정은 실시간 경로와 동일한
// access.Evaluator를 사용한다.
type BoardHandler struct {
	db    *gorm.DB
	store *store.Store
	eval  *access.Evaluator
	hub   *BoardHub
}

// NewBoardHandler BoardHandler 생성
func NewBoardHandler(db *gorm.DB, boardStore *store.Store, eval *access.Evaluator, hub *BoardHub) *BoardHandler {
	return &BoardHandler{db: db, store: boardStore, eval: eval, hub: hub}
}

// CreateBoardRequest 보드 생성 요청
type CreateBoardRequest struct {
	Title      string         `json:"title"`
	IsPublic   bool           `json:"is_public"`
	Background string         `json:"background"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	Settings   datatypes.JSON `json:"settings"`
}

// UpdateBoardRequest 보드 수정 요청 (부분 업데이트)
type UpdateBoardRequest struct {
	Title      *string         `json:"title"`
	IsPublic   *bool           `json:"is_public"`
	Background *string         `json:"background"`
	Width      *int            `json:"width"`
	Height     *int            `json:"height"`
	Settings   *datatypes.JSON `json:"settings"`
}

// CollaboratorRequest 협업자 추가/변경 요청
type CollaboratorRequest struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

// BoardListItem 목록 응답 항목 (요소 제외)
type BoardListItem struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	OwnerID        int64     `json:"owner_id"`
	IsPublic       bool      `json:"is_public"`
	ViewCount      int64     `json:"view_count"`
	ForkCount      int64     `json:"fork_count"`
	ActiveUsers    int       `json:"active_users"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *BoardHandler) activeUserCount(boardID string) int {
	if room := h.hub.Room(boardID); room != nil {
		return room.MemberCount()
	}
	return 0
}

func toBoardListItem(b *model.Board, active int) BoardListItem {
	return BoardListItem{
		ID:             b.ID,
		Title:          b.Title,
		OwnerID:        b.OwnerID,
		IsPublic:       b.IsPublic,
		ViewCount:      b.ViewCount,
		ForkCount:      b.ForkCount,
		ActiveUsers:    active,
		LastActivityAt: b.LastActivityAt,
		CreatedAt:      b.CreatedAt,
	}
}

// CreateBoard 보드 생성 (생성자가 소유자)
func (h *BoardHandler) CreateBoard(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var req CreateBoardRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		req.Title = "Untitled board"
	}
	if req.Background == "" {
		req.Background = "#ffffff"
	}
	if req.Width <= 0 {
		req.Width = 1920
	}
	if req.Height <= 0 {
		req.Height = 1080
	}

	board := model.Board{
		ID:             uuid.NewString(),
		Title:          req.Title,
		OwnerID:        claims.UserID,
		IsPublic:       req.IsPublic,
		Background:     req.Background,
		Width:          req.Width,
		Height:         req.Height,
		Settings:       req.Settings,
		LastActivityAt: time.Now(),
	}

	if err := h.db.Create(&board).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create board"})
	}

	return c.Status(fiber.StatusCreated).JSON(board)
}

// GetMyBoards 내 보드 목록 (소유 + 공유받은 보드)
func (h *BoardHandler) GetMyBoards(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)

	var boards []model.Board
	err := h.db.
		Where("owner_id = ?", claims.UserID).
		Or("id IN (?)", h.db.Model(&model.BoardCollaborator{}).
			Select("board_id").
			Where("user_id = ?", claims.UserID)).
		Order("last_activity_at DESC").
		Find(&boards).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list boards"})
	}

	items := make([]BoardListItem, 0, len(boards))
	for i := range boards {
		items = append(items, toBoardListItem(&boards[i], h.activeUserCount(boards[i].ID)))
	}

	return c.JSON(fiber.Map{"boards": items})
}

// GetPublicBoards 공개 보드 목록 (인증 불필요)
func (h *BoardHandler) GetPublicBoards(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}

	var boards []model.Board
	if err := h.db.
		Where("is_public = ?", true).
		Order("last_activity_at DESC").
		Limit(limit).
		Find(&boards).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to list boards"})
	}

	items := make([]BoardListItem, 0, len(boards))
	for i := range boards {
		items = append(items, toBoardListItem(&boards[i], h.activeUserCount(boards[i].ID)))
	}

	return c.JSON(fiber.Map{"boards": items})
}

// GetBoard 보드 전체 조회 (요소 + 협업자 포함). viewer 권한 필요.
func (h *BoardHandler) GetBoard(c *fiber.Ctx) error {
	boardID := c.Params("id")

	// OptionalAuth 뒤에 올 수 있으므로 미인증 호출은 익명으로 평가
	userID := access.AnonymousUser
	if claims, err := auth.GetClaimsFromContext(c); err == nil {
		userID = claims.UserID
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	board, err := h.store.GetBoard(ctx, boardID)
	if err != nil {
		if err == store.ErrBoardNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "board not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load board"})
	}

	if !h.eval.HasAccess(userID, board, model.RoleViewer) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "access denied to this board"})
	}

	// 조회수 증가는 응답을 막지 않는다
	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		h.store.IncrementViewCount(ctx, id)
	}(board.ID)

	role, _ := h.eval.ResolveRole(userID, board)

	return c.JSON(fiber.Map{
		"board":        board,
		"role":         role,
		"can_edit":     h.eval.HasAccess(userID, board, model.RoleEditor),
		"active_users": h.activeUserCount(board.ID),
	})
}

// UpdateBoard 보드 메타데이터 수정. admin 권한 필요.
func (h *BoardHandler) UpdateBoard(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	boardID := c.Params("id")

	board, status, errMsg := h.loadForRole(c, boardID, claims.UserID, model.RoleAdmin)
	if board == nil {
		return c.Status(status).JSON(fiber.Map{"error": errMsg})
	}

	var req UpdateBoardRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	updates := map[string]interface{}{}
	if req.Title != nil && strings.TrimSpace(*req.Title) != "" {
		updates["title"] = strings.TrimSpace(*req.Title)
	}
	if req.IsPublic != nil {
		updates["is_public"] = *req.IsPublic
	}
	if req.Background != nil {
		updates["background"] = *req.Background
	}
	if req.Width != nil && *req.Width > 0 {
		updates["width"] = *req.Width
	}
	if req.Height != nil && *req.Height > 0 {
		updates["height"] = *req.Height
	}
	if req.Settings != nil {
		updates["settings"] = *req.Settings
	}

	if len(updates) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "nothing to update"})
	}

	if err := h.db.Model(&model.Board{}).Where("id = ?", boardID).Updates(updates).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to update board"})
	}

	return c.JSON(fiber.Map{"message": "board updated"})
}

// DeleteBoard 보드 삭제. 소유자만 가능.
func (h *BoardHandler) DeleteBoard(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	boardID := c.Params("id")

	var board model.Board
	if err := h.db.First(&board, "id = ?", boardID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "board not found"})
	}

	if !h.eval.IsOwner(claims.UserID, &board) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only the owner can delete a board"})
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("board_id = ?", boardID).Delete(&model.BoardElement{}).Error; err != nil {
			return err
		}
		if err := tx.Where("board_id = ?", boardID).Delete(&model.BoardCollaborator{}).Error; err != nil {
			return err
		}
		return tx.Delete(&board).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to delete board"})
	}

	return c.JSON(fiber.Map{"message": "board deleted"})
}

// ForkBoard 보드 복제. viewer 권한 필요, 복제본은 호출자 소유가 된다.
func (h *BoardHandler) ForkBoard(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	boardID := c.Params("id")

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	source, err := h.store.GetBoard(ctx, boardID)
	if err != nil {
		if err == store.ErrBoardNotFound {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "board not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load board"})
	}

	if !h.eval.HasAccess(claims.UserID, source, model.RoleViewer) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "access denied to this board"})
	}

	fork := model.Board{
		ID:             uuid.NewString(),
		Title:          source.Title + " (copy)",
		OwnerID:        claims.UserID,
		IsPublic:       false,
		Background:     source.Background,
		Width:          source.Width,
		Height:         source.Height,
		Settings:       source.Settings,
		LastActivityAt: time.Now(),
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&fork).Error; err != nil {
			return err
		}
		for _, el := range source.Elements {
			dup := model.BoardElement{
				BoardID:   fork.ID,
				ElementID: el.ElementID,
				Kind:      el.Kind,
				Payload:   el.Payload,
				UpdatedBy: claims.UserID,
			}
			if err := tx.Create(&dup).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fork board"})
	}

	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		h.store.IncrementForkCount(ctx, id)
	}(source.ID)

	return c.Status(fiber.StatusCreated).JSON(fork)
}

// AddCollaborator 협업자 추가/역할 갱신. admin 권한 필요.
func (h *BoardHandler) AddCollaborator(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	boardID := c.Params("id")

	board, status, errMsg := h.loadForRole(c, boardID, claims.UserID, model.RoleAdmin)
	if board == nil {
		return c.Status(status).JSON(fiber.Map{"error": errMsg})
	}

	var req CollaboratorRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	role := model.BoardRole(req.Role)
	if !role.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "role must be viewer, editor or admin"})
	}

	// 소유자는 ACL에 넣지 않는다
	if req.UserID == board.OwnerID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "owner cannot be a collaborator"})
	}

	var user model.User
	if err := h.db.First(&user, "id = ?", req.UserID).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "user not found"})
	}

	collab := model.BoardCollaborator{
		BoardID: boardID,
		UserID:  req.UserID,
		Role:    role,
	}
	err := h.db.
		Where("board_id = ? AND user_id = ?", boardID, req.UserID).
		Assign(model.BoardCollaborator{Role: role}).
		FirstOrCreate(&collab).Error
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to add collaborator"})
	}

	return c.Status(fiber.StatusCreated).JSON(collab)
}

// UpdateCollaboratorRole 협업자 역할 변경. admin 권한 필요.
func (h *BoardHandler) UpdateCollaboratorRole(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	boardID := c.Params("id")

	targetID, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid user id"})
	}

	board, status, errMsg := h.loadForRole(c, boardID, claims.UserID, model.RoleAdmin)
	if board == nil {
		return c.Status(status).JSON(fiber.Map{"error": errMsg})
	}

	var req CollaboratorRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	role := model.BoardRole(req.Role)
	if !role.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "role must be viewer, editor or admin"})
	}

	result := h.db.Model(&model.BoardCollaborator{}).
		Where("board_id = ? AND user_id = ?", boardID, targetID).
		Update("role", role)
	if result.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to update role"})
	}
	if result.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "collaborator not found"})
	}

	return c.JSON(fiber.Map{"message": "role updated"})
}

// RemoveCollaborator 협업자 제거. admin 권한 또는 본인(공유 해제).
func (h *BoardHandler) RemoveCollaborator(c *fiber.Ctx) error {
	claims := c.Locals("claims").(*auth.Claims)
	boardID := c.Params("id")

	targetID, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid user id"})
	}

	if targetID != claims.UserID {
		board, status, errMsg := h.loadForRole(c, boardID, claims.UserID, model.RoleAdmin)
		if board == nil {
			return c.Status(status).JSON(fiber.Map{"error": errMsg})
		}
	}

	result := h.db.
		Where("board_id = ? AND user_id = ?", boardID, targetID).
		Delete(&model.BoardCollaborator{})
	if result.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to remove collaborator"})
	}
	if result.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "collaborator not found"})
	}

	return c.JSON(fiber.Map{"message": "collaborator removed"})
}

// loadForRole loads the board with its ACL and checks the required role.
// Returns (nil, status, message) on failure.
func (h *BoardHandler) loadForRole(c *fiber.Ctx, boardID string, userID int64, required model.BoardRole) (*model.Board, int, string) {
	var board model.Board
	if err := h.db.Preload("Collaborators").First(&board, "id = ?", boardID).Error; err != nil {
		return nil, fiber.StatusNotFound, "board not found"
	}

	if !h.eval.HasAccess(userID, &board, required) {
		return nil, fiber.StatusForbidden, string(required) + " access required"
	}

	return &board, 0, ""
}
