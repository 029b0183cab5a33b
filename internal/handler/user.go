package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"whiteboard-backend/internal/auth"
	"whiteboard-backend/internal/model"
)

// UserHandler 사용자 검색 핸들러 (협업자 초대용)
type UserHandler struct {
	db *gorm.DB
}

// NewUserHandler UserHandler 생성
func NewUserHandler(db *gorm.DB) *UserHandler {
	return &UserHandler{db: db}
}

// SearchUsers 이메일/이름으로 사용자 검색 (본인 제외, 최대 10명)
func (h *UserHandler) SearchUsers(c *fiber.Ctx) error {
	claims, err := auth.GetClaimsFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "authentication required"})
	}

	query := sanitizeQuery(c.Query("q"))
	if len(query) < 2 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "search query must be at least 2 characters"})
	}

	var users []model.User
	pattern := "%" + query + "%"
	if err := h.db.
		Where("(email ILIKE ? OR name ILIKE ?) AND id != ?", pattern, pattern, claims.UserID).
		Limit(10).
		Find(&users).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to search users"})
	}

	results := make([]UserResponse, 0, len(users))
	for i := range users {
		results = append(results, toUserResponse(&users[i]))
	}

	return c.JSON(fiber.Map{"users": results})
}

// sanitizeQuery LIKE 와일드카드와 공백 제거
func sanitizeQuery(q string) string {
	q = strings.TrimSpace(q)
	q = strings.ReplaceAll(q, "%", "")
	q = strings.ReplaceAll(q, "_", "")
	return q
}
