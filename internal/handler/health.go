package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"whiteboard-backend/internal/cache"
	"whiteboard-backend/internal/database"
)

// HealthHandler 서비스 상태 점검 핸들러
type HealthHandler struct {
	db         *gorm.DB
	tokenCache *cache.RedisClient
	startTime  time.Time
}

// NewHealthHandler HealthHandler 생성. tokenCache는 nil일 수 있다.
func NewHealthHandler(db *gorm.DB, tokenCache *cache.RedisClient) *HealthHandler {
	return &HealthHandler{
		db:         db,
		tokenCache: tokenCache,
		startTime:  time.Now(),
	}
}

// ComponentStatus 구성 요소 상태
type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Check 전체 상태 점검 (DB + Redis)
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	components := fiber.Map{}
	healthy := true

	if err := database.Ping(h.db); err != nil {
		components["database"] = ComponentStatus{Status: "unhealthy", Error: err.Error()}
		healthy = false
	} else {
		components["database"] = ComponentStatus{Status: "healthy"}
	}

	if h.tokenCache != nil {
		if err := h.tokenCache.Health(c.Context()); err != nil {
			components["redis"] = ComponentStatus{Status: "unhealthy", Error: err.Error()}
			healthy = false
		} else {
			components["redis"] = ComponentStatus{Status: "healthy"}
		}
	} else {
		components["redis"] = ComponentStatus{Status: "disabled"}
	}

	status := "healthy"
	code := fiber.StatusOK
	if !healthy {
		status = "unhealthy"
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":     status,
		"uptime":     time.Since(h.startTime).String(),
		"timestamp":  time.Now().Format(time.RFC3339),
		"components": components,
	})
}

// Liveness 프로세스 생존 확인
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// Readiness 트래픽 수신 준비 확인 (DB 필수)
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	if err := database.Ping(h.db); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not ready",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
