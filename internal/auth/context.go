package auth

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

var ErrNoClaims = errors.New("no claims in context")

// GetClaimsFromContext 미들웨어가 저장한 클레임 조회
func GetClaimsFromContext(c *fiber.Ctx) (*Claims, error) {
	claims, ok := c.Locals("claims").(*Claims)
	if !ok || claims == nil {
		return nil, ErrNoClaims
	}
	return claims, nil
}
