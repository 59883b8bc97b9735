package httpapi

import (
	"strings"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/gofiber/fiber/v2"
)

const claimsLocal = "claims"

func bearerToken(c *fiber.Ctx) string {
	token, found := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), common.BearerPrefix)
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

// requireAuth admits requests with a valid access token carrying one of
// roles (any role when none are given) and stores the claims in Locals.
func (s *Server) requireAuth(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims, err := s.sessions.Authorize(c.UserContext(), bearerToken(c), roles...)
		if err != nil {
			return err
		}
		c.Locals(claimsLocal, claims)
		return c.Next()
	}
}

func claimsOf(c *fiber.Ctx) *auth.Claims {
	claims, _ := c.Locals(claimsLocal).(*auth.Claims)
	return claims
}
