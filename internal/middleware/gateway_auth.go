package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/clipvote/api/internal/auth"
	"github.com/clipvote/api/pkg/response"
)

// GatewayAuthMiddleware reads contributor identity from X-User-* headers
// set by Traefik ForwardAuth and populates Fiber context locals.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		c.Locals(contributorKey, auth.NewContributor(
			userID,
			c.Get("X-User-Role"),
			c.Get("X-User-Tier"),
			auth.SplitList(c.Get("X-User-Capabilities")),
		))
		return c.Next()
	}
}
