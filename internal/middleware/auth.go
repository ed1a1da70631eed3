package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/clipvote/api/internal/auth"
	"github.com/clipvote/api/internal/model"
	"github.com/clipvote/api/pkg/response"
)

const contributorKey = "contributor"

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	authenticator *auth.Authenticator
}

// NewAuthMiddleware creates auth middleware over JWKS and/or HMAC verification.
func NewAuthMiddleware(a *auth.Authenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: a}
}

// Authenticate validates JWT token from Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.authenticator.Configured() {
			return response.Unauthorized(c, "Authentication not configured")
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		tokenString, ok := auth.BearerToken(authHeader)
		if !ok {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		who, err := m.authenticator.Authenticate(tokenString)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		c.Locals(contributorKey, who)
		return c.Next()
	}
}

// GetContributor returns the authenticated contributor, or nil.
func GetContributor(c *fiber.Ctx) *model.Contributor {
	if who, ok := c.Locals(contributorKey).(*model.Contributor); ok {
		return who
	}
	return nil
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if who := GetContributor(c); who != nil {
		return who.ID
	}
	return ""
}
