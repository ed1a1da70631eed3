package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/clipvote/api/internal/auth"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	authenticator *auth.Authenticator
}

// NewAuthHandler creates a new auth handler for ForwardAuth verification
func NewAuthHandler(a *auth.Authenticator) *AuthHandler {
	return &AuthHandler{authenticator: a}
}

// Verify handles GET /auth/verify, called by Traefik ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	tokenString, ok := auth.BearerToken(c.Get("Authorization"))
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	who, err := h.authenticator.Authenticate(tokenString)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	caps := make([]string, 0, len(who.Capabilities))
	for _, t := range who.Capabilities {
		caps = append(caps, string(t))
	}
	c.Set("X-User-Id", who.ID)
	c.Set("X-User-Role", who.Role)
	c.Set("X-User-Tier", string(who.Tier))
	c.Set("X-User-Capabilities", strings.Join(caps, ","))
	return c.SendStatus(fiber.StatusOK)
}
