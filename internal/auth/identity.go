package auth

import (
	"errors"
	"slices"
	"strings"

	"github.com/clipvote/api/internal/model"
)

// ErrUnauthenticated is returned when no configured method accepts a token.
var ErrUnauthenticated = errors.New("invalid or expired token")

// NewContributor builds a contributor identity. Unknown tiers fall back to
// bronze and unknown capabilities are dropped.
func NewContributor(id, role, tier string, capabilities []string) *model.Contributor {
	c := &model.Contributor{
		ID:   id,
		Role: role,
		Tier: parseTier(tier),
	}
	for _, raw := range capabilities {
		t := model.TaskType(strings.TrimSpace(strings.ToLower(raw)))
		if slices.Contains(model.ValidTaskTypes, t) && !slices.Contains(c.Capabilities, t) {
			c.Capabilities = append(c.Capabilities, t)
		}
	}
	return c
}

// SplitList splits a comma-separated header value.
func SplitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseTier(s string) model.Tier {
	switch t := model.Tier(strings.TrimSpace(strings.ToLower(s))); t {
	case model.TierBronze, model.TierSilver, model.TierGold:
		return t
	}
	return model.TierBronze
}

// Authenticator resolves bearer tokens to contributors, trying JWKS
// verification first and HMAC tokens second.
type Authenticator struct {
	verifier  TokenVerifier
	jwtSecret string
}

// NewAuthenticator accepts a nil verifier or an empty secret to disable
// that method.
func NewAuthenticator(verifier TokenVerifier, jwtSecret string) *Authenticator {
	return &Authenticator{verifier: verifier, jwtSecret: jwtSecret}
}

// Configured reports whether any method is enabled.
func (a *Authenticator) Configured() bool {
	return a.verifier != nil || a.jwtSecret != ""
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// Authenticate validates tokenString and returns its contributor.
func (a *Authenticator) Authenticate(tokenString string) (*model.Contributor, error) {
	if a.verifier != nil {
		if claims, err := a.verifier.Validate(tokenString); err == nil {
			return claims.Contributor(), nil
		}
	}
	if a.jwtSecret != "" {
		if claims, err := ValidateLegacyToken(tokenString, a.jwtSecret); err == nil {
			return claims.Contributor(), nil
		}
	}
	return nil, ErrUnauthenticated
}
