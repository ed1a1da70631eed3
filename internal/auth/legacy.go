package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clipvote/api/internal/model"
)

// ContributorClaims are the claims of HMAC-signed contributor tokens.
type ContributorClaims struct {
	UserID       string   `json:"userId"`
	Role         string   `json:"role,omitempty"`
	Tier         string   `json:"tier,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	jwt.RegisteredClaims
}

// Contributor returns the identity carried by the token.
func (c *ContributorClaims) Contributor() *model.Contributor {
	return NewContributor(c.UserID, c.Role, c.Tier, c.Capabilities)
}

// ValidateLegacyToken validates a token using HMAC signing
func ValidateLegacyToken(tokenString, secret string) (*ContributorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ContributorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*ContributorClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}

// IssueLegacyToken signs an HMAC contributor token. A zero ttl issues a token
// without expiry.
func IssueLegacyToken(secret string, c *model.Contributor, ttl time.Duration) (string, error) {
	caps := make([]string, 0, len(c.Capabilities))
	for _, t := range c.Capabilities {
		caps = append(caps, string(t))
	}
	claims := ContributorClaims{
		UserID:       c.ID,
		Role:         c.Role,
		Tier:         string(c.Tier),
		Capabilities: caps,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   "clipvote-api",
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
