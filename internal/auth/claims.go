package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// IDClaims are the identity token claims used for display.
type IDClaims struct {
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	jwt.RegisteredClaims
}

// Account returns the best available account label.
func (c *IDClaims) Account() string {
	switch {
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.Email != "":
		return c.Email
	default:
		return c.Name
	}
}

// parseIDToken reads the identity token without verifying its signature. It
// arrives directly from the token endpoint over TLS and is only used to
// label the session, never to make access decisions.
func parseIDToken(raw string) (*IDClaims, error) {
	claims := &IDClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id_token: %w", err)
	}
	return claims, nil
}
