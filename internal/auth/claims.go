package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingIssuer        = errors.New("auth: issuer required")
	ErrMissingAudience      = errors.New("auth: audience required")
	ErrMissingUserID        = errors.New("auth: user id required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
)

// Identity is the profile a handshake token vouches for.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// Normalize trims every field.
func (i Identity) Normalize() Identity {
	return Identity{
		UserID:      strings.TrimSpace(i.UserID),
		DisplayName: strings.TrimSpace(i.DisplayName),
		AvatarURL:   strings.TrimSpace(i.AvatarURL),
	}
}

// HandshakeClaims is the JWT payload presented when opening the event channel.
type HandshakeClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the profile carried by the claims.
func (c HandshakeClaims) Identity() Identity {
	return Identity{UserID: c.UserID, DisplayName: c.DisplayName, AvatarURL: c.AvatarURL}
}

// PeekIdentity reads the identity from a token without verifying its
// signature. Clients use it to learn their own user id; the relay always
// verifies.
func PeekIdentity(token string) (Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Identity{}, ErrMissingToken
	}
	claims := &HandshakeClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(trimmed, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	identity := claims.Identity().Normalize()
	if identity.UserID == "" {
		return Identity{}, ErrMissingUserID
	}
	return identity, nil
}
