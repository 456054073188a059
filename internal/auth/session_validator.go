package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "bearer "
	tokenQueryParameter = "token"
)

// SessionValidatorConfig describes how handshake tokens are validated.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	// CookieName, when set, is consulted after the header and query parameter.
	CookieName string
	Clock      func() time.Time
}

// SessionValidator validates HS256 handshake tokens.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		cookieName:    strings.TrimSpace(cfg.CookieName),
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *SessionValidator) ValidateToken(tokenString string) (HandshakeClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return HandshakeClaims{}, ErrMissingToken
	}

	claims := &HandshakeClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return HandshakeClaims{}, ErrExpiredToken
		}
		return HandshakeClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return HandshakeClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" || claims.Subject != claims.UserID {
		return HandshakeClaims{}, ErrMissingUserID
	}
	return *claims, nil
}

// ValidateRequest reads the token from the Authorization header, the token
// query parameter (browsers cannot set headers on a WebSocket upgrade) or the
// configured cookie, in that order.
func (v *SessionValidator) ValidateRequest(r *http.Request) (HandshakeClaims, error) {
	if r == nil {
		return HandshakeClaims{}, ErrMissingToken
	}
	return v.ValidateToken(v.extractToken(r))
}

func (v *SessionValidator) extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	if token := strings.TrimSpace(r.URL.Query().Get(tokenQueryParameter)); token != "" {
		return token
	}
	if v.cookieName != "" {
		if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil {
			return cookie.Value
		}
	}
	return ""
}
