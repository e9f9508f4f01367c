package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionIssuer = "gather-session"

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the payload of a browser session cookie. The profile fields seed the
// identity and profile rows the first time a subject signs in.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	UserAvatarURL   string `json:"user_avatar_url"`
	jwt.RegisteredClaims
}

type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator accepts HS256 session cookies from one issuer, gather-session unless configured.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser: jwt.NewParser(
			jwt.WithTimeFunc(clock),
			jwt.WithIssuer(issuer),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		),
	}, nil
}

func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

func (v *SessionValidator) signingKey(*jwt.Token) (interface{}, error) {
	return v.signingSecret, nil
}

// ValidateToken parses a session JWT. A token must name its user through sub or user_id.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, v.signingKey)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	case !parsed.Valid:
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" && strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
