// Package auth identifies callers and decides which negotiations they may touch.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleClient  = "client"
	RoleService = "service"
)

// Principal is an authenticated caller. Clients act for themselves, services for any user.
type Principal struct {
	ActorID string
	Role    string
	Source  string
}

func (p Principal) IsService() bool {
	return p.Role == RoleService
}

// ForbiddenError indicates the caller does not own the resource.
type ForbiddenError struct {
	ActorID string
	UserID  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s may not act for user %s", e.ActorID, e.UserID)
}

// CanActFor allows services everywhere and clients only on their own user id.
func CanActFor(p Principal, userID string) error {
	if p.IsService() || (p.ActorID != "" && p.ActorID == userID) {
		return nil
	}
	return ForbiddenError{ActorID: p.ActorID, UserID: userID}
}

// TokenConfig holds the HS256 signing parameters.
type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// IssueToken mints a signed bearer token whose subject is the user id.
func IssueToken(cfg TokenConfig, subject, role string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	if role == "" {
		role = RoleClient
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	if cfg.Audience != "" {
		c.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(cfg.Secret))
}

// ParseToken verifies signature, expiry, issuer and audience.
func ParseToken(cfg TokenConfig, token string) (Principal, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	c := &claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	role := c.Role
	if role != RoleService {
		role = RoleClient
	}
	return Principal{ActorID: c.Subject, Role: role, Source: "jwt"}, nil
}
