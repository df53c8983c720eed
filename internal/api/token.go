package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenUnreadable indicates the access token is not a parseable JWT.
	ErrTokenUnreadable = errors.New("api.token_unreadable")
	// ErrTokenNoExpiry indicates the access token carries no exp claim.
	ErrTokenNoExpiry = errors.New("api.token_no_expiry")
)

// TokenExpiry reads the expiry of a backend access token without verifying
// its signature; the signing key belongs to the backend. Used for display
// only, never for authorization decisions.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	parsed, _, parseErr := parser.ParseUnverified(token, jwt.MapClaims{})
	if parseErr != nil {
		return time.Time{}, ErrTokenUnreadable
	}
	expiresAt, expiryErr := parsed.Claims.GetExpirationTime()
	if expiryErr != nil || expiresAt == nil {
		return time.Time{}, ErrTokenNoExpiry
	}
	return expiresAt.Time, nil
}
