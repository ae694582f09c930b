// ABOUTME: Bearer token inspection for early warnings about expired gateway credentials.
// ABOUTME: The gateway verifies signatures; the console only reads the expiry claim.

package gatewayclient

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry returns the exp claim of a JWT bearer token. ok is false for
// opaque tokens and tokens without an expiry.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, false
	}
	return expiry.Time, true
}

func (c *Client) warnIfTokenExpired() {
	exp, ok := TokenExpiry(c.token)
	if !ok {
		return
	}
	if time.Now().After(exp) {
		c.logger.Warn("gateway token has expired; connection will likely be rejected", "expired_at", exp)
		return
	}
	c.logger.Debug("gateway token expiry", "expires_at", exp)
}
