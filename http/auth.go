package http

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthorization returns an AuthorizationProvider that signs short-lived
// HS256 bearer tokens for the facilitator. A token is reused until it is
// within a fifth of its lifetime of expiring.
func JWTAuthorization(secret []byte, issuer string, ttl time.Duration) AuthorizationProvider {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	var (
		mu      sync.Mutex
		current string
		expires time.Time
	)
	return func(*http.Request) string {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if current != "" && now.Add(ttl/5).Before(expires) {
			return current
		}

		exp := now.Add(ttl)
		claims := jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			slog.Default().Error("failed to sign facilitator token", "error", err)
			return ""
		}
		current = "Bearer " + signed
		expires = exp
		return current
	}
}
