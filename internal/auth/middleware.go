package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RequireAccessToken verifies an access token and injects identity into the
// request context.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := m.VerifyRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)

		c.Next()
	}
}

// RequireRole gates a route group to specific roles. Must run after
// RequireAccessToken.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
	}
}

// VerifyRequest extracts and verifies the token on a raw request. Websocket
// upgrades cannot set headers from browsers, so a "token" query parameter is
// accepted as a fallback.
func (m *Manager) VerifyRequest(r *http.Request) (Claims, error) {
	tok := ""
	if raw := strings.TrimSpace(r.Header.Get(authorizationHeader)); strings.HasPrefix(raw, bearerPrefix) {
		tok = strings.TrimPrefix(raw, bearerPrefix)
	}
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return Claims{}, errors.New("missing bearer token")
	}
	return m.Verify(tok, time.Now())
}
