package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextKey = "auth_user_id"
	viaCookieKey     = "auth_via_cookie"
)

// Middleware validates the identity token and stores the user id in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, viaCookie := s.extractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		userID, err := s.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Set(viaCookieKey, viaCookie)
		c.Next()
	}
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	userID, ok := val.(string)
	return userID, ok && userID != ""
}

func (s *Service) extractToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:]), false
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token, true
	}
	return "", false
}
