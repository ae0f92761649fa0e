package auth

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CSRFMiddleware enforces double-submit CSRF protection for cookie
// authenticated mutations. Safe requests receive the csrf cookie when missing.
// It must run after Middleware.
func (s *Service) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requiresCSRFCheck(c.Request.Method) {
			s.ensureCSRFCookie(c)
			c.Next()
			return
		}
		if viaCookie, _ := c.Get(viaCookieKey); viaCookie != true {
			// bearer authorization is exempt
			c.Next()
			return
		}
		headerToken := c.GetHeader(s.csrfHeaderName)
		cookieToken, err := c.Cookie(s.csrfCookieName)
		if err != nil || headerToken == "" || cookieToken == "" || headerToken != cookieToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

func (s *Service) ensureCSRFCookie(c *gin.Context) {
	if v, err := c.Cookie(s.csrfCookieName); err == nil && v != "" {
		return
	}
	token, err := s.NewCSRFToken()
	if err != nil {
		log.Printf("auth csrf token: %v", err)
		return
	}
	c.SetSameSite(http.SameSiteStrictMode)
	// readable by the client so it can echo it back in the header
	c.SetCookie(s.csrfCookieName, token, 0, "/", "", c.Request.TLS != nil, false)
}

func requiresCSRFCheck(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}
