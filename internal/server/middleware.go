package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsMiddleware mirrors the permissive browser policy of the public API:
// every origin is allowed and preflights are answered inline.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Max-Age", "86400")
			if requested := c.GetHeader("Access-Control-Request-Headers"); requested != "" {
				c.Header("Access-Control-Allow-Headers", requested)
			} else {
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// abuseMiddleware feeds every request into the rate monitor. Rejection of
// blocked IPs happens per handler so the opensource bypass can consult the
// requested model.
func (s *Server) abuseMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.monitor != nil {
			s.monitor.Record(clientIP(c), c.Request.URL.Path, c.GetHeader("User-Agent"))
		}
		c.Next()
	}
}

// clientIP resolves the real client address, preferring the Cloudflare
// header over generic proxy headers over the socket peer.
func clientIP(c *gin.Context) string {
	if ip := strings.TrimSpace(c.GetHeader("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		if ip := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(c.GetHeader("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// rejectIfBlocked answers blocked IPs with a spam-detection 429. Opensource
// tier traffic bypasses the block when the account carries the flag, so a
// shared NAT under mitigation does not lock out self-hosted model users.
func (s *Server) rejectIfBlocked(c *gin.Context, model string) bool {
	if s.monitor == nil {
		return false
	}
	ip := clientIP(c)
	if !s.monitor.IsBlocked(ip) {
		return false
	}
	if model != "" && s.gate.IsOpensourceModel(model) {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			user := s.store.Users().Users[strings.TrimPrefix(authHeader, "Bearer ")]
			if user != nil && user.Opensource {
				return false
			}
		}
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": gin.H{
			"message": fmt.Sprintf("Your IP address %s is temporarily blocked due to spam detection. Please try again later.", ip),
			"type":    "ip_blocked",
			"code":    "ip_temporarily_blocked",
		},
	})
	return true
}
