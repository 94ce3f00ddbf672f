package api

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/lecoder-ai/mconnect/src/hub"
	"github.com/lecoder-ai/mconnect/src/pairing"
)

// SetupRouter configures the daemon's HTTP surface: CORS preflight, the
// pairing endpoint, the UI page and the WebSocket upgrade.
func SetupRouter(h *hub.Hub, codes *pairing.Manager, tokens *pairing.TokenStore) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())
	r.Use(logrusMiddleware())

	r.GET("/api/pair", handlePair(codes))

	root := func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			h.HandleWS(c)
			return
		}
		serveUI(c, tokens)
	}
	r.GET("/", root)
	r.GET("/ws", h.HandleWS)

	return r
}

// handlePair exchanges a single-use pairing code for the session's bearer
// token. This response is the only way to obtain a token.
func handlePair(codes *pairing.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := strings.ToUpper(strings.TrimSpace(c.Query("code")))
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid code"})
			return
		}
		res := codes.Validate(code)
		if !res.Valid {
			status := http.StatusUnauthorized
			if res.Reason == "Invalid code" {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": res.Reason})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": res.Token, "sessionId": res.SessionID})
	}
}

// serveUI serves the terminal page for a valid token and the pairing-entry
// page otherwise.
func serveUI(c *gin.Context, tokens *pairing.TokenStore) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	token := c.Query("token")
	if token != "" {
		if _, ok := tokens.Validate(token); ok {
			c.String(http.StatusOK, terminalHTML)
			return
		}
	}
	c.String(http.StatusOK, pairingHTML)
}

// corsMiddleware answers preflight and opens the pairing endpoint to any
// origin; possession of a code or token is the actual gate.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// sensitiveQueryParams are redacted from access logs; the bearer token and
// pairing code both travel as query parameters.
var sensitiveQueryParams = []string{"token", "code", "auth", "authorization"}

func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery
	}
	values, err := url.ParseQuery(parts[1])
	if err != nil {
		return redactQueryPatterns(pathWithQuery)
	}
	redacted := false
	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[REDACTED]")
				redacted = true
				break
			}
		}
	}
	if !redacted {
		return pathWithQuery
	}
	return parts[0] + "?" + values.Encode()
}

func redactQueryPatterns(pathWithQuery string) string {
	result := pathWithQuery
	for _, param := range sensitiveQueryParams {
		pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(param) + `=)[^&\s]*`)
		result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
	}
	return result
}

func logrusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		sanitizedPath := redactSecrets(path)

		start := time.Now()
		c.Next()
		latency := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1e6))
		statusCode := c.Writer.Status()

		msg := fmt.Sprintf("%s %s %d %dms", c.Request.Method, sanitizedPath, statusCode, latency)
		if statusCode >= http.StatusBadRequest {
			logrus.Error(msg)
		} else {
			logrus.Info(msg)
		}
	}
}
