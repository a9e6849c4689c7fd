package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/erp/dte/internal/infrastructure/sii"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// requestID tags each request with an ID, reusing the caller's when present
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = generateRequestID()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}

// accessLog writes one line per request
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("sandbox request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// bodyLimit rejects request bodies larger than maxBytes
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, sii.ErrorResponse{
				Codigo: sii.ErrorCodeSchema,
				Glosa:  "request body exceeds maximum allowed size",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// delay holds every response for the configured latency or until the caller gives up
func (s *Server) delay() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := s.responseDelay()
		if d <= 0 {
			c.Next()
			return
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			c.Next()
		case <-c.Request.Context().Done():
			c.Abort()
		}
	}
}

// requireToken rejects calls without a live session cookie
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		value, err := c.Cookie(sii.TokenCookie)
		if err != nil || !s.validToken(value) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, sii.ErrorResponse{
				Codigo: sii.ErrorCodeUnauthorized,
				Glosa:  "token invalido o expirado",
			})
			return
		}
		c.Next()
	}
}
