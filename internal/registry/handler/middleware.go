package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/sandcats/internal/identity"
	"github.com/jmerrifield20/sandcats/internal/registry/service"
	"go.uber.org/zap"
)

// requireSandHeader rejects requests without X-Sand: cats. Browsers cannot
// be made to send a custom header cross-site without a preflight.
func requireSandHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !identity.CallerFromCtx(c).CSRF {
			respondText(c, http.StatusForbidden, service.MsgMissingCSRF)
			c.Abort()
			return
		}
		c.Next()
	}
}

func requirePOST() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost {
			respondText(c, http.StatusForbidden, service.MsgMustPost)
			c.Abort()
			return
		}
		c.Next()
	}
}

// MaxBody caps request bodies at n bytes.
func MaxBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// RequestLogger logs each request once with zap. client_ip is the address
// the identity middleware attributed the request to.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		var clientIP string
		if ip := identity.CallerFromCtx(c).IP; ip != nil {
			clientIP = ip.String()
		}
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", clientIP),
		)
	}
}
