package identity

import (
	"crypto/tls"

	"github.com/gin-gonic/gin"
)

const ctxCaller = "sandcats_caller"

// Middleware returns a Gin middleware that extracts the Caller for every
// request and stores it in the context. It never aborts; handlers decide
// which fields they require.
func Middleware(ex *Extractor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxCaller, ex.Extract(c.Request))
		c.Next()
	}
}

// CallerFromCtx retrieves the Caller injected by Middleware.
func CallerFromCtx(c *gin.Context) Caller {
	v, _ := c.Get(ctxCaller)
	caller, _ := v.(Caller)
	return caller
}

// ServerTLSConfig returns a TLS config that asks for, but does not verify,
// a client certificate. Sandcats clients use self-signed certificates; the
// fingerprint itself is the credential.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}
