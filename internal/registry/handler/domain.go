package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/sandcats/internal/identity"
	"github.com/jmerrifield20/sandcats/internal/registry/model"
	"github.com/jmerrifield20/sandcats/internal/registry/service"
	"go.uber.org/zap"
)

// Form field names.
const (
	fieldHostname         = "rawHostname"
	fieldEmail            = "email"
	fieldReservationToken = "domainReservationToken"
	fieldRecoveryToken    = "recoveryToken"
)

// DomainHandler serves the sandcats registration API.
type DomainHandler struct {
	svc    *service.DomainService
	logger *zap.Logger
}

// NewDomainHandler creates a DomainHandler.
func NewDomainHandler(svc *service.DomainService, logger *zap.Logger) *DomainHandler {
	return &DomainHandler{svc: svc, logger: logger}
}

// Register mounts the API on rg. The identity middleware must run first.
// Routes accept any method so that a wrong method gets "Must POST." rather
// than a 404.
func (h *DomainHandler) Register(rg *gin.RouterGroup) {
	guarded := []gin.HandlerFunc{requireSandHeader(), requirePOST()}

	rg.Any("/register", append(guarded, h.RegisterDomain)...)
	rg.Any("/update", append(guarded, h.UpdateDomain)...)
	rg.Any("/registerreserved", append(guarded, h.RegisterReserved)...)
	rg.Any("/sendrecoverytoken", append(guarded, h.SendRecoveryToken)...)
	rg.Any("/recover", append(guarded, h.Recover)...)

	// /reserve is called from provider web pages on other origins, so it
	// answers CORS preflights and skips the X-Sand check.
	reserve := rg.Group("/reserve", cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type", "Accept", identity.CSRFHeader},
		MaxAge:          12 * time.Hour,
	}))
	reserve.Any("", requirePOST(), h.Reserve)
}

// RegisterDomain handles POST /register.
func (h *DomainHandler) RegisterDomain(c *gin.Context) {
	caller := identity.CallerFromCtx(c)
	_, err := h.svc.Register(c.Request.Context(), service.RegisterRequest{
		RawHostname: c.PostForm(fieldHostname),
		Email:       c.PostForm(fieldEmail),
		Fingerprint: caller.Fingerprint,
		IP:          caller.IP,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, service.MsgRegistered)
}

// UpdateDomain handles POST /update.
func (h *DomainHandler) UpdateDomain(c *gin.Context) {
	caller := identity.CallerFromCtx(c)
	_, err := h.svc.Update(c.Request.Context(), service.UpdateRequest{
		RawHostname: c.PostForm(fieldHostname),
		Fingerprint: caller.Fingerprint,
		IP:          caller.IP,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, service.MsgUpdated)
}

// Reserve handles POST /reserve. It always answers JSON.
func (h *DomainHandler) Reserve(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")

	tok, err := h.svc.Reserve(c.Request.Context(), c.PostForm(fieldHostname), c.PostForm(fieldEmail))
	if err != nil {
		status, msg := h.classify(err)
		c.JSON(status, gin.H{"text": msg})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "text": service.MsgReserved, "token": tok})
}

// RegisterReserved handles POST /registerreserved.
func (h *DomainHandler) RegisterReserved(c *gin.Context) {
	caller := identity.CallerFromCtx(c)
	_, err := h.svc.RegisterReserved(c.Request.Context(), service.RegisterReservedRequest{
		RawHostname:      c.PostForm(fieldHostname),
		ReservationToken: c.PostForm(fieldReservationToken),
		Fingerprint:      caller.Fingerprint,
		IP:               caller.IP,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, service.MsgRegistered)
}

// SendRecoveryToken handles POST /sendrecoverytoken. A rate-limited request
// gets the same answer as a successful one.
func (h *DomainHandler) SendRecoveryToken(c *gin.Context) {
	if _, err := h.svc.SendRecoveryToken(c.Request.Context(), c.PostForm(fieldHostname)); err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, service.MsgRecoveryTokenSent)
}

// Recover handles POST /recover.
func (h *DomainHandler) Recover(c *gin.Context) {
	caller := identity.CallerFromCtx(c)
	_, err := h.svc.Recover(c.Request.Context(), service.RecoverRequest{
		RawHostname:   c.PostForm(fieldHostname),
		RecoveryToken: c.PostForm(fieldRecoveryToken),
		Fingerprint:   caller.Fingerprint,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondSuccess(c, service.MsgRecovered)
}

// ── responses ────────────────────────────────────────────────────────────────

func (h *DomainHandler) classify(err error) (int, string) {
	var (
		verr *model.ErrValidation
		ferr *model.ErrForbidden
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Msg
	case errors.As(err, &ferr):
		return http.StatusForbidden, ferr.Msg
	default:
		h.logger.Error("request failed", zap.Error(err))
		return http.StatusInternalServerError, service.MsgServerError
	}
}

func (h *DomainHandler) respondError(c *gin.Context, err error) {
	status, msg := h.classify(err)
	respondText(c, status, msg)
}

// respondText writes an error body as {"text": msg} or bare text,
// depending on Accept. JSON is the default.
func respondText(c *gin.Context, status int, msg string) {
	if c.NegotiateFormat(gin.MIMEJSON, gin.MIMEPlain) == gin.MIMEPlain {
		c.String(status, msg)
		return
	}
	c.JSON(status, gin.H{"text": msg})
}

func respondSuccess(c *gin.Context, msg string) {
	if c.NegotiateFormat(gin.MIMEJSON, gin.MIMEPlain) == gin.MIMEPlain {
		c.String(http.StatusOK, msg)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "text": msg})
}
