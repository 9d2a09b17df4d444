package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/sandcats/internal/ledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes the ownership ledger read-only. Entries carry
// hostnames and key fingerprints only; email addresses never reach the chain.
type LedgerHandler struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(l ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

// Register mounts the ledger routes under /ledger.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries/:idx", h.GetEntry)
		l.GET("/hostnames/:hostname", h.History)
	}
}

// Overview handles GET /ledger.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.ledger.Len(ctx)
	if err != nil {
		h.logger.Error("ledger Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"text": "failed to query ledger"})
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		h.logger.Error("ledger Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"text": "failed to query ledger root"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": count, "root": root})
}

// Verify handles GET /ledger/verify. A broken chain is still a 200; the body
// says so.
func (h *LedgerHandler) Verify(c *gin.Context) {
	if err := h.ledger.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("ownership ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "text": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /ledger/entries/:idx.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"text": "idx must be a non-negative integer"})
		return
	}
	entry, err := h.ledger.Get(c.Request.Context(), idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"text": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// History handles GET /ledger/hostnames/:hostname.
func (h *LedgerHandler) History(c *gin.Context) {
	host := strings.ToLower(c.Param("hostname"))
	entries, err := h.ledger.History(c.Request.Context(), host)
	if err != nil {
		h.logger.Error("ledger History", zap.String("hostname", host), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"text": "failed to query ledger"})
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"hostname": host, "entries": entries})
}
