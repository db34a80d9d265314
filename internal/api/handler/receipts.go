package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/healthincentive/internal/receipts"
	"go.uber.org/zap"
)

// ReceiptsHandler exposes read-only HTTP endpoints for the receipt journal.
type ReceiptsHandler struct {
	journal receipts.Journal
	logger  *zap.Logger
}

// NewReceiptsHandler creates a new ReceiptsHandler.
func NewReceiptsHandler(journal receipts.Journal, logger *zap.Logger) *ReceiptsHandler {
	return &ReceiptsHandler{journal: journal, logger: logger}
}

// Register mounts the receipt routes on the given router group.
func (h *ReceiptsHandler) Register(rg *gin.RouterGroup) {
	r := rg.Group("/receipts")
	{
		r.GET("", h.List)
		r.GET("/verify", h.Verify)
		r.GET("/entries/:idx", h.GetEntry)
	}
}

// List handles GET /receipts: returns the chain length, root hash and a
// page of entries (?offset=&limit=).
func (h *ReceiptsHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	count, err := h.journal.Len(ctx)
	if err != nil {
		h.logger.Error("journal Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query journal"})
		return
	}

	root, err := h.journal.Root(ctx)
	if err != nil {
		h.logger.Error("journal Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query journal root"})
		return
	}

	entries, err := h.journal.List(ctx, offset, limit)
	if err != nil {
		h.logger.Error("journal List", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list journal entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"root":    root,
		"items":   entries,
	})
}

// Verify handles GET /receipts/verify: walks the full chain and reports integrity.
func (h *ReceiptsHandler) Verify(c *gin.Context) {
	if err := h.journal.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("journal integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetEntry handles GET /receipts/entries/:idx: returns a single journal entry.
func (h *ReceiptsHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.journal.Get(c.Request.Context(), idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}

	c.JSON(http.StatusOK, entry)
}
