package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/healthincentive/internal/session"
	"github.com/jmerrifield20/healthincentive/internal/workflow"
	"go.uber.org/zap"
)

const ctxSession = "hic_session"

// SessionHandler creates sessions and manages the active account.
type SessionHandler struct {
	provider session.AccountProvider
	store    *session.Store
	tokens   *session.TokenIssuer
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(provider session.AccountProvider, store *session.Store, tokens *session.TokenIssuer, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{provider: provider, store: store, tokens: tokens, logger: logger}
}

// Register mounts the session routes on the given router group.
func (h *SessionHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.CreateSession)

	s := rg.Group("/session", h.RequireSession())
	{
		s.GET("", h.GetSession)
		s.PUT("/account", h.UseAccount)
		s.DELETE("", h.DeleteSession)
	}
}

// RequireSession returns a Gin middleware that resolves the Bearer session
// token into a live session.Context.
func (h *SessionHandler) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer session token required",
			})
			return
		}

		sid, err := h.tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid session token: " + err.Error(),
			})
			return
		}

		sess, err := h.store.Get(sid)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "session expired, create a new one",
			})
			return
		}

		c.Set(ctxSession, sess)
		c.Next()
	}
}

// SessionFromCtx returns the session resolved by RequireSession, or nil.
func SessionFromCtx(c *gin.Context) *session.Context {
	v, _ := c.Get(ctxSession)
	sess, _ := v.(*session.Context)
	return sess
}

// CreateSession handles POST /sessions: loads the node's accounts and
// returns a session token.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	sess, err := session.Initialize(c.Request.Context(), h.provider)
	if err != nil {
		h.logger.Error("session initialize failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": workflow.UserMessage(err), "detail": err.Error()})
		return
	}

	token, err := h.tokens.Issue(sess.ID())
	if err != nil {
		h.logger.Error("issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue session token"})
		return
	}
	h.store.Put(sess)

	h.logger.Info("session created",
		zap.String("session_id", sess.ID()),
		zap.String("active_account", sess.ActiveAccount().Hex()),
	)
	c.JSON(http.StatusCreated, gin.H{
		"token":   token,
		"session": sess.Snapshot(),
	})
}

// GetSession handles GET /session.
func (h *SessionHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, SessionFromCtx(c).Snapshot())
}

// DeleteSession handles DELETE /session.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	h.store.Delete(SessionFromCtx(c).ID())
	c.Status(http.StatusNoContent)
}

type useAccountRequest struct {
	Account string `json:"account" binding:"required"`
}

// UseAccount handles PUT /session/account: switches the active operator account.
func (h *SessionHandler) UseAccount(c *gin.Context) {
	var req useAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Account) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account must be a hex address"})
		return
	}

	sess := SessionFromCtx(c)
	if err := sess.UseAccount(common.HexToAddress(req.Account)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrUnknownAccount) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Snapshot())
}
