package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/healthincentive/internal/ledger"
	"github.com/jmerrifield20/healthincentive/internal/session"
	"github.com/jmerrifield20/healthincentive/internal/workflow"
	"go.uber.org/zap"
)

// WorkflowHandler exposes the patient workflow over HTTP. Every route
// requires a session.
type WorkflowHandler struct {
	wf      *workflow.Workflow
	session gin.HandlerFunc
	logger  *zap.Logger
}

// NewWorkflowHandler creates a new WorkflowHandler. requireSession is the
// middleware that resolves the caller's session (SessionHandler.RequireSession).
func NewWorkflowHandler(wf *workflow.Workflow, requireSession gin.HandlerFunc, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{wf: wf, session: requireSession, logger: logger}
}

// Register mounts the workflow routes on the given router group.
func (h *WorkflowHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/session/registration", h.session, h.ShowRegistration)

	p := rg.Group("/patients", h.session)
	{
		p.POST("", h.RegisterPatient)
		p.GET("/:id", h.FetchPatient)
		p.POST("/selected/footsteps", h.RecordFootsteps)
		p.POST("/selected/penalty", h.StorePenalty)
		p.POST("/selected/incentive", h.SettleIncentive)
	}
}

// writeError maps a workflow error onto an HTTP status and a user message.
func (h *WorkflowHandler) writeError(c *gin.Context, err error) {
	var pe *workflow.PreconditionError
	var provErr *session.ProviderError
	var depErr *ledger.DeploymentError
	var txErr *ledger.TransactionError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrOperationInFlight):
		status = http.StatusConflict
	case errors.As(err, &pe):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &provErr), errors.As(err, &depErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &txErr):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"error":  workflow.UserMessage(err),
		"detail": err.Error(),
	})
}

// RegisterPatient handles POST /patients.
func (h *WorkflowHandler) RegisterPatient(c *gin.Context) {
	var req workflow.Registration
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.wf.RegisterPatient(c.Request.Context(), SessionFromCtx(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// FetchPatient handles GET /patients/:id: reads the record and selects the patient.
func (h *WorkflowHandler) FetchPatient(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a non-negative integer"})
		return
	}

	res, err := h.wf.FetchPatientDetails(c.Request.Context(), SessionFromCtx(c), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result": res,
		"row":    res.Record.Row(),
	})
}

type footstepsRequest struct {
	Footsteps *uint64 `json:"footsteps" binding:"required"`
}

// RecordFootsteps handles POST /patients/selected/footsteps.
func (h *WorkflowHandler) RecordFootsteps(c *gin.Context) {
	var req footstepsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.wf.RecordFootsteps(c.Request.Context(), SessionFromCtx(c), *req.Footsteps)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// StorePenalty handles POST /patients/selected/penalty.
func (h *WorkflowHandler) StorePenalty(c *gin.Context) {
	res, err := h.wf.StorePenalty(c.Request.Context(), SessionFromCtx(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SettleIncentive handles POST /patients/selected/incentive.
func (h *WorkflowHandler) SettleIncentive(c *gin.Context) {
	res, err := h.wf.SettleIncentive(c.Request.Context(), SessionFromCtx(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ShowRegistration handles POST /session/registration: returns to the
// registration form and clears the selected patient.
func (h *WorkflowHandler) ShowRegistration(c *gin.Context) {
	c.JSON(http.StatusOK, h.wf.ShowRegistration(SessionFromCtx(c)))
}
