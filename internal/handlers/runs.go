package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clausewise/analysis-engine/internal/logger"
	"github.com/clausewise/analysis-engine/internal/models"
	"github.com/clausewise/analysis-engine/internal/services"
	engerrors "github.com/clausewise/analysis-engine/pkg/errors"
)

// RunHandler exposes run submission and inspection
type RunHandler struct {
	registry  *services.RunRegistry
	artifacts *services.ArtifactService
	logger    *logger.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(registry *services.RunRegistry, artifacts *services.ArtifactService, log *logger.Logger) *RunHandler {
	return &RunHandler{
		registry:  registry,
		artifacts: artifacts,
		logger:    log.WithService("run_handler"),
	}
}

// SubmitRunRequest is the submission payload
type SubmitRunRequest struct {
	DocumentID      string `json:"document_id" binding:"required"`
	UserID          string `json:"user_id" binding:"required"`
	ForceRestart    bool   `json:"force_restart"`
	RestartFromStep string `json:"restart_from_step" binding:"omitempty,step_key"`
}

// SubmitRun handles run submission. Resubmitting while a run is active
// returns the active run; a completed document returns 409 unless the
// caller forces a restart.
// @Summary Submit a document for analysis
// @Tags runs
// @Accept json
// @Produce json
// @Router /api/v1/runs [post]
func (h *RunHandler) SubmitRun(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, engerrors.Validation("invalid submission payload", map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	run, err := h.registry.StartOrResume(c.Request.Context(), req.DocumentID, req.UserID, req.ForceRestart, req.RestartFromStep)
	if err != nil {
		if engerrors.Code(err) == engerrors.ErrAlreadyCompleted {
			c.JSON(http.StatusConflict, err)
			return
		}
		h.logger.Error("run submission failed",
			zap.String("document_id", req.DocumentID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, engerrors.Internal("failed to start run", nil))
		return
	}

	c.JSON(http.StatusAccepted, run)
}

// GetRun returns one run by id
// @Summary Get run state
// @Tags runs
// @Produce json
// @Router /api/v1/runs/{id} [get]
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.registry.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if engerrors.Code(err) == engerrors.ErrNotFound {
			c.JSON(http.StatusNotFound, err)
			return
		}
		c.JSON(http.StatusInternalServerError, engerrors.Internal("failed to load run", nil))
		return
	}
	c.JSON(http.StatusOK, run)
}

// CancelRun requests cooperative cancellation. In-flight phase units finish;
// no further phases dispatch.
// @Summary Cancel a run
// @Tags runs
// @Produce json
// @Router /api/v1/runs/{id}/cancel [post]
func (h *RunHandler) CancelRun(c *gin.Context) {
	run, err := h.registry.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if engerrors.Code(err) == engerrors.ErrNotFound {
			c.JSON(http.StatusNotFound, err)
			return
		}
		c.JSON(http.StatusInternalServerError, engerrors.Internal("failed to load run", nil))
		return
	}

	if err := h.registry.MarkStatus(c.Request.Context(), run, models.RunCancelled); err != nil {
		if engerrors.Code(err) == engerrors.ErrInvalidTransition {
			c.JSON(http.StatusConflict, err)
			return
		}
		c.JSON(http.StatusInternalServerError, engerrors.Internal("failed to cancel run", nil))
		return
	}

	c.JSON(http.StatusOK, run)
}

// DeleteDocumentRequest scopes a document deletion to its owner
type DeleteDocumentRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// DeleteDocument removes the user's links for a document and garbage
// collects any artifact set no link references anymore. Shared artifacts
// still referenced by another tenant survive.
// @Summary Delete a user document
// @Tags documents
// @Accept json
// @Produce json
// @Router /api/v1/documents/{id} [delete]
func (h *RunHandler) DeleteDocument(c *gin.Context) {
	var req DeleteDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, engerrors.Validation("invalid deletion payload", map[string]interface{}{
			"error": err.Error(),
		}))
		return
	}

	documentID := c.Param("id")
	addresses, err := h.artifacts.DeleteUserDocument(c.Request.Context(), req.UserID, documentID)
	if err != nil {
		h.logger.Error("document deletion failed",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, engerrors.Internal("failed to delete document", nil))
		return
	}

	collected := 0
	for _, address := range addresses {
		ok, err := h.artifacts.CollectGarbage(c.Request.Context(), address)
		if err != nil {
			h.logger.Warn("garbage collection failed",
				zap.String("document_id", documentID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			collected++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"document_id":        documentID,
		"collected_art_sets": collected,
	})
}
