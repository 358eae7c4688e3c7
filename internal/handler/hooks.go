package handler

import (
	"net/http"
	"strings"

	"github.com/haatos/merge-train/internal/service"
	"github.com/labstack/echo/v4"
)

func SetupHookRoutes(g *echo.Group, trainService service.TrainServicer, webhookKey string) {
	h := NewHookHandler(trainService)
	hooksGroup := g.Group("/hooks", WebhookKeyMiddleware(webhookKey))
	hooksGroup.POST("/pipeline", h.PostPipelineHook)
	hooksGroup.POST("/push", h.PostPushHook)
}

type HookHandler struct {
	trainService service.TrainServicer
}

func NewHookHandler(trainService service.TrainServicer) *HookHandler {
	return &HookHandler{trainService}
}

type pipelineHookResponse struct {
	PipelineID int64                `json:"pipeline_id"`
	Outcome    service.MergeOutcome `json:"outcome"`
}

type pushHookResponse struct {
	Outdated int `json:"outdated"`
}

// PostPipelineHook receives CI status changes of train pipelines.
func (h *HookHandler) PostPipelineHook(c echo.Context) error {
	pp := new(PipelineHookParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline hook data")
	}
	switch pp.Status {
	case service.PipelineQueued,
		service.PipelineRunning,
		service.PipelineCancelled,
		service.PipelineFailed,
		service.PipelinePassed:
	default:
		return newError(nil, http.StatusBadRequest, "invalid pipeline status")
	}

	outcome, err := h.trainService.OnPipelineStatus(c.Request().Context(), pp.PipelineID, pp.Status)
	if err != nil {
		return serviceError(err, "unable to process pipeline status")
	}
	return c.JSON(http.StatusOK, pipelineHookResponse{PipelineID: pp.PipelineID, Outcome: outcome})
}

// PostPushHook receives pushes to target branches.
func (h *HookHandler) PostPushHook(c echo.Context) error {
	pp := new(PushHookParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid push hook data")
	}
	pp.Branch = strings.TrimPrefix(pp.Branch, "refs/heads/")
	if pp.ProjectID == 0 || pp.Branch == "" {
		return newError(nil, http.StatusBadRequest, "project_id and branch are required")
	}

	outdated, err := h.trainService.OnTargetBranchAdvanced(
		c.Request().Context(), pp.ProjectID, pp.Branch, pp.SHA,
	)
	if err != nil {
		return serviceError(err, "unable to process push")
	}
	return c.JSON(http.StatusOK, pushHookResponse{Outdated: outdated})
}
