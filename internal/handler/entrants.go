package handler

import (
	"net/http"

	"github.com/haatos/merge-train/internal/service"
	"github.com/haatos/merge-train/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupEntrantRoutes(g *echo.Group, trainService service.TrainServicer) {
	h := NewEntrantHandler(trainService)
	entrantsGroup := g.Group("/entrants")
	entrantsGroup.POST("", h.PostEntrant)
	entrantsGroup.GET("/:entrant_id", h.GetEntrant)
	entrantsGroup.DELETE("/:entrant_id", h.DeleteEntrant)
	entrantsGroup.POST("/:entrant_id/pipeline", h.PostEntrantPipeline)
	entrantsGroup.POST("/:entrant_id/merge", h.PostEntrantMerge)
}

type EntrantHandler struct {
	trainService service.TrainServicer
}

func NewEntrantHandler(trainService service.TrainServicer) *EntrantHandler {
	return &EntrantHandler{trainService}
}

type entrantResponse struct {
	*store.Entrant
	Position *service.EntrantPosition `json:"position"`
}

type mergeResponse struct {
	EntrantID int64                `json:"entrant_id"`
	Outcome   service.MergeOutcome `json:"outcome"`
}

func (h *EntrantHandler) PostEntrant(c echo.Context) error {
	ep := new(EnqueueParams)
	if err := c.Bind(ep); err != nil {
		return newError(err, http.StatusBadRequest, "invalid entrant data")
	}
	if ep.MergeRequestID == 0 || ep.TargetProjectID == 0 || ep.TargetBranch == "" {
		return newError(nil, http.StatusBadRequest,
			"merge_request_id, target_project_id and target_branch are required",
		)
	}

	e, err := h.trainService.Enqueue(
		c.Request().Context(),
		ep.MergeRequestID,
		ep.TargetProjectID,
		ep.TargetBranch,
		ep.UserID,
	)
	if err != nil {
		return serviceError(err, "unable to add merge request to train")
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *EntrantHandler) GetEntrant(c echo.Context) error {
	ep := new(EntrantParams)
	if err := c.Bind(ep); err != nil {
		return newError(err, http.StatusBadRequest, "invalid entrant id")
	}

	e, err := h.trainService.GetEntrantByID(c.Request().Context(), ep.EntrantID)
	if err != nil {
		return serviceError(err, "unable to read entrant")
	}
	pos, err := h.trainService.GetEntrantPosition(c.Request().Context(), e)
	if err != nil {
		return serviceError(err, "unable to read entrant position")
	}
	return c.JSON(http.StatusOK, entrantResponse{Entrant: e, Position: pos})
}

func (h *EntrantHandler) DeleteEntrant(c echo.Context) error {
	ep := new(EntrantParams)
	if err := c.Bind(ep); err != nil {
		return newError(err, http.StatusBadRequest, "invalid entrant id")
	}

	if err := h.trainService.Destroy(c.Request().Context(), ep.EntrantID); err != nil {
		return serviceError(err, "unable to remove entrant")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EntrantHandler) PostEntrantPipeline(c echo.Context) error {
	pp := new(PipelineReadyParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline data")
	}
	if pp.PipelineID == 0 {
		return newError(nil, http.StatusBadRequest, "pipeline_id is required")
	}

	ctx := c.Request().Context()
	if err := h.trainService.OnPipelineReady(ctx, pp.EntrantID, pp.PipelineID); err != nil {
		return serviceError(err, "unable to attach pipeline")
	}
	e, err := h.trainService.GetEntrantByID(ctx, pp.EntrantID)
	if err != nil {
		return serviceError(err, "unable to read entrant")
	}
	return c.JSON(http.StatusOK, e)
}

func (h *EntrantHandler) PostEntrantMerge(c echo.Context) error {
	ep := new(EntrantParams)
	if err := c.Bind(ep); err != nil {
		return newError(err, http.StatusBadRequest, "invalid entrant id")
	}

	outcome, err := h.trainService.TryMerge(c.Request().Context(), ep.EntrantID)
	if err != nil {
		return serviceError(err, "unable to merge entrant")
	}
	return c.JSON(http.StatusOK, mergeResponse{EntrantID: ep.EntrantID, Outcome: outcome})
}
