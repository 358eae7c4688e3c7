package handler

import (
	"net/http"

	"github.com/haatos/merge-train/internal/service"
	"github.com/haatos/merge-train/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupProjectRoutes(g *echo.Group, trainService service.TrainServicer) {
	h := NewProjectHandler(trainService)
	projectsGroup := g.Group("/projects/:project_id")
	projectsGroup.GET("/trains", h.GetTrains)
	projectsGroup.GET("/train", h.GetTrain)
	projectsGroup.GET("/history", h.GetHistory)
}

type ProjectHandler struct {
	trainService service.TrainServicer
}

func NewProjectHandler(trainService service.TrainServicer) *ProjectHandler {
	return &ProjectHandler{trainService}
}

type trainResponse struct {
	ProjectID int64            `json:"project_id"`
	Branch    string           `json:"branch"`
	Count     int              `json:"count"`
	Entrants  []*store.Entrant `json:"entrants"`
}

type historyResponse struct {
	ProjectID int64            `json:"project_id"`
	Branch    string           `json:"branch"`
	Entrants  []*store.Entrant `json:"entrants"`
}

type shaLookupResponse struct {
	SHA    string `json:"sha"`
	Exists bool   `json:"exists"`
}

// GetTrains lists the lead entrant of every train of the project.
func (h *ProjectHandler) GetTrains(c echo.Context) error {
	pp := new(ProjectParams)
	if err := c.Bind(pp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid project id")
	}

	leads, err := h.trainService.ListTrainLeads(c.Request().Context(), pp.ProjectID)
	if err != nil {
		return serviceError(err, "unable to list trains")
	}
	return c.JSON(http.StatusOK, leads)
}

func (h *ProjectHandler) GetTrain(c echo.Context) error {
	pp := new(ProjectParams)
	if err := c.Bind(pp); err != nil || pp.Branch == "" {
		return newError(err, http.StatusBadRequest, "invalid project id or branch")
	}

	entrants, err := h.trainService.ListTrain(c.Request().Context(), pp.ProjectID, pp.Branch)
	if err != nil {
		return serviceError(err, "unable to list train")
	}
	return c.JSON(http.StatusOK, trainResponse{
		ProjectID: pp.ProjectID,
		Branch:    pp.Branch,
		Count:     len(entrants),
		Entrants:  entrants,
	})
}

// GetHistory lists recent merges of a train, or with sha set reports
// whether sha is one of them.
func (h *ProjectHandler) GetHistory(c echo.Context) error {
	pp := new(ProjectParams)
	if err := c.Bind(pp); err != nil || pp.Branch == "" {
		return newError(err, http.StatusBadRequest, "invalid project id or branch")
	}
	ctx := c.Request().Context()

	if pp.SHA != "" {
		exists, err := h.trainService.ShaExistsInHistory(ctx, pp.ProjectID, pp.Branch, pp.SHA, pp.Limit)
		if err != nil {
			return serviceError(err, "unable to search history")
		}
		return c.JSON(http.StatusOK, shaLookupResponse{SHA: pp.SHA, Exists: exists})
	}

	entrants, err := h.trainService.ListHistory(ctx, pp.ProjectID, pp.Branch, pp.Limit)
	if err != nil {
		return serviceError(err, "unable to list history")
	}
	return c.JSON(http.StatusOK, historyResponse{
		ProjectID: pp.ProjectID,
		Branch:    pp.Branch,
		Entrants:  entrants,
	})
}
