package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/lantern/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/lantern/backend/internal/util"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/graphdb"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"github.com/labstack/echo/v4"
)

func CreateRunHandler(c echo.Context) error {
	type createRunParams struct {
		ScenarioHash string `param:"hash" validate:"required,excludes=/"`
		common.ReconInput
	}

	params := new(createRunParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	in := params.ReconInput
	if len(in.Facts) == 0 && in.RawFacts == "" && len(in.Documents) == 0 && len(in.SearchResults) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Run needs facts, documents or search results"})
	}

	correlationID := util.NewID()
	runs := c.(*middleware.AppContext).App.Runs
	if err := runs.Enqueue(c.Request().Context(), correlationID, params.ScenarioHash, in); err != nil {
		logger.Error("[Server] Failed to enqueue run", "scenario", params.ScenarioHash, "err", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Failed to enqueue run"})
	}

	return c.JSON(http.StatusAccepted, map[string]string{
		"correlation_id": correlationID,
		"scenario_hash":  params.ScenarioHash,
		"status":         "queued",
	})
}

func GetScenarioGraphHandler(c echo.Context) error {
	type getScenarioGraphParams struct {
		ScenarioHash string `param:"hash" validate:"required"`
	}

	params := new(getScenarioGraphParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	graphs := c.(*middleware.AppContext).App.Graphs
	g, err := graphs.LoadScenario(c.Request().Context(), params.ScenarioHash)
	if errors.Is(err, graphdb.ErrUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Graph database not configured"})
	}
	if err != nil {
		logger.Error("[Server] Failed to load scenario graph", "scenario", params.ScenarioHash, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	if len(g.Nodes) == 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Scenario not found"})
	}

	return c.JSON(http.StatusOK, g)
}

// DeleteScenarioHandler drops the scenario graph and the scenario's
// document references. Without a graph database only the documents are
// dropped.
func DeleteScenarioHandler(c echo.Context) error {
	type deleteScenarioParams struct {
		ScenarioHash string `param:"hash" validate:"required,excludes=/"`
	}

	params := new(deleteScenarioParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	graphDeleted := true
	if err := app.Graphs.DeleteScenario(ctx, params.ScenarioHash); err != nil {
		if !errors.Is(err, graphdb.ErrUnavailable) {
			logger.Error("[Server] Failed to delete scenario graph", "scenario", params.ScenarioHash, "err", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to delete scenario graph"})
		}
		graphDeleted = false
	}

	removed, err := app.Documents.RemoveScenario(ctx, params.ScenarioHash)
	if err != nil {
		logger.Error("[Server] Failed to remove scenario documents", "scenario", params.ScenarioHash, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to remove scenario documents"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"scenario_hash":     params.ScenarioHash,
		"graph_deleted":     graphDeleted,
		"documents_removed": removed,
	})
}
