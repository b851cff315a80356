package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/lantern/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/lantern/backend/pkg/docstore"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"github.com/labstack/echo/v4"
)

func StoreDocumentHandler(c echo.Context) error {
	type storeDocumentBody struct {
		Text         string `json:"text" validate:"required"`
		ScenarioHash string `json:"scenario_hash" validate:"required,excludes=/"`
		SourceURL    string `json:"source_url" validate:"omitempty,url"`
	}

	body := new(storeDocumentBody)
	if err := c.Bind(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	docs := c.(*middleware.AppContext).App.Documents
	fp, err := docs.Store(c.Request().Context(), body.Text, body.ScenarioHash, body.SourceURL)
	if err != nil {
		logger.Error("[Server] Failed to store document", "scenario", body.ScenarioHash, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to store document"})
	}

	return c.JSON(http.StatusCreated, fp)
}

func GetDocumentHandler(c echo.Context) error {
	type getDocumentParams struct {
		DocHash string `param:"hash" validate:"required,hexadecimal,len=64"`
	}

	params := new(getDocumentParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	docs := c.(*middleware.AppContext).App.Documents
	fp, err := docs.Get(c.Request().Context(), params.DocHash)
	if errors.Is(err, docstore.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Document not found"})
	}
	if err != nil {
		logger.Error("[Server] Failed to read document", "doc", params.DocHash, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, fp)
}

func GetScenarioDocumentsHandler(c echo.Context) error {
	type getScenarioDocumentsParams struct {
		ScenarioHash string `param:"hash" validate:"required"`
	}

	params := new(getScenarioDocumentsParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	docs := c.(*middleware.AppContext).App.Documents
	res, err := docs.GetByScenario(c.Request().Context(), params.ScenarioHash)
	if err != nil {
		logger.Error("[Server] Failed to list scenario documents", "scenario", params.ScenarioHash, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, res)
}
