package routes

import (
	"errors"
	"net/http"

	"github.com/OFFIS-RIT/lantern/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/entity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store"

	"github.com/labstack/echo/v4"
)

func GetEntityHandler(c echo.Context) error {
	type getEntityParams struct {
		Key string `param:"key" validate:"required"`
	}

	params := new(getEntityParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	entities := c.(*middleware.AppContext).App.Entities
	e, err := entities.Get(c.Request().Context(), params.Key)
	if errors.Is(err, entity.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Entity not found"})
	}
	if err != nil {
		logger.Error("[Server] Failed to read entity", "key", params.Key, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	return c.JSON(http.StatusOK, e)
}

// SearchEntitiesHandler filters the entity index. At least one filter is
// required; alt_type and alt_value go together.
func SearchEntitiesHandler(c echo.Context) error {
	type searchEntitiesParams struct {
		Jurisdiction string `query:"jurisdiction"`
		Name         string `query:"name"`
		AltType      string `query:"alt_type"`
		AltValue     string `query:"alt_value"`
	}

	params := new(searchEntitiesParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if (params.AltType == "") != (params.AltValue == "") {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "alt_type and alt_value go together"})
	}
	if params.Jurisdiction == "" && params.Name == "" && params.AltType == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "At least one filter is required"})
	}

	filter := store.EntityFilter{
		Jurisdiction: params.Jurisdiction,
		NamePattern:  params.Name,
		AltIDType:    params.AltType,
		AltIDValue:   params.AltValue,
	}
	if _, err := filter.Compile(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid name pattern"})
	}

	entities := c.(*middleware.AppContext).App.Entities
	res, err := entities.Search(c.Request().Context(), filter)
	if err != nil {
		logger.Error("[Server] Failed to search entities", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	if res == nil {
		res = []common.CanonicalEntity{}
	}

	return c.JSON(http.StatusOK, res)
}
