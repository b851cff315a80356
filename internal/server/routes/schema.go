package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/lantern/backend/pkg/recon"

	"github.com/labstack/echo/v4"
)

func GetFactSchemaHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, recon.FactSchema())
}
