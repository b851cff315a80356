package server

import (
	"net/http"

	"github.com/OFFIS-RIT/lantern/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/lantern/backend/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo, metrics http.Handler) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Document routes
	apiRoutes.POST("/documents", routes.StoreDocumentHandler, middleware.RequirePermission(middleware.PermDocumentsWrite))
	apiRoutes.GET("/documents/:hash", routes.GetDocumentHandler, middleware.RequirePermission(middleware.PermDocumentsRead))

	// Scenario routes
	apiRoutes.GET("/scenarios/:hash/documents", routes.GetScenarioDocumentsHandler, middleware.RequirePermission(middleware.PermDocumentsRead))
	apiRoutes.GET("/scenarios/:hash/graph", routes.GetScenarioGraphHandler, middleware.RequirePermission(middleware.PermScenariosRead))
	apiRoutes.POST("/scenarios/:hash/runs", routes.CreateRunHandler, middleware.RequirePermission(middleware.PermScenariosRun))
	apiRoutes.DELETE("/scenarios/:hash", routes.DeleteScenarioHandler, middleware.RequirePermission(middleware.PermScenariosDel))

	// Entity routes
	apiRoutes.GET("/entities", routes.SearchEntitiesHandler, middleware.RequirePermission(middleware.PermEntitiesRead))
	apiRoutes.GET("/entities/:key", routes.GetEntityHandler, middleware.RequirePermission(middleware.PermEntitiesRead))

	apiRoutes.GET("/schema/facts", routes.GetFactSchemaHandler)
}
