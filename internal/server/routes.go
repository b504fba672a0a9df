package server

import (
	"github.com/stagebridge/backend/internal/server/middleware"
	"github.com/stagebridge/backend/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Run routes
	apiRoutes.POST("/runs", routes.CreateRunHandler, middleware.RequirePermission("run.create"))
	apiRoutes.GET("/runs/:id", routes.GetRunHandler, middleware.RequireAnyPermission("run.view", "run.view:all"))
	apiRoutes.GET("/runs/:id/handoff", routes.GetHandoffHandler, middleware.RequireAnyPermission("run.view", "run.view:all"))
	apiRoutes.DELETE("/runs/:id", routes.DeleteRunHandler, middleware.RequirePermission("run.delete"))

	// Routing routes
	apiRoutes.POST("/route", routes.ClassifyHandler, middleware.RequirePermission("route.classify"))

	// Uncertainty routes
	apiRoutes.GET("/runs/:id/uncertainties", routes.GetUncertaintiesHandler, middleware.RequirePermission("uncertainty.view"))
	apiRoutes.POST("/uncertainties/:id/resolution", routes.ResolveUncertaintyHandler, middleware.RequirePermission("uncertainty.resolve"))

	// Timing routes
	apiRoutes.GET("/runs/stuck", routes.GetStuckRunsHandler, middleware.RequirePermission("uncertainty.view"))
	apiRoutes.GET("/timing/:handler/:stage", routes.GetStageTimingHandler, middleware.RequireAnyPermission("run.view", "run.view:all"))
}
