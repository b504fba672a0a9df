package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stagebridge/backend/internal/server/middleware"
	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/router"
)

// ClassifyHandler routes an input without executing it, for callers
// that want the dispatch decision up front.
func ClassifyHandler(c echo.Context) error {
	type classifyBody struct {
		Input        string `json:"input" validate:"required"`
		GraphContext string `json:"graph_context"`
	}

	type classifyResponse struct {
		Message  string                  `json:"message"`
		Decision *common.RoutingDecision `json:"decision,omitempty"`
	}

	data := new(classifyBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, classifyResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, classifyResponse{Message: "Invalid request body"})
	}

	app := c.(*middleware.AppContext).App
	decision, err := app.Router.Route(c.Request().Context(), data.Input, data.GraphContext)
	if err != nil {
		if errors.Is(err, router.ErrEmptyInput) || errors.Is(err, router.ErrEmptyRegistry) {
			return c.JSON(http.StatusBadRequest, classifyResponse{Message: err.Error()})
		}
		logger.Error("Failed to route input", "err", err)
		return c.JSON(http.StatusInternalServerError, classifyResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, classifyResponse{
		Message:  "OK",
		Decision: &decision,
	})
}
