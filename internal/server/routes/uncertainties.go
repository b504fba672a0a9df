package routes

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stagebridge/backend/internal/queue"
	"github.com/stagebridge/backend/internal/server/middleware"
	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/logger"
)

// GetUncertaintiesHandler lists the open uncertainty nodes of a run, as
// last checkpointed.
func GetUncertaintiesHandler(c echo.Context) error {
	type getUncertaintiesResponse struct {
		Message       string        `json:"message"`
		Uncertainties []common.Node `json:"uncertainties"`
	}

	runID := c.Param("id")
	if runID == "" {
		return c.JSON(http.StatusBadRequest, getUncertaintiesResponse{Message: "Missing run id"})
	}

	app := c.(*middleware.AppContext).App
	nodes, err := app.Storage.ListOpenUncertainties(c.Request().Context(), runID)
	if err != nil {
		logger.Error("Failed to list uncertainties", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, getUncertaintiesResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, getUncertaintiesResponse{
		Message:       "OK",
		Uncertainties: nodes,
	})
}

// ResolveUncertaintyHandler publishes an external resolution. The
// worker holding the run applies it and releases the parked stage.
func ResolveUncertaintyHandler(c echo.Context) error {
	type resolveBody struct {
		RunID        string `json:"run_id" validate:"required"`
		ChosenOption string `json:"chosen_option" validate:"required"`
	}

	type resolveResponse struct {
		Message string `json:"message"`
	}

	uncertaintyID := c.Param("id")
	if uncertaintyID == "" {
		return c.JSON(http.StatusBadRequest, resolveResponse{Message: "Missing uncertainty id"})
	}

	data := new(resolveBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, resolveResponse{Message: "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, resolveResponse{Message: "Invalid request body"})
	}

	user := c.(*middleware.AppContext).User
	if user == nil {
		return c.JSON(http.StatusUnauthorized, resolveResponse{Message: "Unauthorized"})
	}

	msg := queue.ResolutionMsg{
		RunID:         data.RunID,
		UncertaintyID: uncertaintyID,
		ChosenOption:  data.ChosenOption,
		ResolvedBy:    user.Role,
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal resolution", "uncertainty_id", uncertaintyID, "err", err)
		return c.JSON(http.StatusInternalServerError, resolveResponse{Message: "Internal server error"})
	}

	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ch, queue.ResolutionQueue, msgBytes); err != nil {
		logger.Error("Failed to enqueue resolution", "uncertainty_id", uncertaintyID, "err", err)
		return c.JSON(http.StatusInternalServerError, resolveResponse{Message: "Internal server error"})
	}

	logger.Info("[Server] Resolution accepted",
		"run_id", data.RunID, "uncertainty_id", uncertaintyID, "user_id", user.UserID)
	return c.JSON(http.StatusAccepted, resolveResponse{Message: "Resolution accepted"})
}
