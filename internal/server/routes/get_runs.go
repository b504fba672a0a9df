package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stagebridge/backend/internal/server/middleware"
	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/logger"
	pgxstore "github.com/stagebridge/backend/pkg/store/pgx"
)

// GetRunHandler returns the checkpointed graph of a run.
func GetRunHandler(c echo.Context) error {
	type getRunResponse struct {
		Message string           `json:"message"`
		Run     *common.RunGraph `json:"run,omitempty"`
	}

	runID := c.Param("id")
	if runID == "" {
		return c.JSON(http.StatusBadRequest, getRunResponse{Message: "Missing run id"})
	}

	app := c.(*middleware.AppContext).App
	run, err := app.Storage.LoadRun(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, pgxstore.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, getRunResponse{Message: "Run not found"})
		}
		logger.Error("Failed to load run", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, getRunResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, getRunResponse{
		Message: "OK",
		Run:     &run,
	})
}

// GetHandoffHandler returns the latest compressed stage handoff of a
// run.
func GetHandoffHandler(c echo.Context) error {
	type getHandoffResponse struct {
		Message string                    `json:"message"`
		Stage   string                    `json:"stage,omitempty"`
		Handoff *common.CompressedHandoff `json:"handoff,omitempty"`
	}

	runID := c.Param("id")
	if runID == "" {
		return c.JSON(http.StatusBadRequest, getHandoffResponse{Message: "Missing run id"})
	}

	app := c.(*middleware.AppContext).App
	stage, handoff, err := app.Storage.LatestHandoff(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, pgxstore.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, getHandoffResponse{Message: "No handoff for this run"})
		}
		logger.Error("Failed to load handoff", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, getHandoffResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, getHandoffResponse{
		Message: "OK",
		Stage:   stage,
		Handoff: &handoff,
	})
}

// DeleteRunHandler deletes a run's database rows and archived
// artifacts.
func DeleteRunHandler(c echo.Context) error {
	type deleteRunResponse struct {
		Message string `json:"message"`
	}

	runID := c.Param("id")
	if runID == "" {
		return c.JSON(http.StatusBadRequest, deleteRunResponse{Message: "Missing run id"})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	if err := app.Storage.DeleteRun(ctx, runID); err != nil {
		if errors.Is(err, pgxstore.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, deleteRunResponse{Message: "Run not found"})
		}
		logger.Error("Failed to delete run", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, deleteRunResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, deleteRunResponse{Message: "Run deleted"})
}
