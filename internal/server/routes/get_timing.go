package routes

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/stagebridge/backend/internal/server/middleware"
	"github.com/stagebridge/backend/internal/timing"
	"github.com/stagebridge/backend/pkg/logger"
)

// defaultStuckThresholdMs flags runs quiet for ten minutes.
const defaultStuckThresholdMs = 10 * 60 * 1000

// GetStuckRunsHandler lists runs with open uncertainties whose latest
// stage activity is older than the threshold.
func GetStuckRunsHandler(c echo.Context) error {
	type stuckRunsResponse struct {
		Message     string   `json:"message"`
		ThresholdMs int64    `json:"threshold_ms"`
		RunIDs      []string `json:"run_ids"`
	}

	thresholdMs := int64(defaultStuckThresholdMs)
	if raw := c.QueryParam("threshold_ms"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest, stuckRunsResponse{Message: "Invalid threshold_ms"})
		}
		thresholdMs = parsed
	}

	app := c.(*middleware.AppContext).App
	runIDs, err := timing.StuckRuns(c.Request().Context(), app.DBConn, thresholdMs)
	if err != nil {
		logger.Error("Failed to list stuck runs", "err", err)
		return c.JSON(http.StatusInternalServerError, stuckRunsResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, stuckRunsResponse{
		Message:     "OK",
		ThresholdMs: thresholdMs,
		RunIDs:      runIDs,
	})
}

// GetStageTimingHandler predicts how long a stage of a handler takes
// from recent history.
func GetStageTimingHandler(c echo.Context) error {
	type stageTimingResponse struct {
		Message     string `json:"message"`
		HandlerID   string `json:"handler_id,omitempty"`
		Stage       string `json:"stage,omitempty"`
		PredictedMs int64  `json:"predicted_ms"`
	}

	handlerID := c.Param("handler")
	stage := c.Param("stage")
	if handlerID == "" || stage == "" {
		return c.JSON(http.StatusBadRequest, stageTimingResponse{Message: "Missing handler or stage"})
	}

	app := c.(*middleware.AppContext).App
	predicted, err := timing.PredictStageDuration(c.Request().Context(), app.DBConn, handlerID, stage)
	if err != nil {
		logger.Error("Failed to predict stage duration", "handler_id", handlerID, "stage", stage, "err", err)
		return c.JSON(http.StatusInternalServerError, stageTimingResponse{Message: "Internal server error"})
	}

	return c.JSON(http.StatusOK, stageTimingResponse{
		Message:     "OK",
		HandlerID:   handlerID,
		Stage:       stage,
		PredictedMs: predicted,
	})
}
