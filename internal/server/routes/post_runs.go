package routes

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/stagebridge/backend/internal/queue"
	"github.com/stagebridge/backend/internal/server/middleware"
	"github.com/stagebridge/backend/pkg/logger"
)

// CreateRunHandler enqueues a new work item. The run executes on a
// worker; the response is only the accepted run id.
func CreateRunHandler(c echo.Context) error {
	type createRunBody struct {
		Input string `json:"input" validate:"required"`
	}

	type createRunResponse struct {
		Message string `json:"message"`
		RunID   string `json:"run_id,omitempty"`
	}

	data := new(createRunBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createRunResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createRunResponse{
			Message: "Invalid request body",
		})
	}

	user := c.(*middleware.AppContext).User
	if user == nil {
		return c.JSON(http.StatusUnauthorized, createRunResponse{
			Message: "Unauthorized",
		})
	}

	runID, err := gonanoid.New()
	if err != nil {
		logger.Error("Failed to generate run id", "err", err)
		return c.JSON(http.StatusInternalServerError, createRunResponse{
			Message: "Internal server error",
		})
	}

	msg := queue.WorkItemMsg{
		RunID:       runID,
		Input:       data.Input,
		RequestedBy: user.Role,
	}
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal work item", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, createRunResponse{
			Message: "Internal server error",
		})
	}

	ch := c.(*middleware.AppContext).App.Queue
	if err := queue.PublishFIFO(ch, queue.WorkQueue, msgBytes); err != nil {
		logger.Error("Failed to enqueue work item", "run_id", runID, "err", err)
		return c.JSON(http.StatusInternalServerError, createRunResponse{
			Message: "Internal server error",
		})
	}

	logger.Info("[Server] Work item accepted", "run_id", runID, "user_id", user.UserID)
	return c.JSON(http.StatusAccepted, createRunResponse{
		Message: "Run accepted",
		RunID:   runID,
	})
}
