package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stagebridge/backend/pkg/escalate"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/pipeline"
	"github.com/stagebridge/backend/pkg/runlock"
)

// ProcessWorkItem executes one queued work item under a run lease so no
// two workers run the same run id.
func ProcessWorkItem(ctx context.Context, runner *pipeline.Runner, locker *runlock.Locker, body []byte) error {
	var msg WorkItemMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("malformed work item message: %w", err)
	}
	if msg.Input == "" {
		return errors.New("work item message has no input")
	}

	item := pipeline.WorkItem{
		RunID:       msg.RunID,
		Input:       msg.Input,
		RequestedBy: msg.RequestedBy,
	}

	if locker == nil || item.RunID == "" {
		return runner.Run(ctx, item)
	}

	return locker.WithRun(ctx, item.RunID, runlock.Options{
		TTL:  10 * time.Minute,
		Wait: false,
	}, func(leaseCtx context.Context) error {
		return runner.Run(leaseCtx, item)
	})
}

// ProcessResolution forwards a queued resolution to the active run. A
// resolution for a run this worker does not hold is an error, so the
// message retries and eventually reaches the holding worker.
func ProcessResolution(ctx context.Context, runner *pipeline.Runner, body []byte) error {
	var msg ResolutionMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("malformed resolution message: %w", err)
	}
	if msg.RunID == "" || msg.UncertaintyID == "" {
		return errors.New("resolution message missing run or uncertainty id")
	}

	err := runner.Resolve(msg.RunID, escalate.ResolutionInput{
		UncertaintyID: msg.UncertaintyID,
		ChosenOption:  msg.ChosenOption,
		ResolvedBy:    msg.ResolvedBy,
	})
	if err != nil {
		return err
	}

	logger.Info("[Queue] Resolution applied",
		"run_id", msg.RunID, "uncertainty_id", msg.UncertaintyID, "resolved_by", msg.ResolvedBy)
	return nil
}
