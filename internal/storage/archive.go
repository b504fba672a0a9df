package storage

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/store"
)

// ArchivingStorage decorates a RunStorage with cold copies in object
// storage. Archive failures are logged, never surfaced: losing a cold
// copy must not fail the run.
type ArchivingStorage struct {
	store.RunStorage
	client *s3.Client
}

// WithArchive wraps inner so checkpoints and handoffs are also archived
// to S3. A nil client returns inner unchanged.
func WithArchive(inner store.RunStorage, client *s3.Client) store.RunStorage {
	if client == nil {
		return inner
	}
	return &ArchivingStorage{RunStorage: inner, client: client}
}

func (a *ArchivingStorage) SaveCheckpoint(ctx context.Context, run common.RunGraph) error {
	if err := a.RunStorage.SaveCheckpoint(ctx, run); err != nil {
		return err
	}
	if _, err := ArchiveCheckpoint(ctx, a.client, run, time.Now()); err != nil {
		logger.Error("[Storage] Failed to archive checkpoint", "run_id", run.RunID, "err", err)
	}
	return nil
}

func (a *ArchivingStorage) SaveHandoff(ctx context.Context, runID, stage string, handoff common.CompressedHandoff) error {
	if err := a.RunStorage.SaveHandoff(ctx, runID, stage, handoff); err != nil {
		return err
	}
	if _, err := ArchiveHandoff(ctx, a.client, runID, stage, handoff); err != nil {
		logger.Error("[Storage] Failed to archive handoff", "run_id", runID, "stage", stage, "err", err)
	}
	return nil
}

// LoadRun reads from the database first and falls back to the newest
// archived checkpoint when the hot copy is gone.
func (a *ArchivingStorage) LoadRun(ctx context.Context, runID string) (common.RunGraph, error) {
	run, err := a.RunStorage.LoadRun(ctx, runID)
	if err == nil {
		return run, nil
	}

	key, keyErr := LatestCheckpointKey(ctx, a.client, runID)
	if keyErr != nil {
		return common.RunGraph{}, err
	}
	restored, loadErr := LoadCheckpoint(ctx, a.client, key)
	if loadErr != nil {
		return common.RunGraph{}, err
	}
	logger.Warn("[Storage] Restored run from archive", "run_id", runID, "key", key)
	return restored, nil
}

func (a *ArchivingStorage) DeleteRun(ctx context.Context, runID string) error {
	if err := a.RunStorage.DeleteRun(ctx, runID); err != nil {
		return err
	}
	if err := DeleteRunArtifacts(ctx, a.client, runID); err != nil {
		logger.Error("[Storage] Failed to delete run artifacts", "run_id", runID, "err", err)
	}
	return nil
}
