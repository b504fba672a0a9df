// Package store defines the persistence boundary for run graphs. The
// in-memory graph store is authoritative while a run executes; this
// layer checkpoints it durably and answers similarity lookups across
// past runs.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/stagebridge/backend/pkg/ai"
	"github.com/stagebridge/backend/pkg/common"
	"golang.org/x/sync/errgroup"
)

// SimilarFinding is one hit from an embedding similarity lookup.
type SimilarFinding struct {
	NodeID     string          `json:"node_id"`
	RunID      string          `json:"run_id"`
	Kind       common.NodeKind `json:"kind"`
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Similarity float64         `json:"similarity"`
}

// StageRecord captures the timing and cost of one completed pipeline
// stage.
type StageRecord struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	HandlerID  string    `json:"handler_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	CostUnits  int       `json:"cost_units"`
}

// RunStorage persists run graphs, handoffs and routing decisions. The
// in-memory store stays the single writer of node state; implementations
// only mirror whole snapshots.
type RunStorage interface {
	SaveCheckpoint(ctx context.Context, run common.RunGraph) error
	LoadRun(ctx context.Context, runID string) (common.RunGraph, error)
	DeleteRun(ctx context.Context, runID string) error

	SaveHandoff(ctx context.Context, runID, stage string, handoff common.CompressedHandoff) error
	LatestHandoff(ctx context.Context, runID string) (string, common.CompressedHandoff, error)
	SaveRoutingDecision(ctx context.Context, runID string, decision common.RoutingDecision) error
	SaveStageRecord(ctx context.Context, record StageRecord) error

	ListOpenUncertainties(ctx context.Context, runID string) ([]common.Node, error)
	FindSimilarFindings(ctx context.Context, runID string, embedding []float32, topK int32) ([]SimilarFinding, error)
}

// ChunkRange invokes fn over [start,end) windows of at most chunkSize.
func ChunkRange(total, chunkSize int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = total
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}

// GenerateEmbeddings embeds all inputs concurrently through the client.
func GenerateEmbeddings(
	ctx context.Context,
	client ai.BridgeAIClient,
	inputs [][]byte,
) ([][]float32, error) {
	if client == nil {
		return nil, fmt.Errorf("ai client is nil")
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(inputs))

	eg, ectx := errgroup.WithContext(ctx)
	for i := range inputs {
		idx := i
		in := inputs[i]
		eg.Go(func() error {
			emb, err := client.GenerateEmbedding(ectx, in)
			if err != nil {
				return err
			}
			out[idx] = emb
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}
