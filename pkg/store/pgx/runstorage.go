// Package pgx implements store.RunStorage on PostgreSQL with pgvector
// for similarity lookups across runs.
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/stagebridge/backend/pkg/ai"
	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/store"
)

var ErrRunNotFound = errors.New("run not found")

// nodeChunk bounds how many nodes one checkpoint transaction embeds and
// writes at a time.
const nodeChunk = 250

type RunDBStorage struct {
	conn     *pgxpool.Pool
	aiClient ai.BridgeAIClient
}

// NewRunDBStorage creates a PostgreSQL-backed run store. aiClient may
// be nil; checkpoints then persist without embeddings and similarity
// lookups are unavailable for the affected nodes.
func NewRunDBStorage(conn *pgxpool.Pool, aiClient ai.BridgeAIClient) *RunDBStorage {
	return &RunDBStorage{conn: conn, aiClient: aiClient}
}

// SaveCheckpoint mirrors a full run graph into the database. Nodes are
// upserted by (run_id, public_id) so repeated checkpoints of a running
// work item converge; edges are replaced wholesale.
func (s *RunDBStorage) SaveCheckpoint(ctx context.Context, run common.RunGraph) error {
	if run.RunID == "" {
		return fmt.Errorf("run id is empty")
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO bridge_runs (run_id, updated_at)
		VALUES ($1, now())
		ON CONFLICT (run_id) DO UPDATE SET updated_at = now()`,
		run.RunID)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	err = store.ChunkRange(len(run.Nodes), nodeChunk, func(start, end int) error {
		chunk := run.Nodes[start:end]
		logger.Debug("[Store][SaveCheckpoint] Saving node chunk", "run_id", run.RunID, "nodes", len(chunk))

		embeddings, err := s.embedNodes(ctx, chunk)
		if err != nil {
			return err
		}

		for i, node := range chunk {
			evidence, err := json.Marshal(node.Evidence)
			if err != nil {
				return err
			}
			uncertainty, err := json.Marshal(node.Uncertainty)
			if err != nil {
				return err
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO bridge_nodes
					(run_id, public_id, kind, label, description, confidence,
					 evidence, created_by, created_at, seq, status, uncertainty, embedding)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (run_id, public_id) DO UPDATE SET
					kind = EXCLUDED.kind,
					label = EXCLUDED.label,
					description = EXCLUDED.description,
					confidence = EXCLUDED.confidence,
					evidence = EXCLUDED.evidence,
					status = EXCLUDED.status,
					uncertainty = EXCLUDED.uncertainty,
					embedding = EXCLUDED.embedding`,
				run.RunID, node.ID, node.Kind, node.Label, node.Description, node.Confidence,
				evidence, node.CreatedBy, node.CreatedAt, node.Seq, node.Status, uncertainty,
				embeddings[i])
			if err != nil {
				return fmt.Errorf("failed to upsert node %s: %w", node.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM bridge_edges WHERE run_id = $1`, run.RunID); err != nil {
		return fmt.Errorf("failed to clear edges: %w", err)
	}
	for _, edge := range run.Edges {
		_, err := tx.Exec(ctx, `
			INSERT INTO bridge_edges (run_id, source_id, target_id, relation)
			VALUES ($1, $2, $3, $4)`,
			run.RunID, edge.Source, edge.Target, edge.Relation)
		if err != nil {
			return fmt.Errorf("failed to insert edge %s->%s: %w", edge.Source, edge.Target, err)
		}
	}

	return tx.Commit(ctx)
}

// LoadRun reads a checkpointed graph back, nodes ordered by seq so an
// Import continues the sequence correctly.
func (s *RunDBStorage) LoadRun(ctx context.Context, runID string) (common.RunGraph, error) {
	run := common.RunGraph{RunID: runID}

	var exists bool
	err := s.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bridge_runs WHERE run_id = $1)`, runID).Scan(&exists)
	if err != nil {
		return run, err
	}
	if !exists {
		return run, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT public_id, kind, label, description, confidence,
		       evidence, created_by, created_at, seq, status, uncertainty
		FROM bridge_nodes
		WHERE run_id = $1
		ORDER BY seq`, runID)
	if err != nil {
		return run, err
	}
	defer rows.Close()

	for rows.Next() {
		var node common.Node
		var evidence, uncertainty []byte
		err := rows.Scan(&node.ID, &node.Kind, &node.Label, &node.Description, &node.Confidence,
			&evidence, &node.CreatedBy, &node.CreatedAt, &node.Seq, &node.Status, &uncertainty)
		if err != nil {
			return run, err
		}
		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &node.Evidence); err != nil {
				return run, fmt.Errorf("corrupt evidence for node %s: %w", node.ID, err)
			}
		}
		if len(uncertainty) > 0 && string(uncertainty) != "null" {
			node.Uncertainty = &common.UncertaintyDetail{}
			if err := json.Unmarshal(uncertainty, node.Uncertainty); err != nil {
				return run, fmt.Errorf("corrupt uncertainty for node %s: %w", node.ID, err)
			}
		}
		run.Nodes = append(run.Nodes, node)
	}
	if err := rows.Err(); err != nil {
		return run, err
	}

	edgeRows, err := s.conn.Query(ctx, `
		SELECT source_id, target_id, relation
		FROM bridge_edges
		WHERE run_id = $1
		ORDER BY id`, runID)
	if err != nil {
		return run, err
	}
	defer edgeRows.Close()

	for edgeRows.Next() {
		var edge common.Edge
		if err := edgeRows.Scan(&edge.Source, &edge.Target, &edge.Relation); err != nil {
			return run, err
		}
		run.Edges = append(run.Edges, edge)
	}
	return run, edgeRows.Err()
}

// DeleteRun removes a run and everything hanging off it.
func (s *RunDBStorage) DeleteRun(ctx context.Context, runID string) error {
	tag, err := s.conn.Exec(ctx, `DELETE FROM bridge_runs WHERE run_id = $1`, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// SaveHandoff records the compressed artifact produced at a stage
// boundary.
func (s *RunDBStorage) SaveHandoff(ctx context.Context, runID, stage string, handoff common.CompressedHandoff) error {
	payload, err := json.Marshal(handoff)
	if err != nil {
		return err
	}
	_, err = s.conn.Exec(ctx, `
		INSERT INTO bridge_handoffs (run_id, stage, payload, token_count, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		runID, stage, payload, handoff.TokenCount)
	return err
}

// LatestHandoff returns the most recent stage handoff for a run.
func (s *RunDBStorage) LatestHandoff(ctx context.Context, runID string) (string, common.CompressedHandoff, error) {
	var stage string
	var payload []byte
	err := s.conn.QueryRow(ctx, `
		SELECT stage, payload
		FROM bridge_handoffs
		WHERE run_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, runID).Scan(&stage, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", common.CompressedHandoff{}, fmt.Errorf("%w: no handoff for %s", ErrRunNotFound, runID)
		}
		return "", common.CompressedHandoff{}, err
	}

	var handoff common.CompressedHandoff
	if err := json.Unmarshal(payload, &handoff); err != nil {
		return "", common.CompressedHandoff{}, fmt.Errorf("corrupt handoff for run %s: %w", runID, err)
	}
	return stage, handoff, nil
}

func (s *RunDBStorage) SaveRoutingDecision(ctx context.Context, runID string, decision common.RoutingDecision) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO bridge_routing_decisions
			(run_id, input_text, handler_id, confidence, reasoning, method,
			 cost_units, duration_ms, needs_escalation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		runID, decision.InputText, decision.HandlerID, decision.Confidence, decision.Reasoning,
		decision.Method, decision.CostUnits, decision.DurationMs, decision.NeedsEscalation)
	return err
}

func (s *RunDBStorage) SaveStageRecord(ctx context.Context, record store.StageRecord) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO bridge_stage_records
			(run_id, stage, handler_id, started_at, duration_ms, cost_units)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.RunID, record.Stage, record.HandlerID, record.StartedAt, record.DurationMs, record.CostUnits)
	return err
}

// ListOpenUncertainties returns uncertainty nodes that are neither
// resolved nor blocked, oldest first.
func (s *RunDBStorage) ListOpenUncertainties(ctx context.Context, runID string) ([]common.Node, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT public_id, kind, label, description, confidence,
		       evidence, created_by, created_at, seq, status, uncertainty
		FROM bridge_nodes
		WHERE run_id = $1 AND kind = $2 AND status NOT IN ($3, $4)
		ORDER BY seq`,
		runID, common.KindUncertainty, common.StatusResolved, common.StatusBlocked)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []common.Node
	for rows.Next() {
		var node common.Node
		var evidence, uncertainty []byte
		err := rows.Scan(&node.ID, &node.Kind, &node.Label, &node.Description, &node.Confidence,
			&evidence, &node.CreatedBy, &node.CreatedAt, &node.Seq, &node.Status, &uncertainty)
		if err != nil {
			return nil, err
		}
		if len(evidence) > 0 {
			_ = json.Unmarshal(evidence, &node.Evidence)
		}
		if len(uncertainty) > 0 && string(uncertainty) != "null" {
			node.Uncertainty = &common.UncertaintyDetail{}
			_ = json.Unmarshal(uncertainty, node.Uncertainty)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// FindSimilarFindings looks up validated findings near the given
// embedding across all runs except the one asking, so a stage can see
// what earlier runs concluded about similar claims.
func (s *RunDBStorage) FindSimilarFindings(ctx context.Context, runID string, embedding []float32, topK int32) ([]store.SimilarFinding, error) {
	if topK <= 0 {
		topK = 5
	}

	rows, err := s.conn.Query(ctx, `
		SELECT public_id, run_id, kind, label, confidence,
		       1 - (embedding <=> $1) AS similarity
		FROM bridge_nodes
		WHERE run_id <> $2
		  AND kind IN ($3, $4)
		  AND status = $5
		  AND embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $6`,
		pgvector.NewVector(embedding), runID,
		common.KindFinding, common.KindVerifiedFinding, common.StatusValidated, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []store.SimilarFinding
	for rows.Next() {
		var hit store.SimilarFinding
		if err := rows.Scan(&hit.NodeID, &hit.RunID, &hit.Kind, &hit.Label, &hit.Confidence, &hit.Similarity); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// embedNodes returns one embedding per node, or typed NULLs when no ai
// client is configured.
func (s *RunDBStorage) embedNodes(ctx context.Context, nodes []common.Node) ([]any, error) {
	out := make([]any, len(nodes))
	if s.aiClient == nil {
		return out, nil
	}

	inputs := make([][]byte, len(nodes))
	for i, node := range nodes {
		inputs[i] = []byte(node.Label + "\n" + node.Description)
	}
	embeddings, err := store.GenerateEmbeddings(ctx, s.aiClient, inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to embed nodes: %w", err)
	}
	for i := range embeddings {
		out[i] = pgvector.NewVector(embeddings[i])
	}
	return out, nil
}

var _ store.RunStorage = (*RunDBStorage)(nil)
