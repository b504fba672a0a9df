package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/escalate"
	"github.com/stagebridge/backend/pkg/graph"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/store"
)

// StageContext is the surface a stage works through. It never exposes
// the raw store for mutation: every node goes through Submit so the
// confidence gate cannot be bypassed.
type StageContext struct {
	runID     string
	stageName string
	input     string

	store     *graph.Store
	escalator *escalate.Escalator
	storage   store.RunStorage
	policy    graph.Policy
	validator *graph.Validator
	incoming  common.CompressedHandoff

	validatorOnce sync.Once
}

func (sc *StageContext) RunID() string { return sc.runID }

func (sc *StageContext) Stage() string { return sc.stageName }

// Input returns the original work item text.
func (sc *StageContext) Input() string { return sc.input }

// Handoff returns the compressed artifact from the previous stage. The
// first stage sees an empty handoff.
func (sc *StageContext) Handoff() common.CompressedHandoff { return sc.incoming }

// Graph returns a read-only snapshot of this run's graph.
func (sc *StageContext) Graph() graph.View { return sc.store.Snapshot() }

// Store exposes the run's graph store for relation queries and edge
// creation between already-admitted nodes.
func (sc *StageContext) Store() *graph.Store { return sc.store }

func (sc *StageContext) gate() *graph.Validator {
	sc.validatorOnce.Do(func() {
		sc.validator = graph.NewValidator(sc.policy)
	})
	return sc.validator
}

// Submit validates a draft and admits it to the graph. A draft below
// the confidence threshold is not admitted as-is: it becomes an open
// uncertainty and Submit blocks until someone resolves or abandons it.
// The returned id is the admitted node either way. Drafts rejected for
// reasons other than confidence fail immediately.
func (sc *StageContext) Submit(ctx context.Context, draft common.Node) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if draft.CreatedBy == "" {
		draft.CreatedBy = sc.stageName
	}

	ok, reason := sc.gate().Validate(draft)
	if ok {
		return sc.store.AddNode(draft)
	}
	if reason != graph.ReasonBelowThreshold {
		return "", graph.RejectionError(reason, draft)
	}

	logger.Info("[Pipeline] Draft below threshold, escalating",
		"run_id", sc.runID, "stage", sc.stageName, "confidence", draft.Confidence)

	escalation, err := sc.escalator.Raise(draft, common.UncertaintyDetail{
		InformationNeeded: "evidence or a decision lifting confidence above the admission threshold",
	})
	if err != nil {
		return "", err
	}

	if _, err := escalation.Wait(ctx); err != nil {
		if errors.Is(err, escalate.ErrEscalationAbandoned) {
			return escalation.NodeID, err
		}
		return "", err
	}
	return escalation.NodeID, nil
}

// Escalate raises an uncertainty with explicit options and parks the
// stage until it is resolved.
func (sc *StageContext) Escalate(ctx context.Context, draft common.Node, detail common.UncertaintyDetail) (common.Resolution, error) {
	escalation, err := sc.escalator.Raise(draft, detail)
	if err != nil {
		return common.Resolution{}, err
	}
	return escalation.Wait(ctx)
}

// AdoptUncertainty registers an uncertainty node created outside Submit,
// such as a verification conflict, with the run's escalator so it can be
// resolved or abandoned like any raised escalation.
func (sc *StageContext) AdoptUncertainty(nodeID string) (*escalate.Escalation, error) {
	return sc.escalator.Adopt(nodeID)
}

// SimilarFindings looks up findings of past runs near the given
// embedding. Without persistent storage it returns nothing.
func (sc *StageContext) SimilarFindings(ctx context.Context, embedding []float32, topK int32) ([]store.SimilarFinding, error) {
	if sc.storage == nil {
		return nil, nil
	}
	return sc.storage.FindSimilarFindings(ctx, sc.runID, embedding, topK)
}

type activeRun struct {
	store     *graph.Store
	escalator *escalate.Escalator
}

type activeSet struct {
	mu   sync.RWMutex
	runs map[string]*activeRun
}

func newActiveSet() *activeSet {
	return &activeSet{runs: make(map[string]*activeRun)}
}

func (a *activeSet) add(runID string, store *graph.Store, escalator *escalate.Escalator) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs[runID] = &activeRun{store: store, escalator: escalator}
}

func (a *activeSet) remove(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, runID)
}

func (a *activeSet) get(runID string) (*activeRun, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	run, ok := a.runs[runID]
	return run, ok
}
