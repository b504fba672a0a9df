// Package pipeline executes work items end to end: route the input to
// a handler, run the handler's stages against a per-run graph store,
// gate every produced node on confidence, park stages on open
// uncertainties and hand a compressed artifact across each stage
// boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/stagebridge/backend/internal/util"
	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/escalate"
	"github.com/stagebridge/backend/pkg/graph"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/router"
	"github.com/stagebridge/backend/pkg/store"
)

var (
	ErrUnknownRun      = errors.New("run is not active")
	ErrNoHandler       = errors.New("no handler implementation registered")
	ErrHandlerMismatch = errors.New("routing decision names an unimplemented handler")
)

// WorkItem is one routable unit of work.
type WorkItem struct {
	RunID       string `json:"run_id"`
	Input       string `json:"input"`
	RequestedBy string `json:"requested_by"`
}

// Stage is one step of a handler. Stages run sequentially; the second
// stage sees only the compressed handoff of the first, never the full
// graph of a previous stage.
type Stage struct {
	Name    string
	Execute func(ctx context.Context, stage *StageContext) error
}

// Handler executes routed work items of one kind.
type Handler interface {
	ID() string
	Stages() []Stage
}

// HandoffLimit is the default node budget per stage handoff.
const HandoffLimit = 25

// Options configures a Runner.
type Options struct {
	Policy             graph.Policy
	Workers            int           // concurrent work items, default 4
	EscalationDeadline time.Duration // zero waits forever
	HandoffLimit       int
	TokenCounter       func(payload string) (int, error)
}

// Runner executes work items. Storage is optional; without it runs are
// purely in-memory and nothing survives a restart.
type Runner struct {
	router   *router.Router
	handlers map[string]Handler
	storage  store.RunStorage
	opts     Options

	active *activeSet
}

// NewRunner creates a runner. handlers must cover every id the routing
// registry can answer with.
func NewRunner(r *router.Router, handlers []Handler, storage store.RunStorage, opts Options) (*Runner, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.HandoffLimit <= 0 {
		opts.HandoffLimit = HandoffLimit
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}

	byID := make(map[string]Handler, len(handlers))
	for _, handler := range handlers {
		if handler.ID() == "" {
			return nil, ErrNoHandler
		}
		byID[handler.ID()] = handler
	}
	if len(byID) == 0 {
		return nil, ErrNoHandler
	}

	return &Runner{
		router:   r,
		handlers: byID,
		storage:  storage,
		opts:     opts,
		active:   newActiveSet(),
	}, nil
}

// RunAll executes the work items concurrently, bounded by the worker
// limit. The first failing item cancels the rest.
func (r *Runner) RunAll(ctx context.Context, items []WorkItem) error {
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(r.opts.Workers)

	for _, item := range items {
		eg.Go(func() error {
			return r.Run(ectx, item)
		})
	}
	return eg.Wait()
}

// Run executes one work item to completion.
func (r *Runner) Run(ctx context.Context, item WorkItem) error {
	if item.RunID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		item.RunID = id
	}

	graphStore := graph.NewStore(item.RunID, r.opts.Policy)
	escalator := escalate.NewEscalator(graphStore, r.opts.Policy, r.opts.EscalationDeadline)
	r.active.add(item.RunID, graphStore, escalator)
	defer r.active.remove(item.RunID)

	started := time.Now()
	logger.Info("[Pipeline] Run started", "run_id", item.RunID, "requested_by", item.RequestedBy)

	decision, err := r.route(ctx, item, graphStore, escalator)
	if err != nil {
		return err
	}

	handler, ok := r.handlers[decision.HandlerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerMismatch, decision.HandlerID)
	}

	var handoff common.CompressedHandoff
	for _, stage := range handler.Stages() {
		if err := ctx.Err(); err != nil {
			return err
		}

		stageStarted := time.Now()
		stageCtx := &StageContext{
			runID:     item.RunID,
			stageName: stage.Name,
			input:     item.Input,
			store:     graphStore,
			escalator: escalator,
			storage:   r.storage,
			policy:    r.opts.Policy,
			incoming:  handoff,
		}

		if err := stage.Execute(ctx, stageCtx); err != nil {
			return fmt.Errorf("stage %s failed: %w", stage.Name, err)
		}

		handoff, err = r.closeStage(ctx, item.RunID, stage.Name, decision.HandlerID, graphStore, stageStarted)
		if err != nil {
			return err
		}
	}

	logger.Info("[Pipeline] Run finished",
		"run_id", item.RunID,
		"handler", decision.HandlerID,
		"nodes", graphStore.Snapshot().Len(),
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

// route classifies the input. A low-confidence classification still
// stands, but the ambiguity is raised as an uncertainty and the run
// waits for its resolution before any stage executes.
func (r *Runner) route(ctx context.Context, item WorkItem, graphStore *graph.Store, escalator *escalate.Escalator) (common.RoutingDecision, error) {
	decision, err := r.router.Route(ctx, item.Input, "")
	if err != nil {
		return decision, err
	}

	if r.storage != nil {
		if err := r.storage.SaveRoutingDecision(ctx, item.RunID, decision); err != nil {
			logger.Error("[Pipeline] Failed to persist routing decision", "run_id", item.RunID, "err", err)
		}
	}

	if !decision.NeedsEscalation {
		return decision, nil
	}

	escalation, err := escalator.Raise(common.Node{
		Label:       "Routing confidence below minimum",
		Description: fmt.Sprintf("Input %q classified to %s at %.2f", item.Input, decision.HandlerID, decision.Confidence),
		Confidence:  decision.Confidence,
		CreatedBy:   "router",
	}, common.UncertaintyDetail{
		OptionsConsidered: []common.UncertaintyOption{
			{Description: "proceed with " + decision.HandlerID, ConfidenceIfChosen: 0.90},
			{Description: "reject and reword the work item", ConfidenceIfChosen: 0.95},
		},
		InformationNeeded: "confirmation of the intended handler",
	})
	if err != nil {
		return decision, err
	}

	resolution, err := escalation.Wait(ctx)
	if err != nil {
		return decision, fmt.Errorf("routing escalation for run %s: %w", item.RunID, err)
	}
	if resolution.ChosenOption == "reject and reword the work item" {
		return decision, fmt.Errorf("run %s rejected at routing by %s", item.RunID, resolution.ResolvedBy)
	}
	return decision, nil
}

// closeStage compresses the stage boundary artifact and checkpoints the
// run. The handoff, not the raw graph, is what the next stage starts
// from.
func (r *Runner) closeStage(ctx context.Context, runID, stageName, handlerID string, graphStore *graph.Store, startedAt time.Time) (common.CompressedHandoff, error) {
	var copts []graph.CompressorOption
	if r.opts.TokenCounter != nil {
		copts = append(copts, graph.WithTokenCounter(r.opts.TokenCounter))
	}
	compressor := graph.NewCompressor(r.opts.Policy, copts...)
	handoff, err := compressor.Compress(graphStore.Snapshot(), r.opts.HandoffLimit)
	if err != nil {
		if errors.Is(err, graph.ErrEmptyView) {
			handoff = common.CompressedHandoff{}
		} else {
			return common.CompressedHandoff{}, fmt.Errorf("failed to compress stage %s: %w", stageName, err)
		}
	}

	if r.storage != nil {
		snapshot := graphStore.Export()
		err := util.RetryErrWithContext(ctx, 3, func(ctx context.Context) error {
			return r.storage.SaveCheckpoint(ctx, snapshot)
		})
		if err != nil {
			return handoff, fmt.Errorf("failed to checkpoint run %s: %w", runID, err)
		}
		if err := r.storage.SaveHandoff(ctx, runID, stageName, handoff); err != nil {
			logger.Error("[Pipeline] Failed to persist handoff", "run_id", runID, "stage", stageName, "err", err)
		}
		if err := r.storage.SaveStageRecord(ctx, store.StageRecord{
			RunID:      runID,
			Stage:      stageName,
			HandlerID:  handlerID,
			StartedAt:  startedAt,
			DurationMs: time.Since(startedAt).Milliseconds(),
		}); err != nil {
			logger.Error("[Pipeline] Failed to persist stage record", "run_id", runID, "stage", stageName, "err", err)
		}
	}

	logger.Debug("[Pipeline] Stage closed",
		"run_id", runID, "stage", stageName,
		"handoff_nodes", len(handoff.Nodes), "token_count", handoff.TokenCount)
	return handoff, nil
}

// Resolve forwards an external resolution to the owning run's
// escalator.
func (r *Runner) Resolve(runID string, input escalate.ResolutionInput) error {
	run, ok := r.active.get(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return run.escalator.Resolve(input)
}

// OpenUncertainties lists the waiting escalations of an active run.
func (r *Runner) OpenUncertainties(runID string) ([]common.Node, error) {
	run, ok := r.active.get(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	var nodes []common.Node
	view := run.store.Snapshot()
	for i := 0; i < view.Len(); i++ {
		node := view.Nodes[i]
		if node.Kind != common.KindUncertainty {
			continue
		}
		if _, open := run.escalator.Open(node.ID); open {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

// ActiveSnapshot returns the live graph view of an active run.
func (r *Runner) ActiveSnapshot(runID string) (graph.View, error) {
	run, ok := r.active.get(runID)
	if !ok {
		return graph.View{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return run.store.Snapshot(), nil
}
