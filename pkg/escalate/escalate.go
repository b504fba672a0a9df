// Package escalate implements the halt-and-wait protocol triggered when
// confidence falls below a required threshold. An escalation parks one
// work item's stage until an external resolution arrives or a deadline
// expires; it never proceeds with an assumed answer.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/graph"
	"github.com/stagebridge/backend/pkg/logger"
)

var (
	ErrEscalationAbandoned = errors.New("escalation abandoned before resolution")
	ErrUnknownEscalation   = errors.New("no open escalation with this id")
	ErrAlreadyClosed       = errors.New("escalation already closed")
	ErrNotUncertainty      = errors.New("node is not an uncertainty")
)

// State is the lifecycle state of one escalation.
type State string

const (
	Raised             State = "raised"
	AwaitingResolution State = "awaiting_resolution"
	Resolved           State = "resolved"
	Abandoned          State = "abandoned"
)

// ResolutionInput is the only way to move an escalation out of
// AwaitingResolution. It arrives from outside the pipeline, typically
// through the resolution queue.
type ResolutionInput struct {
	UncertaintyID string `json:"uncertainty_id"`
	ChosenOption  string `json:"chosen_option"`
	ResolvedBy    string `json:"resolved_by"`
}

// Escalation is one raised uncertainty waiting for a resolution. Wait
// parks the calling goroutine; it is released by Resolve or by the
// abandonment deadline.
type Escalation struct {
	NodeID string

	mu         sync.Mutex
	state      State
	node       common.Node
	resolution common.Resolution
	done       chan struct{}
	timer      *time.Timer
}

// State returns the current lifecycle state.
func (e *Escalation) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Node returns the uncertainty node this escalation was raised for,
// including the full detail a resolver needs.
func (e *Escalation) Node() common.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node
}

// Wait blocks until the escalation is resolved, abandoned, or ctx is
// done. On resolution it returns the resolution record; on abandonment
// it returns ErrEscalationAbandoned.
func (e *Escalation) Wait(ctx context.Context) (common.Resolution, error) {
	select {
	case <-ctx.Done():
		return common.Resolution{}, ctx.Err()
	case <-e.done:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Abandoned {
		return common.Resolution{}, fmt.Errorf("%w: %s", ErrEscalationAbandoned, e.NodeID)
	}
	return e.resolution, nil
}

// Escalator raises and resolves uncertainty escalations against one
// run's graph store.
type Escalator struct {
	store     *graph.Store
	validator *graph.Validator
	deadline  time.Duration

	mu      sync.Mutex
	pending map[string]*Escalation
}

// NewEscalator creates an escalator. deadline bounds how long an
// escalation may wait before it is abandoned; zero means no deadline.
func NewEscalator(store *graph.Store, policy graph.Policy, deadline time.Duration) *Escalator {
	return &Escalator{
		store:     store,
		validator: graph.NewValidator(policy),
		deadline:  deadline,
		pending:   make(map[string]*Escalation),
	}
}

// Raise creates the uncertainty node for a draft that fell below
// threshold and opens an escalation for it. The transition from Raised
// to AwaitingResolution is automatic and synchronous: by the time Raise
// returns, the escalation is waiting.
func (s *Escalator) Raise(draft common.Node, detail common.UncertaintyDetail) (*Escalation, error) {
	if detail.Gap == 0 {
		detail.Gap = s.validator.Gap(draft)
	}
	draft.Kind = common.KindUncertainty
	draft.Uncertainty = &detail

	nodeID, err := s.store.AddNode(draft)
	if err != nil {
		return nil, fmt.Errorf("failed to record uncertainty: %w", err)
	}
	node, _ := s.store.Get(nodeID)

	escalation := &Escalation{
		NodeID: nodeID,
		state:  AwaitingResolution,
		node:   node,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.pending[nodeID] = escalation
	s.mu.Unlock()

	if s.deadline > 0 {
		escalation.timer = time.AfterFunc(s.deadline, func() {
			s.abandon(nodeID)
		})
	}

	logger.Warn("[Escalate] Uncertainty raised, work item parked",
		"node_id", nodeID, "gap", detail.Gap, "created_by", draft.CreatedBy)

	return escalation, nil
}

// Adopt registers an escalation for an uncertainty node that already
// exists in the store, such as one written by the verification
// coordinator on an unresolved conflict.
func (s *Escalator) Adopt(nodeID string) (*Escalation, error) {
	node, ok := s.store.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEscalation, nodeID)
	}
	if node.Kind != common.KindUncertainty {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotUncertainty, nodeID, node.Kind)
	}

	escalation := &Escalation{
		NodeID: nodeID,
		state:  AwaitingResolution,
		node:   node,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.pending[nodeID] = escalation
	s.mu.Unlock()

	if s.deadline > 0 {
		escalation.timer = time.AfterFunc(s.deadline, func() {
			s.abandon(nodeID)
		})
	}
	return escalation, nil
}

// Resolve closes an open escalation with an external decision, updates
// the node's status and confidence in the store and releases the parked
// work item.
func (s *Escalator) Resolve(input ResolutionInput) error {
	s.mu.Lock()
	escalation, ok := s.pending[input.UncertaintyID]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEscalation, input.UncertaintyID)
	}

	escalation.mu.Lock()
	if escalation.state != AwaitingResolution {
		escalation.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyClosed, input.UncertaintyID, escalation.state)
	}
	resolution := common.Resolution{
		ChosenOption: input.ChosenOption,
		ResolvedBy:   input.ResolvedBy,
		ResolvedAt:   time.Now(),
	}
	confidence := resolvedConfidence(escalation.node, input.ChosenOption)
	escalation.mu.Unlock()

	// Store first: a rejected resolution leaves the escalation waiting
	// with its deadline timer intact, so it can be retried.
	if err := s.store.ResolveUncertainty(input.UncertaintyID, resolution, confidence); err != nil {
		return err
	}

	escalation.mu.Lock()
	if escalation.state != AwaitingResolution {
		// Closed concurrently while the store update ran.
		escalation.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyClosed, input.UncertaintyID, escalation.state)
	}
	if escalation.timer != nil {
		escalation.timer.Stop()
	}
	escalation.state = Resolved
	escalation.resolution = resolution
	if node, ok := s.store.Get(input.UncertaintyID); ok {
		escalation.node = node
	}
	escalation.mu.Unlock()

	s.mu.Lock()
	delete(s.pending, input.UncertaintyID)
	s.mu.Unlock()

	close(escalation.done)

	logger.Info("[Escalate] Uncertainty resolved",
		"node_id", input.UncertaintyID, "chosen", input.ChosenOption, "resolved_by", input.ResolvedBy)

	return nil
}

// Open returns the escalation for a node id if one is still waiting.
func (s *Escalator) Open(nodeID string) (*Escalation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	escalation, ok := s.pending[nodeID]
	return escalation, ok
}

// OpenCount returns how many escalations are currently waiting.
func (s *Escalator) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Escalator) abandon(nodeID string) {
	s.mu.Lock()
	escalation, ok := s.pending[nodeID]
	if ok {
		delete(s.pending, nodeID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	escalation.mu.Lock()
	if escalation.state != AwaitingResolution {
		escalation.mu.Unlock()
		return
	}
	escalation.state = Abandoned
	escalation.mu.Unlock()

	if err := s.store.MarkBlocked(nodeID); err != nil {
		logger.Error("[Escalate] Failed to mark abandoned uncertainty as blocked", "node_id", nodeID, "err", err)
	}
	if node, ok := s.store.Get(nodeID); ok {
		escalation.mu.Lock()
		escalation.node = node
		escalation.mu.Unlock()
	}

	close(escalation.done)

	logger.Error("[Escalate] Escalation abandoned, work item blocked for manual triage", "node_id", nodeID)
}

// resolvedConfidence looks up the confidence the producer attached to
// the chosen option; it falls back to the option-independent default of
// leaving the store value untouched when the option is unknown.
func resolvedConfidence(node common.Node, chosenOption string) float64 {
	if node.Uncertainty == nil {
		return 0
	}
	for _, option := range node.Uncertainty.OptionsConsidered {
		if option.Description == chosenOption {
			return option.ConfidenceIfChosen
		}
	}
	return 0
}
