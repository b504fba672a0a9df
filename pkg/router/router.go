package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stagebridge/backend/pkg/ai"
	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/graph"
	"github.com/stagebridge/backend/pkg/logger"
)

// DefaultBudget bounds how long the classifier may take before the
// deterministic fallback answers instead.
const DefaultBudget = 2 * time.Second

var ErrEmptyInput = errors.New("cannot route empty input")

// classification is the structured output the classifier must return.
type classification struct {
	HandlerID  string  `json:"handler_id" jsonschema:"required" jsonschema_description:"Id of the chosen handler, from the candidate list"`
	Confidence float64 `json:"confidence" jsonschema:"required" jsonschema_description:"Classification confidence between 0 and 1"`
	Reasoning  string  `json:"reasoning" jsonschema:"required" jsonschema_description:"One or two sentence explanation of the choice"`
}

// Router classifies inputs against a handler registry. A nil client is
// allowed and forces every decision onto the fallback path.
type Router struct {
	registry *Registry
	client   ai.BridgeAIClient
	policy   graph.Policy
	budget   time.Duration
}

// NewRouter creates a router. budget <= 0 selects DefaultBudget.
func NewRouter(registry *Registry, client ai.BridgeAIClient, policy graph.Policy, budget time.Duration) *Router {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Router{
		registry: registry,
		client:   client,
		policy:   policy,
		budget:   budget,
	}
}

// Route picks a handler for the input. graphContext is an optional
// rendered summary of prior-stage knowledge included in the prompt.
// Route always returns a decision when the registry is non-empty: a
// classifier timeout, error or invalid answer degrades to the fallback
// matcher instead of failing.
func (r *Router) Route(ctx context.Context, input, graphContext string) (common.RoutingDecision, error) {
	if strings.TrimSpace(input) == "" {
		return common.RoutingDecision{}, ErrEmptyInput
	}
	if r.registry.Len() == 0 {
		return common.RoutingDecision{}, ErrEmptyRegistry
	}

	started := time.Now()
	decision, err := r.classify(ctx, input, graphContext)
	if err != nil {
		logger.Warn("[Router] Classifier unavailable, using fallback matcher", "err", err)
		decision, err = r.fallback(input)
		if err != nil {
			return common.RoutingDecision{}, err
		}
	}

	decision.InputText = input
	// Fallback decisions keep cost and duration at zero so degraded
	// routing stays distinguishable in the recorded decision.
	if decision.Method == common.LlmClassified {
		decision.DurationMs = time.Since(started).Milliseconds()
	}
	decision.NeedsEscalation = decision.Method == common.LlmClassified &&
		decision.Confidence < r.policy.RoutingConfidenceMin

	logger.Info("[Router] Routed input",
		"handler", decision.HandlerID,
		"confidence", decision.Confidence,
		"method", decision.Method,
		"duration_ms", decision.DurationMs,
		"needs_escalation", decision.NeedsEscalation)

	return decision, nil
}

// classify races the classifier against the time budget. A result that
// arrives after the budget elapsed is discarded; the goroutine writes
// into a buffered channel so it never leaks.
func (r *Router) classify(parent context.Context, input, graphContext string) (common.RoutingDecision, error) {
	if r.client == nil {
		return common.RoutingDecision{}, errors.New("no classifier configured")
	}

	ctx, cancel := context.WithTimeout(parent, r.budget)
	defer cancel()

	type classifyResult struct {
		parsed classification
		tokens int
		err    error
	}
	results := make(chan classifyResult, 1)

	go func() {
		if graphContext == "" {
			graphContext = "(none)"
		}
		system := fmt.Sprintf(ai.ClassifyPrompt, r.registry.promptList(), graphContext)

		r.client.ResetMetrics()
		var parsed classification
		err := r.client.GenerateCompletionWithFormat(ctx,
			"handler_classification",
			"Routing decision for a pipeline task",
			input,
			&parsed,
			ai.WithSystemPrompts(system),
			ai.WithTemperature(0.0),
		)
		results <- classifyResult{parsed: parsed, tokens: r.client.GetMetrics().TotalTokens, err: err}
	}()

	select {
	case <-ctx.Done():
		return common.RoutingDecision{}, fmt.Errorf("classification budget exhausted: %w", ctx.Err())
	case result := <-results:
		if result.err != nil {
			return common.RoutingDecision{}, fmt.Errorf("classification failed: %w", result.err)
		}
		if _, ok := r.registry.Get(result.parsed.HandlerID); !ok {
			return common.RoutingDecision{}, fmt.Errorf("%w: classifier answered %q", ErrUnknownHandler, result.parsed.HandlerID)
		}
		if result.parsed.Confidence < 0 || result.parsed.Confidence > 1 {
			return common.RoutingDecision{}, fmt.Errorf("classifier confidence %v out of range", result.parsed.Confidence)
		}
		return common.RoutingDecision{
			HandlerID:  result.parsed.HandlerID,
			Confidence: result.parsed.Confidence,
			Reasoning:  result.parsed.Reasoning,
			Method:     common.LlmClassified,
			CostUnits:  result.tokens,
		}, nil
	}
}

// fallback answers with the deterministic matcher at the fixed fallback
// confidence, regardless of how strong the keyword overlap was. The low
// value reflects the degraded method, not the match quality.
func (r *Router) fallback(input string) (common.RoutingDecision, error) {
	descriptor, ok := fallbackMatch(r.registry, input)
	if !ok {
		return common.RoutingDecision{}, ErrEmptyRegistry
	}
	return common.RoutingDecision{
		HandlerID:  descriptor.ID,
		Confidence: r.policy.FallbackConfidence,
		Reasoning:  fmt.Sprintf("keyword overlap with %s capabilities", descriptor.ID),
		Method:     common.FallbackMatched,
	}, nil
}
