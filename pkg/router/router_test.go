package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stagebridge/backend/pkg/ai"
	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/graph"
)

// fakeClassifier implements ai.BridgeAIClient with a canned answer and
// an optional artificial delay.
type fakeClassifier struct {
	answer  classification
	err     error
	delay   time.Duration
	tokens  int
	calls   int
	rawJSON string
}

func (f *fakeClassifier) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeClassifier) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	raw := f.rawJSON
	if raw == "" {
		data, err := json.Marshal(f.answer)
		if err != nil {
			return err
		}
		raw = string(data)
	}
	return json.Unmarshal([]byte(raw), out)
}

func (f *fakeClassifier) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return nil, errors.New("not used")
}

func (f *fakeClassifier) ResetMetrics() {}

func (f *fakeClassifier) GetMetrics() ai.ModelMetrics {
	return ai.ModelMetrics{TotalTokens: f.tokens}
}

func newTestRouter(t *testing.T, client ai.BridgeAIClient, budget time.Duration) *Router {
	t.Helper()
	return NewRouter(twoHandlerRegistry(t), client, graph.DefaultPolicy(), budget)
}

func TestRouteClassifierSuccess(t *testing.T) {
	client := &fakeClassifier{
		answer: classification{
			HandlerID:  "feature-handler",
			Confidence: 0.91,
			Reasoning:  "asks for new functionality",
		},
		tokens: 340,
	}
	router := newTestRouter(t, client, 0)

	decision, err := router.Route(context.Background(), "add CSV export to the report page", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if decision.HandlerID != "feature-handler" {
		t.Errorf("HandlerID = %s, want feature-handler", decision.HandlerID)
	}
	if decision.Method != common.LlmClassified {
		t.Errorf("Method = %s, want %s", decision.Method, common.LlmClassified)
	}
	if decision.Confidence != 0.91 {
		t.Errorf("Confidence = %v, want 0.91", decision.Confidence)
	}
	if decision.CostUnits != 340 {
		t.Errorf("CostUnits = %d, want 340", decision.CostUnits)
	}
	if decision.NeedsEscalation {
		t.Error("NeedsEscalation = true for confidence above the routing minimum")
	}
	if decision.DurationMs < 0 {
		t.Errorf("DurationMs = %d", decision.DurationMs)
	}
}

func TestRouteTimeoutFallsBack(t *testing.T) {
	client := &fakeClassifier{
		answer: classification{HandlerID: "feature-handler", Confidence: 0.95},
		delay:  time.Second,
	}
	router := newTestRouter(t, client, 20*time.Millisecond)

	decision, err := router.Route(context.Background(), "investigate why the export button is missing", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if decision.Method != common.FallbackMatched {
		t.Errorf("Method = %s, want %s", decision.Method, common.FallbackMatched)
	}
	if decision.HandlerID != "bug-handler" {
		t.Errorf("HandlerID = %s, want bug-handler from keyword overlap", decision.HandlerID)
	}
	if decision.Confidence != 0.60 {
		t.Errorf("Confidence = %v, want the fixed fallback value 0.60", decision.Confidence)
	}
	if decision.NeedsEscalation {
		t.Error("fallback decisions must not request escalation")
	}
	if decision.CostUnits != 0 || decision.DurationMs != 0 {
		t.Errorf("fallback cost/duration = %d/%d, want 0/0", decision.CostUnits, decision.DurationMs)
	}
}

func TestRouteClassifierErrorFallsBack(t *testing.T) {
	client := &fakeClassifier{err: errors.New("upstream 503")}
	router := newTestRouter(t, client, 0)

	decision, err := router.Route(context.Background(), "regression: export button broken", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if decision.Method != common.FallbackMatched {
		t.Errorf("Method = %s, want %s", decision.Method, common.FallbackMatched)
	}
}

func TestRouteUnknownHandlerIDFallsBack(t *testing.T) {
	client := &fakeClassifier{
		answer: classification{HandlerID: "made-up-handler", Confidence: 0.99},
	}
	router := newTestRouter(t, client, 0)

	decision, err := router.Route(context.Background(), "investigate the missing export button", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if decision.Method != common.FallbackMatched {
		t.Errorf("Method = %s, want fallback after an invented handler id", decision.Method)
	}
	if _, ok := router.registry.Get(decision.HandlerID); !ok {
		t.Errorf("fallback returned unregistered handler %s", decision.HandlerID)
	}
}

func TestRouteMalformedAnswerFallsBack(t *testing.T) {
	client := &fakeClassifier{rawJSON: `{"handler_id": "bug-handler", "confidence": 1.7}`}
	router := newTestRouter(t, client, 0)

	decision, err := router.Route(context.Background(), "the export button is missing", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if decision.Method != common.FallbackMatched {
		t.Errorf("Method = %s, want fallback after out-of-range confidence", decision.Method)
	}
}

func TestRouteLowConfidenceNeedsEscalation(t *testing.T) {
	client := &fakeClassifier{
		answer: classification{HandlerID: "bug-handler", Confidence: 0.55, Reasoning: "could be either"},
	}
	router := newTestRouter(t, client, 0)

	decision, err := router.Route(context.Background(), "something about the export page", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if decision.Method != common.LlmClassified {
		t.Errorf("Method = %s, want %s", decision.Method, common.LlmClassified)
	}
	if !decision.NeedsEscalation {
		t.Error("NeedsEscalation = false for a classification below the routing minimum")
	}
	if decision.HandlerID != "bug-handler" {
		t.Errorf("HandlerID = %s, the low-confidence decision should still stand", decision.HandlerID)
	}
}

func TestRouteNilClientUsesFallback(t *testing.T) {
	router := newTestRouter(t, nil, 0)

	decision, err := router.Route(context.Background(), "implement the new export feature", "")
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if decision.Method != common.FallbackMatched {
		t.Errorf("Method = %s, want %s", decision.Method, common.FallbackMatched)
	}
	if decision.HandlerID != "feature-handler" {
		t.Errorf("HandlerID = %s, want feature-handler", decision.HandlerID)
	}
}

func TestRouteEmptyInput(t *testing.T) {
	router := newTestRouter(t, &fakeClassifier{}, 0)

	if _, err := router.Route(context.Background(), "   ", ""); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Route() error = %v, want ErrEmptyInput", err)
	}
}

func TestRouteEmptyRegistry(t *testing.T) {
	router := NewRouter(NewRegistry(), &fakeClassifier{}, graph.DefaultPolicy(), 0)

	if _, err := router.Route(context.Background(), "anything", ""); !errors.Is(err, ErrEmptyRegistry) {
		t.Errorf("Route() error = %v, want ErrEmptyRegistry", err)
	}
}
