package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stagebridge/backend/pkg/ai"
	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/escalate"
	"github.com/stagebridge/backend/pkg/graph"
	"github.com/stagebridge/backend/pkg/pipeline"
	"github.com/stagebridge/backend/pkg/router"
	"github.com/stagebridge/backend/pkg/store"
)

// fakeAI answers extraction and assessment prompts with canned data.
type fakeAI struct {
	findings   []extractedFinding
	assessment claimAssessment
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeAI) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	switch target := out.(type) {
	case *extraction:
		target.Findings = f.findings
	case *claimAssessment:
		*target = f.assessment
	default:
		return errors.New("unexpected output type")
	}
	return nil
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return nil, errors.New("not used")
}

func (f *fakeAI) ResetMetrics() {}

func (f *fakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

// memStorage captures checkpoints so tests can inspect the final graph.
type memStorage struct {
	mu   sync.Mutex
	runs map[string]common.RunGraph
}

func newMemStorage() *memStorage {
	return &memStorage{runs: make(map[string]common.RunGraph)}
}

func (m *memStorage) SaveCheckpoint(ctx context.Context, run common.RunGraph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	return nil
}

func (m *memStorage) LoadRun(ctx context.Context, runID string) (common.RunGraph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return common.RunGraph{}, errors.New("run not found")
	}
	return run, nil
}

func (m *memStorage) DeleteRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

func (m *memStorage) SaveHandoff(ctx context.Context, runID, stage string, handoff common.CompressedHandoff) error {
	return nil
}

func (m *memStorage) LatestHandoff(ctx context.Context, runID string) (string, common.CompressedHandoff, error) {
	return "", common.CompressedHandoff{}, errors.New("no handoff")
}

func (m *memStorage) SaveRoutingDecision(ctx context.Context, runID string, decision common.RoutingDecision) error {
	return nil
}

func (m *memStorage) SaveStageRecord(ctx context.Context, record store.StageRecord) error {
	return nil
}

func (m *memStorage) ListOpenUncertainties(ctx context.Context, runID string) ([]common.Node, error) {
	return nil, nil
}

func (m *memStorage) FindSimilarFindings(ctx context.Context, runID string, embedding []float32, topK int32) ([]store.SimilarFinding, error) {
	return nil, nil
}

func testRegistry(t *testing.T) *router.Registry {
	t.Helper()
	registry := router.NewRegistry()
	err := registry.Register(router.HandlerDescriptor{
		ID:           "bug-handler",
		Capabilities: "investigates defects and missing UI elements",
		Keywords:     []string{"bug", "missing", "broken"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return registry
}

func newWorkerRunner(t *testing.T, client ai.BridgeAIClient, storage store.RunStorage) *pipeline.Runner {
	t.Helper()
	registry := testRegistry(t)
	policy := graph.DefaultPolicy()
	handlers := BuildHandlers(registry, client, policy)

	// nil router client forces deterministic fallback routing
	rt := router.NewRouter(registry, nil, policy, 0)
	runner, err := pipeline.NewRunner(rt, handlers, storage, pipeline.Options{
		Policy:       policy,
		TokenCounter: func(payload string) (int, error) { return len(payload) / 4, nil },
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return runner
}

func kindCounts(run common.RunGraph) map[common.NodeKind]int {
	counts := make(map[common.NodeKind]int)
	for _, node := range run.Nodes {
		counts[node.Kind]++
	}
	return counts
}

func TestRunVerifiesExtractedFindings(t *testing.T) {
	input := "the export button is missing from the report page since release 1.4"

	client := &fakeAI{
		findings: []extractedFinding{
			{
				Label:       "missing export button",
				Description: "the export button is missing from the report page",
				Confidence:  0.92,
				Locator:     "sentence 1",
			},
			{
				Label:       "regression window",
				Description: "the report page export worked before release 1.4",
				Confidence:  0.90,
				Locator:     "sentence 1",
			},
		},
		assessment: claimAssessment{
			Outcome:         "supports",
			Confidence:      0.9,
			EvidenceSummary: "stated directly in the work item",
		},
	}

	storage := newMemStorage()
	runner := newWorkerRunner(t, client, storage)

	err := runner.Run(context.Background(), pipeline.WorkItem{RunID: "run-verified", Input: input})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	run, err := storage.LoadRun(context.Background(), "run-verified")
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}

	counts := kindCounts(run)
	if counts[common.KindTask] != 1 {
		t.Errorf("task nodes = %d, want 1", counts[common.KindTask])
	}
	if counts[common.KindFinding] != 2 {
		t.Errorf("finding nodes = %d, want 2", counts[common.KindFinding])
	}
	if counts[common.KindVerifiedFinding] != 2 {
		t.Errorf("verified findings = %d, want 2", counts[common.KindVerifiedFinding])
	}
	if counts[common.KindDecision] != 1 {
		t.Errorf("decision nodes = %d, want 1", counts[common.KindDecision])
	}

	for _, node := range run.Nodes {
		if node.Kind == common.KindDecision && node.Confidence < 0.9 {
			t.Errorf("clean run concluded at %.2f, want >= 0.90", node.Confidence)
		}
	}
}

func TestRefutedClaimSupersedesFinding(t *testing.T) {
	// The claim shares no vocabulary with the work item, so the lexical
	// check refutes it alongside the model.
	input := "the export button is missing from the report page"

	client := &fakeAI{
		findings: []extractedFinding{{
			Label:       "unrelated claim",
			Description: "quarterly invoices were duplicated under heavy load",
			Confidence:  0.90,
			Locator:     "nowhere",
		}},
		assessment: claimAssessment{
			Outcome:         "refutes",
			Confidence:      0.95,
			EvidenceSummary: "the work item never mentions this",
		},
	}

	storage := newMemStorage()
	runner := newWorkerRunner(t, client, storage)

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(context.Background(), pipeline.WorkItem{RunID: "run-refuted", Input: input})
	}()

	// A run with refuted claims concludes below the review threshold and
	// parks; approve the conclusion to let it finish.
	resolveConclusion(t, runner, "run-refuted")

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	run, err := storage.LoadRun(context.Background(), "run-refuted")
	if err != nil {
		t.Fatalf("LoadRun() error = %v", err)
	}

	counts := kindCounts(run)
	if counts[common.KindRefutedClaim] != 1 {
		t.Errorf("refuted claims = %d, want 1", counts[common.KindRefutedClaim])
	}

	superseded := false
	for _, node := range run.Nodes {
		if node.Kind == common.KindFinding && node.Status == common.StatusSuperseded {
			superseded = true
		}
	}
	if !superseded {
		t.Error("refuted finding was not superseded")
	}
}

// resolveConclusion polls for the parked conclusion uncertainty and
// resolves it with its first option.
func resolveConclusion(t *testing.T, runner *pipeline.Runner, runID string) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no open uncertainty appeared")
		case <-time.After(5 * time.Millisecond):
		}

		open, err := runner.OpenUncertainties(runID)
		if err != nil || len(open) == 0 {
			continue
		}

		node := open[0]
		option := "raise confidence and proceed"
		if node.Uncertainty != nil && len(node.Uncertainty.OptionsConsidered) > 0 {
			option = node.Uncertainty.OptionsConsidered[0].Description
		}

		err = runner.Resolve(runID, escalate.ResolutionInput{
			UncertaintyID: node.ID,
			ChosenOption:  option,
			ResolvedBy:    "test-operator",
		})
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		return
	}
}
