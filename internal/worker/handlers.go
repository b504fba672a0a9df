package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stagebridge/backend/pkg/ai"
	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/escalate"
	"github.com/stagebridge/backend/pkg/graph"
	"github.com/stagebridge/backend/pkg/logger"
	"github.com/stagebridge/backend/pkg/pipeline"
	"github.com/stagebridge/backend/pkg/router"
	"github.com/stagebridge/backend/pkg/verify"
)

// maxVerifiedClaims caps how many findings one run cross-validates.
const maxVerifiedClaims = 5

// BuildHandlers derives one pipeline handler per registered descriptor.
// Every handler runs the same investigate/verify/conclude stages, with
// the descriptor's capability summary steering the extraction prompts.
func BuildHandlers(registry *router.Registry, client ai.BridgeAIClient, policy graph.Policy) []pipeline.Handler {
	descriptors := registry.List()
	handlers := make([]pipeline.Handler, 0, len(descriptors))
	for _, desc := range descriptors {
		handlers = append(handlers, &stageHandler{
			desc:   desc,
			client: client,
			policy: policy,
		})
	}
	return handlers
}

type stageHandler struct {
	desc   router.HandlerDescriptor
	client ai.BridgeAIClient
	policy graph.Policy
}

func (h *stageHandler) ID() string { return h.desc.ID }

func (h *stageHandler) Stages() []pipeline.Stage {
	return []pipeline.Stage{
		{Name: "investigate", Execute: h.investigate},
		{Name: "verify", Execute: h.verify},
		{Name: "conclude", Execute: h.conclude},
	}
}

type extractedFinding struct {
	Label       string  `json:"label" jsonschema:"required,description=Short name for the finding"`
	Description string  `json:"description" jsonschema:"required,description=The factual statement"`
	Confidence  float64 `json:"confidence" jsonschema:"required,description=Confidence between 0 and 1"`
	Locator     string  `json:"locator" jsonschema:"required,description=Where in the work item this comes from"`
}

type extraction struct {
	Findings []extractedFinding `json:"findings" jsonschema:"required,description=Findings taken from the work item"`
}

// investigate records the work item itself as a task node and extracts
// findings from its text. Findings below the admission threshold park
// the work item through Submit; an abandoned escalation only drops that
// one finding.
func (h *stageHandler) investigate(ctx context.Context, sc *pipeline.StageContext) error {
	taskID, err := sc.Submit(ctx, common.Node{
		Kind:        common.KindTask,
		Label:       "work item",
		Description: sc.Input(),
		Confidence:  0.95,
		Evidence: []common.Evidence{{
			Locator: "work-item:" + sc.RunID(),
			Tier:    4,
			Method:  "intake",
		}},
	})
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf(ai.ExtractFindingsPrompt, h.desc.Capabilities, sc.Input())
	var out extraction
	if err := h.client.GenerateCompletionWithFormat(
		ctx,
		"findings",
		"Findings extracted from a work item",
		prompt,
		&out,
	); err != nil {
		return fmt.Errorf("finding extraction failed: %w", err)
	}

	for _, f := range out.Findings {
		id, err := sc.Submit(ctx, common.Node{
			Kind:        common.KindFinding,
			Label:       f.Label,
			Description: f.Description,
			Confidence:  f.Confidence,
			Evidence: []common.Evidence{{
				Locator: f.Locator,
				Tier:    3,
				Method:  "llm_extraction",
			}},
		})
		if errors.Is(err, escalate.ErrEscalationAbandoned) {
			logger.Info("[Worker] Finding abandoned, continuing without it",
				"run_id", sc.RunID(), "label", f.Label)
			continue
		}
		if err != nil {
			return err
		}
		if err := sc.Store().AddEdge(id, taskID, common.DerivedFrom); err != nil {
			return err
		}
	}
	return nil
}

// verify cross-validates the findings the investigate stage admitted,
// using the model's own assessment and a lexical check against the work
// item text as independent methods. Conflicts park the work item until
// someone resolves them.
func (h *stageHandler) verify(ctx context.Context, sc *pipeline.StageContext) error {
	coordinator := verify.NewCoordinator(sc.Store(), "verify", h.policy)
	methods := []verify.MethodExecutor{
		&modelAssessment{client: h.client, input: sc.Input()},
		&lexicalOverlap{input: sc.Input()},
	}

	checked := 0
	for _, node := range sc.Graph().Nodes {
		if node.Kind != common.KindFinding || node.Status != common.StatusValidated {
			continue
		}
		if checked >= maxVerifiedClaims {
			break
		}
		checked++

		result, err := coordinator.Verify(ctx, node.Description, methods, nil)
		if err != nil {
			return fmt.Errorf("verification of %q failed: %w", node.Label, err)
		}

		if err := sc.Store().AddEdge(result.NodeID, node.ID, common.DerivedFrom); err != nil {
			return err
		}

		switch result.Outcome {
		case verify.Refuted:
			if err := sc.Store().Supersede(node.ID, result.NodeID); err != nil {
				return err
			}
		case verify.ConflictUnresolved:
			escalation, err := sc.AdoptUncertainty(result.NodeID)
			if err != nil {
				return err
			}
			if _, err := escalation.Wait(ctx); err != nil {
				if errors.Is(err, escalate.ErrEscalationAbandoned) {
					logger.Info("[Worker] Verification conflict abandoned",
						"run_id", sc.RunID(), "claim", node.Label)
					continue
				}
				return err
			}
		}
	}
	return nil
}

// conclude writes the run's decision node. A run with refuted claims or
// unresolved conflicts concludes below the decision review threshold,
// which parks it for review instead of closing it quietly.
func (h *stageHandler) conclude(ctx context.Context, sc *pipeline.StageContext) error {
	var verified, refuted, open int
	var evidence []common.Evidence
	var verifiedIDs []string

	view := sc.Graph()
	for _, node := range view.Nodes {
		switch {
		case node.Kind == common.KindVerifiedFinding:
			verified++
			verifiedIDs = append(verifiedIDs, node.ID)
			evidence = append(evidence, common.Evidence{
				Locator: node.ID,
				Tier:    2,
				Method:  "cross_validation",
			})
		case node.Kind == common.KindRefutedClaim:
			refuted++
		case node.Kind == common.KindUncertainty && node.Status != common.StatusResolved && node.Status != common.StatusBlocked:
			open++
		}
	}

	confidence := 0.95
	if refuted > 0 || open > 0 {
		confidence = h.policy.DecisionReviewThreshold - 0.05
	}

	decisionID, err := sc.Submit(ctx, common.Node{
		Kind:  common.KindDecision,
		Label: "run conclusion",
		Description: fmt.Sprintf(
			"%d findings verified, %d refuted, %d uncertainties left open by handler %s",
			verified, refuted, open, h.desc.ID,
		),
		Confidence: confidence,
		Evidence:   evidence,
	})
	if err != nil {
		return err
	}

	for _, id := range verifiedIDs {
		if err := sc.Store().AddEdge(decisionID, id, common.DerivedFrom); err != nil {
			return err
		}
	}
	return nil
}

type claimAssessment struct {
	Outcome         string  `json:"outcome" jsonschema:"required,description=supports refutes partial or inconclusive"`
	Confidence      float64 `json:"confidence" jsonschema:"required,description=Confidence between 0 and 1"`
	EvidenceSummary string  `json:"evidence_summary" jsonschema:"required,description=The deciding passage in one sentence"`
}

// modelAssessment asks the classifier model whether the claim holds
// against the work item.
type modelAssessment struct {
	client ai.BridgeAIClient
	input  string
}

func (m *modelAssessment) Name() string { return "model-assessment" }

func (m *modelAssessment) DataSource() string { return "llm" }

func (m *modelAssessment) Execute(ctx context.Context, claim string) (verify.MethodReport, error) {
	var out claimAssessment
	prompt := fmt.Sprintf(ai.AssessClaimPrompt, m.input, claim)
	if err := m.client.GenerateCompletionWithFormat(
		ctx,
		"claim_assessment",
		"Assessment of a claim against a work item",
		prompt,
		&out,
	); err != nil {
		return verify.MethodReport{}, err
	}

	outcome := verify.MethodOutcome(out.Outcome)
	switch outcome {
	case verify.Supports, verify.Refutes, verify.Partial, verify.Inconclusive:
	default:
		outcome = verify.Inconclusive
	}

	return verify.MethodReport{
		Method:          m.Name(),
		Outcome:         outcome,
		Confidence:      clamp01(out.Confidence),
		EvidenceSummary: out.EvidenceSummary,
		Locator:         "llm:claim-assessment",
		Tier:            2,
	}, nil
}

// lexicalOverlap checks how much of the claim's vocabulary actually
// appears in the work item text. It cannot confirm a claim on its own
// but refutes claims with no textual basis.
type lexicalOverlap struct {
	input string
}

func (l *lexicalOverlap) Name() string { return "work-item-overlap" }

func (l *lexicalOverlap) DataSource() string { return "work-item-text" }

func (l *lexicalOverlap) Execute(_ context.Context, claim string) (verify.MethodReport, error) {
	claimTokens := tokenSet(claim)
	inputTokens := tokenSet(l.input)

	hits := 0
	for tok := range claimTokens {
		if inputTokens[tok] {
			hits++
		}
	}

	ratio := 0.0
	if len(claimTokens) > 0 {
		ratio = float64(hits) / float64(len(claimTokens))
	}

	report := verify.MethodReport{
		Method:  l.Name(),
		Locator: "work-item-text",
		Tier:    3,
		EvidenceSummary: fmt.Sprintf(
			"%d of %d claim terms appear in the work item", hits, len(claimTokens),
		),
	}

	switch {
	case ratio >= 0.5:
		report.Outcome = verify.Supports
		report.Confidence = 0.70
	case ratio >= 0.2:
		report.Outcome = verify.Partial
		report.Confidence = 0.55
	default:
		report.Outcome = verify.Refutes
		report.Confidence = 0.60
	}
	return report, nil
}

func tokenSet(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		set[f] = true
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
