// Package verify runs independent verification methods against a claim,
// cross-validates their reports and writes the combined outcome into the
// graph store as a verified finding, a refuted claim, or an open
// uncertainty.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/stagebridge/backend/pkg/common"
	"github.com/stagebridge/backend/pkg/graph"
	"github.com/stagebridge/backend/pkg/logger"

	"golang.org/x/sync/errgroup"
)

var (
	ErrInsufficientMethods = errors.New("verification requires at least two methods")
	ErrSharedDataSource    = errors.New("verification methods share a data source")
)

// MethodOutcome is the position one method takes on a claim.
type MethodOutcome string

const (
	Supports     MethodOutcome = "supports"
	Refutes      MethodOutcome = "refutes"
	Partial      MethodOutcome = "partial"
	Inconclusive MethodOutcome = "inconclusive"
)

// MethodReport is the record one method produces for a claim.
type MethodReport struct {
	Method          string        `json:"method"`
	Outcome         MethodOutcome `json:"outcome"`
	Confidence      float64       `json:"confidence"`
	EvidenceSummary string        `json:"evidence_summary"`
	Locator         string        `json:"locator"`
	Tier            int           `json:"tier"`
}

// MethodExecutor is one independent verification method. DataSource
// names the underlying source of truth; two methods that declare the
// same data source are rejected before anything runs.
type MethodExecutor interface {
	Name() string
	DataSource() string
	Execute(ctx context.Context, claim string) (MethodReport, error)
}

// ResultOutcome is the combined verdict across all methods.
type ResultOutcome string

const (
	Verified           ResultOutcome = "verified"
	Refuted            ResultOutcome = "refuted"
	ConflictUnresolved ResultOutcome = "conflict_unresolved"
)

const (
	agreementBonus      = 0.10
	disagreementMalus   = 0.20
	defaultEvidenceTier = 3
)

// Result is the outcome of cross-validating a claim.
type Result struct {
	Claim      string         `json:"claim"`
	Outcome    ResultOutcome  `json:"outcome"`
	Confidence float64        `json:"confidence"`
	Reports    []MethodReport `json:"reports"`

	// NodeID references the node written to the graph store for this
	// result.
	NodeID string `json:"node_id"`
}

// Coordinator cross-validates claims. It is stateless over the store
// snapshot and safe for concurrent reuse across work items.
type Coordinator struct {
	store     *graph.Store
	createdBy string
	policy    graph.Policy
}

// NewCoordinator creates a coordinator writing its outcomes into the
// given store under the given producer identifier.
func NewCoordinator(store *graph.Store, createdBy string, policy graph.Policy) *Coordinator {
	return &Coordinator{
		store:     store,
		createdBy: createdBy,
		policy:    policy,
	}
}

// Verify runs every method independently, cross-validates the reports
// and records the outcome. At least two methods with distinct data
// sources are required. When methods disagree, the optional tieBreak
// method decides; without one the result is ConflictUnresolved and an
// uncertainty node is raised for escalation.
func (c *Coordinator) Verify(
	ctx context.Context,
	claim string,
	methods []MethodExecutor,
	tieBreak MethodExecutor,
) (Result, error) {
	if len(methods) < 2 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInsufficientMethods, len(methods))
	}
	if err := checkIndependence(methods, tieBreak); err != nil {
		return Result{}, err
	}

	reports, err := c.runMethods(ctx, claim, methods)
	if err != nil {
		return Result{}, err
	}

	supports, refutes := tally(reports)

	switch {
	case supports == len(reports):
		return c.conclude(claim, reports, Verified)
	case refutes == len(reports):
		return c.conclude(claim, reports, Refuted)
	}

	// mixed or inconclusive reports: a conflict
	if tieBreak != nil {
		logger.Info("[Verify] Conflict, invoking tie-break method", "claim", claim, "method", tieBreak.Name())
		report, err := tieBreak.Execute(ctx, claim)
		if err != nil {
			return Result{}, fmt.Errorf("tie-break method %s failed: %w", tieBreak.Name(), err)
		}
		reports = append(reports, report)
		switch report.Outcome {
		case Supports:
			return c.conclude(claim, reports, Verified)
		case Refutes:
			return c.conclude(claim, reports, Refuted)
		}
	}

	return c.concludeConflict(claim, reports)
}

func (c *Coordinator) runMethods(ctx context.Context, claim string, methods []MethodExecutor) ([]MethodReport, error) {
	// each method writes only its own slot; nothing is shared between
	// executions
	reports := make([]MethodReport, len(methods))

	eg, gCtx := errgroup.WithContext(ctx)
	for i, method := range methods {
		eg.Go(func() error {
			report, err := method.Execute(gCtx, claim)
			if err != nil {
				return fmt.Errorf("method %s failed: %w", method.Name(), err)
			}
			if report.Method == "" {
				report.Method = method.Name()
			}
			reports[i] = report
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (c *Coordinator) conclude(claim string, reports []MethodReport, outcome ResultOutcome) (Result, error) {
	confidence := averageConfidence(reports) + agreementBonus
	if confidence > 1.0 {
		confidence = 1.0
	}

	// Unanimous but weak: the combined confidence would not clear the
	// admission gate, so record the doubt instead of a verdict.
	if confidence < c.policy.AdmissionThreshold {
		return c.concludeConflict(claim, reports)
	}

	kind := common.KindVerifiedFinding
	if outcome == Refuted {
		kind = common.KindRefutedClaim
	}

	nodeID, err := c.store.AddNode(common.Node{
		Kind:        kind,
		Label:       claim,
		Description: describeOutcome(outcome, reports),
		Confidence:  confidence,
		CreatedBy:   c.createdBy,
		Evidence:    evidenceFromReports(reports),
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to record %s claim: %w", outcome, err)
	}

	logger.Info("[Verify] Claim concluded", "claim", claim, "outcome", outcome, "confidence", confidence)

	return Result{
		Claim:      claim,
		Outcome:    outcome,
		Confidence: confidence,
		Reports:    reports,
		NodeID:     nodeID,
	}, nil
}

func (c *Coordinator) concludeConflict(claim string, reports []MethodReport) (Result, error) {
	confidence := averageConfidence(reports) - disagreementMalus
	if confidence < 0 {
		confidence = 0
	}

	gap := c.policy.AdmissionThreshold - confidence
	if gap < 0 {
		gap = 0
	}

	options := make([]common.UncertaintyOption, 0, len(reports))
	for _, r := range reports {
		options = append(options, common.UncertaintyOption{
			Description:        fmt.Sprintf("%s: %s (%s)", r.Method, r.Outcome, r.EvidenceSummary),
			ConfidenceIfChosen: r.Confidence,
		})
	}

	nodeID, err := c.store.AddNode(common.Node{
		Kind:        common.KindUncertainty,
		Label:       claim,
		Description: describeOutcome(ConflictUnresolved, reports),
		Confidence:  confidence,
		CreatedBy:   c.createdBy,
		Evidence:    evidenceFromReports(reports),
		Uncertainty: &common.UncertaintyDetail{
			Gap:               gap,
			OptionsConsidered: options,
			InformationNeeded: "an additional independent verification method or an external decision",
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to record unresolved conflict: %w", err)
	}

	logger.Warn("[Verify] Conflict unresolved", "claim", claim, "confidence", confidence)

	return Result{
		Claim:      claim,
		Outcome:    ConflictUnresolved,
		Confidence: confidence,
		Reports:    reports,
		NodeID:     nodeID,
	}, nil
}

func checkIndependence(methods []MethodExecutor, tieBreak MethodExecutor) error {
	seen := make(map[string]string, len(methods)+1)
	all := methods
	if tieBreak != nil {
		all = append(append([]MethodExecutor{}, methods...), tieBreak)
	}
	for _, m := range all {
		source := m.DataSource()
		if prev, dup := seen[source]; dup {
			return fmt.Errorf("%w: %s and %s both read %q", ErrSharedDataSource, prev, m.Name(), source)
		}
		seen[source] = m.Name()
	}
	return nil
}

func tally(reports []MethodReport) (supports, refutes int) {
	for _, r := range reports {
		switch r.Outcome {
		case Supports:
			supports++
		case Refutes:
			refutes++
		}
	}
	return supports, refutes
}

func averageConfidence(reports []MethodReport) float64 {
	if len(reports) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range reports {
		sum += r.Confidence
	}
	return sum / float64(len(reports))
}

func evidenceFromReports(reports []MethodReport) []common.Evidence {
	evidence := make([]common.Evidence, 0, len(reports))
	for _, r := range reports {
		tier := r.Tier
		if tier < 1 || tier > 5 {
			tier = defaultEvidenceTier
		}
		locator := r.Locator
		if locator == "" {
			locator = "method://" + r.Method
		}
		evidence = append(evidence, common.Evidence{
			Locator: locator,
			Tier:    tier,
			Method:  r.Method,
		})
	}
	return evidence
}

func describeOutcome(outcome ResultOutcome, reports []MethodReport) string {
	switch outcome {
	case Verified:
		return fmt.Sprintf("confirmed independently by %d methods", len(reports))
	case Refuted:
		return fmt.Sprintf("refuted independently by %d methods", len(reports))
	default:
		return fmt.Sprintf("verification methods disagree (%d reports), needs resolution", len(reports))
	}
}
