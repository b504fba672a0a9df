package graph

import (
	"math"

	"github.com/stagebridge/backend/pkg/common"
)

// recencyHalfLifeHours controls the exponential decay of the recency
// factor: a node this many hours old scores 0.5 on recency.
const recencyHalfLifeHours = 24.0

// kindPriority is the fixed priority of each node kind, normalized to
// [0,1]. Decisions and multi-method verified findings carry the most
// weight; plain entities the least.
var kindPriority = map[common.NodeKind]float64{
	common.KindDecision:        1.0,
	common.KindVerifiedFinding: 0.95,
	common.KindAdr:             0.90,
	common.KindFinding:         0.70,
	common.KindTask:            0.60,
	common.KindUncertainty:     0.50,
	common.KindRefutedClaim:    0.40,
	common.KindEntity:          0.30,
}

// Scorer computes the composite importance score used by bridge
// compression. It is stateless over a snapshot and safe for concurrent
// reuse across work items.
type Scorer struct {
	weights Weights
}

// NewScorer creates a scorer with the given weights. Weights are assumed
// validated (Policy.Validate runs at startup).
func NewScorer(weights Weights) *Scorer {
	return &Scorer{weights: weights}
}

// Score computes the importance of a node within a view. All six
// factors are normalized to [0,1] before the weighted combination, so
// the result is itself in [0,1].
func (s *Scorer) Score(node common.Node, view View) float64 {
	confidence := clamp01(node.Confidence)
	kind := kindPriority[node.Kind]
	recency := recencyFactor(node, view)
	dependency := dependencyFactor(node, view)
	evidence := evidenceStrength(node.Evidence)

	verification := 0.0
	if node.Kind == common.KindVerifiedFinding {
		verification = 1.0
	}

	return s.weights.Confidence*confidence +
		s.weights.KindWeight*kind +
		s.weights.Recency*recency +
		s.weights.DependencyDegree*dependency +
		s.weights.EvidenceStrength*evidence +
		s.weights.VerificationBonus*verification
}

func recencyFactor(node common.Node, view View) float64 {
	age := view.TakenAt.Sub(node.CreatedAt).Hours()
	if age <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * age / recencyHalfLifeHours)
}

func dependencyFactor(node common.Node, view View) float64 {
	maxDegree := view.MaxDependencyDegree()
	if maxDegree == 0 {
		return 0
	}
	return float64(view.DependencyDegree(node.ID)) / float64(maxDegree)
}

// evidenceStrength combines evidence count with the weakest reliability
// tier present. More corroborating records help, but a single tier-1
// source caps the factor low.
func evidenceStrength(evidence []common.Evidence) float64 {
	if len(evidence) == 0 {
		return 0
	}

	minTier := 5
	for _, e := range evidence {
		tier := e.Tier
		if tier < 1 {
			tier = 1
		}
		if tier > 5 {
			tier = 5
		}
		if tier < minTier {
			minTier = tier
		}
	}

	countFactor := float64(len(evidence)) / 3.0
	if countFactor > 1 {
		countFactor = 1
	}
	tierFactor := float64(minTier) / 5.0

	return 0.5*countFactor + 0.5*tierFactor
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
