package graph

import (
	"fmt"
	"math"

	"github.com/stagebridge/backend/internal/util"
)

// Weights holds the factor weights of the importance score. The six
// weights must sum to 1.0; Validate is called at startup.
type Weights struct {
	Confidence        float64
	KindWeight        float64
	Recency           float64
	DependencyDegree  float64
	EvidenceStrength  float64
	VerificationBonus float64
}

// DefaultWeights returns the documented default weighting.
func DefaultWeights() Weights {
	return Weights{
		Confidence:        0.25,
		KindWeight:        0.20,
		Recency:           0.10,
		DependencyDegree:  0.15,
		EvidenceStrength:  0.15,
		VerificationBonus: 0.15,
	}
}

// Validate checks that the weights sum to 1.0 and that none is negative.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"confidence":         w.Confidence,
		"kind_weight":        w.KindWeight,
		"recency":            w.Recency,
		"dependency_degree":  w.DependencyDegree,
		"evidence_strength":  w.EvidenceStrength,
		"verification_bonus": w.VerificationBonus,
	} {
		if v < 0 {
			return fmt.Errorf("weight %s is negative: %f", name, v)
		}
	}

	sum := w.Confidence + w.KindWeight + w.Recency + w.DependencyDegree + w.EvidenceStrength + w.VerificationBonus
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("weights must sum to 1.0, got %f", sum)
	}
	return nil
}

// Policy collects the confidence thresholds and compression parameters
// of one deployment. The 0.70/0.85/0.90 values are policy, not truths:
// every one of them can be overridden through the environment.
type Policy struct {
	// AdmissionThreshold is the minimum confidence for any node that is
	// not an uncertainty.
	AdmissionThreshold float64

	// DecisionReviewThreshold is the confidence below which a
	// decision-class node must be escalated before work continues.
	DecisionReviewThreshold float64

	// RoutingConfidenceMin is the classification confidence below which
	// a routing decision is marked for escalation.
	RoutingConfidenceMin float64

	// FallbackConfidence is the fixed confidence of a fallback-matched
	// routing decision. It sits below RoutingConfidenceMin so degraded
	// routing is always distinguishable.
	FallbackConfidence float64

	// UncertaintyQuota is the share of a handoff reserved for unresolved
	// uncertainty nodes.
	UncertaintyQuota float64

	// NearMissBand is the relative score band below the compression
	// cutoff reported in the coverage note.
	NearMissBand float64

	Weights Weights
}

// DefaultPolicy returns the default thresholds.
func DefaultPolicy() Policy {
	return Policy{
		AdmissionThreshold:      0.85,
		DecisionReviewThreshold: 0.90,
		RoutingConfidenceMin:    0.70,
		FallbackConfidence:      0.60,
		UncertaintyQuota:        0.20,
		NearMissBand:            0.05,
		Weights:                 DefaultWeights(),
	}
}

// PolicyFromEnv builds a Policy from environment overrides on top of the
// defaults.
func PolicyFromEnv() Policy {
	p := DefaultPolicy()
	p.AdmissionThreshold = util.GetEnvFloat("POLICY_ADMISSION_THRESHOLD", p.AdmissionThreshold)
	p.DecisionReviewThreshold = util.GetEnvFloat("POLICY_DECISION_REVIEW_THRESHOLD", p.DecisionReviewThreshold)
	p.RoutingConfidenceMin = util.GetEnvFloat("POLICY_ROUTING_CONFIDENCE_MIN", p.RoutingConfidenceMin)
	p.FallbackConfidence = util.GetEnvFloat("POLICY_FALLBACK_CONFIDENCE", p.FallbackConfidence)
	p.UncertaintyQuota = util.GetEnvFloat("POLICY_UNCERTAINTY_QUOTA", p.UncertaintyQuota)
	p.NearMissBand = util.GetEnvFloat("POLICY_NEAR_MISS_BAND", p.NearMissBand)

	p.Weights.Confidence = util.GetEnvFloat("SCORE_WEIGHT_CONFIDENCE", p.Weights.Confidence)
	p.Weights.KindWeight = util.GetEnvFloat("SCORE_WEIGHT_KIND", p.Weights.KindWeight)
	p.Weights.Recency = util.GetEnvFloat("SCORE_WEIGHT_RECENCY", p.Weights.Recency)
	p.Weights.DependencyDegree = util.GetEnvFloat("SCORE_WEIGHT_DEPENDENCY", p.Weights.DependencyDegree)
	p.Weights.EvidenceStrength = util.GetEnvFloat("SCORE_WEIGHT_EVIDENCE", p.Weights.EvidenceStrength)
	p.Weights.VerificationBonus = util.GetEnvFloat("SCORE_WEIGHT_VERIFICATION", p.Weights.VerificationBonus)
	return p
}

// Validate checks threshold ordering and the score weights.
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"admission_threshold":       p.AdmissionThreshold,
		"decision_review_threshold": p.DecisionReviewThreshold,
		"routing_confidence_min":    p.RoutingConfidenceMin,
		"fallback_confidence":       p.FallbackConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("policy %s out of range [0,1]: %f", name, v)
		}
	}
	if p.FallbackConfidence >= p.RoutingConfidenceMin {
		return fmt.Errorf(
			"fallback confidence %f must stay below routing confidence min %f",
			p.FallbackConfidence, p.RoutingConfidenceMin,
		)
	}
	if p.UncertaintyQuota < 0 || p.UncertaintyQuota > 1 {
		return fmt.Errorf("uncertainty quota out of range [0,1]: %f", p.UncertaintyQuota)
	}
	if p.NearMissBand < 0 || p.NearMissBand > 1 {
		return fmt.Errorf("near miss band out of range [0,1]: %f", p.NearMissBand)
	}
	return p.Weights.Validate()
}
