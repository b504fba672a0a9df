package graph

import (
	"fmt"

	"github.com/stagebridge/backend/pkg/common"
)

// Reason classifies why a draft node was rejected. Rejections are data,
// not errors: the caller must either fix the draft or raise an
// uncertainty, never drop it silently.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonMissingField   Reason = "missing_field"
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonNoEvidence     Reason = "no_evidence"
)

// Validator gates additions to the graph store against required-field
// and confidence-threshold rules.
type Validator struct {
	policy Policy
}

// NewValidator creates a validator for the given policy.
func NewValidator(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// Validate checks a draft node. The second return value carries the
// structured rejection reason; it is ReasonNone when the draft is
// accepted.
//
// Uncertainty nodes are exempt from the confidence threshold: being
// low-confidence is their purpose. Uncertainty and decision nodes are
// exempt from the evidence requirement.
func (v *Validator) Validate(draft common.Node) (bool, Reason) {
	if draft.Label == "" || draft.Description == "" || draft.CreatedBy == "" || draft.Confidence <= 0 {
		return false, ReasonMissingField
	}

	if draft.Confidence < v.threshold(draft.Kind) && draft.Kind != common.KindUncertainty {
		return false, ReasonBelowThreshold
	}

	if len(draft.Evidence) == 0 &&
		draft.Kind != common.KindUncertainty &&
		draft.Kind != common.KindDecision {
		return false, ReasonNoEvidence
	}

	// A verified finding asserts multi-method agreement, so its evidence
	// must actually carry two independently sourced method records.
	if draft.Kind == common.KindVerifiedFinding && IndependentMethods(draft.Evidence) < 2 {
		return false, ReasonNoEvidence
	}

	return true, ReasonNone
}

// IndependentMethods counts the distinct verification methods named
// across the evidence records. Records without a method do not count.
func IndependentMethods(evidence []common.Evidence) int {
	seen := make(map[string]struct{}, len(evidence))
	for _, e := range evidence {
		if e.Method == "" {
			continue
		}
		seen[e.Method] = struct{}{}
	}
	return len(seen)
}

// threshold returns the confidence bar a draft must clear. Decision
// class nodes answer to the stricter review threshold.
func (v *Validator) threshold(kind common.NodeKind) float64 {
	if kind == common.KindDecision || kind == common.KindAdr {
		return v.policy.DecisionReviewThreshold
	}
	return v.policy.AdmissionThreshold
}

// Gap returns how far a draft falls below its admission threshold, for
// uncertainty detail records. Zero when the draft meets the threshold.
func (v *Validator) Gap(draft common.Node) float64 {
	gap := v.threshold(draft.Kind) - draft.Confidence
	if gap < 0 {
		return 0
	}
	return gap
}

// RejectionError renders a rejection as an error for callers that need
// one, preserving the structured reason.
func RejectionError(reason Reason, draft common.Node) error {
	return fmt.Errorf("draft %q rejected: %s", draft.Label, reason)
}
