package common

import "time"

// NodeKind classifies a unit of knowledge in the bridge graph.
type NodeKind string

const (
	KindEntity          NodeKind = "entity"
	KindDecision        NodeKind = "decision"
	KindFinding         NodeKind = "finding"
	KindUncertainty     NodeKind = "uncertainty"
	KindVerifiedFinding NodeKind = "verified_finding"
	KindRefutedClaim    NodeKind = "refuted_claim"
	KindTask            NodeKind = "task"
	KindAdr             NodeKind = "adr"
)

// NodeStatus tracks the lifecycle of a node. Nodes are never deleted:
// a node that is corrected later is marked superseded so the audit
// history of a run stays complete.
type NodeStatus string

const (
	StatusPending    NodeStatus = "pending"
	StatusValidated  NodeStatus = "validated"
	StatusResolved   NodeStatus = "resolved"
	StatusSuperseded NodeStatus = "superseded"
	StatusBlocked    NodeStatus = "blocked"
)

// Evidence is a single provenance record backing a node. Tier ranks the
// reliability of the source from 1 (weakest) to 5 (strongest). Method
// names the verification method that produced the record, when one did.
type Evidence struct {
	Locator string `json:"locator"`
	Tier    int    `json:"tier"`
	Method  string `json:"method,omitempty"`
}

// Node represents a unit of knowledge produced by a pipeline stage:
// a finding, a decision, an open uncertainty, or a verified claim.
//
// A node carries its own confidence in [0,1] and an ordered evidence
// list. Seq is assigned by the owning store and totally orders node
// creation within one run.
type Node struct {
	ID          string             `json:"id"`
	Kind        NodeKind           `json:"kind"`
	Label       string             `json:"label"`
	Description string             `json:"description"`
	Confidence  float64            `json:"confidence"`
	Evidence    []Evidence         `json:"evidence,omitempty"`
	CreatedBy   string             `json:"created_by"`
	CreatedAt   time.Time          `json:"created_at"`
	Seq         int64              `json:"seq"`
	Status      NodeStatus         `json:"status"`
	Uncertainty *UncertaintyDetail `json:"uncertainty,omitempty"`
}

// Relation names the kind of directed edge between two nodes.
type Relation string

const (
	RelatesTo     Relation = "relates_to"
	DependsOn     Relation = "depends_on"
	Implements    Relation = "implements"
	ConflictsWith Relation = "conflicts_with"
	DerivedFrom   Relation = "derived_from"
)

// Edge is a directed relation between two nodes. A conflicts_with edge
// is symmetric in meaning but stored once, in the direction it was
// reported.
type Edge struct {
	Source   string   `json:"source"`
	Target   string   `json:"target"`
	Relation Relation `json:"relation"`
}

// UncertaintyOption is one candidate resolution for an open uncertainty,
// with the confidence the producer would assign if it were chosen.
type UncertaintyOption struct {
	Description        string  `json:"description"`
	ConfidenceIfChosen float64 `json:"confidence_if_chosen"`
}

// Resolution records how an uncertainty was closed and by whom.
type Resolution struct {
	ChosenOption string    `json:"chosen_option"`
	ResolvedBy   string    `json:"resolved_by"`
	ResolvedAt   time.Time `json:"resolved_at"`
}

// UncertaintyDetail extends an uncertainty node with everything a
// resolver needs to decide without re-deriving context: the confidence
// gap below the required threshold, the options that were considered,
// and what information would close the gap.
type UncertaintyDetail struct {
	Gap               float64             `json:"gap"`
	OptionsConsidered []UncertaintyOption `json:"options_considered,omitempty"`
	InformationNeeded string              `json:"information_needed,omitempty"`
	Resolution        *Resolution         `json:"resolution,omitempty"`
}

// RoutingMethod distinguishes a real classification from a degraded
// fallback match.
type RoutingMethod string

const (
	LlmClassified   RoutingMethod = "llm_classified"
	FallbackMatched RoutingMethod = "fallback_matched"
)

// RoutingDecision is the ephemeral result of routing one input to a
// handler. It is not persisted to the graph by default.
type RoutingDecision struct {
	InputText  string        `json:"input_text"`
	HandlerID  string        `json:"handler_id"`
	Confidence float64       `json:"confidence"`
	Reasoning  string        `json:"reasoning"`
	Method     RoutingMethod `json:"method"`
	CostUnits  int           `json:"cost_units"`
	DurationMs int64         `json:"duration_ms"`

	// NeedsEscalation marks an ambiguous-but-available classification:
	// the decision stands, but the caller should raise an uncertainty.
	NeedsEscalation bool `json:"needs_escalation,omitempty"`
}

// ScoredNode pairs a node reference with its importance score at
// compression time.
type ScoredNode struct {
	ID    string   `json:"id"`
	Kind  NodeKind `json:"kind"`
	Label string   `json:"label"`
	Score float64  `json:"score"`
}

// CompressedHandoff is the bounded, ranked artifact handed to the next
// pipeline stage. CoverageNote lists nodes excluded despite scoring
// within the near-miss band of the cutoff, so close exclusions stay
// auditable. TokenCount measures the serialized payload.
type CompressedHandoff struct {
	Nodes        []ScoredNode `json:"nodes"`
	CoverageNote []string     `json:"coverage_note,omitempty"`
	TokenCount   int          `json:"token_count"`
}

// RunGraph is the persistence shape for one work item's graph: the
// record flushed on checkpoint and loaded on start.
type RunGraph struct {
	RunID string `json:"run_id"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}
