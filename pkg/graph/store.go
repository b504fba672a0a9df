package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stagebridge/backend/pkg/common"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrDuplicateID     = errors.New("node id already exists")
	ErrInvalidRelation = errors.New("edge references a missing node")
	ErrUnknownRelation = errors.New("unknown edge relation")
	ErrSelfLoop        = errors.New("edge source and target are the same node")
	ErrMissingNode     = errors.New("node does not exist")
	ErrBelowThreshold  = errors.New("confidence below admission threshold")
	ErrUnverifiedClaim = errors.New("verified finding lacks two independent method records")
	ErrNotSupersedable = errors.New("node cannot be superseded in its current status")
)

// ChangeEntry is one record of the in-memory change log kept for
// debugging and audit. The store never does I/O itself.
type ChangeEntry struct {
	Op     string    `json:"op"`
	NodeID string    `json:"node_id"`
	Seq    int64     `json:"seq"`
	At     time.Time `json:"at"`
}

// Store owns the node and edge collection of a single work item run.
// All writes go through a single mutex; node creation gets a monotonic
// sequence number so recency scoring and tie-breaking stay deterministic
// under concurrent writers.
//
// Nodes are immutable once validated except for status transitions,
// which only the store itself may perform.
type Store struct {
	runID  string
	policy Policy

	mu        sync.Mutex
	nodes     map[string]*common.Node
	order     []string
	edges     []common.Edge
	seq       int64
	changeLog []ChangeEntry

	now func() time.Time
}

// View is a point-in-time, immutable copy of a store, safe for
// concurrent reads while writers continue to append.
type View struct {
	RunID   string
	TakenAt time.Time
	Nodes   []common.Node
	Edges   []common.Edge

	byID map[string]int
}

// NewStore creates an empty store for one run.
func NewStore(runID string, policy Policy) *Store {
	return &Store{
		runID:  runID,
		policy: policy,
		nodes:  make(map[string]*common.Node),
		now:    time.Now,
	}
}

// RunID returns the run this store belongs to.
func (s *Store) RunID() string {
	return s.runID
}

// AddNode admits a draft node and returns its id. An empty draft id is
// replaced with a generated one. The admission invariant is enforced
// here as well as in the validator: a node below the admission threshold
// is only admitted when its kind is uncertainty.
func (s *Store) AddNode(draft common.Node) (string, error) {
	if draft.Confidence < s.policy.AdmissionThreshold && draft.Kind != common.KindUncertainty {
		return "", fmt.Errorf("%w: kind %s at %.2f", ErrBelowThreshold, draft.Kind, draft.Confidence)
	}
	if draft.Kind == common.KindVerifiedFinding && IndependentMethods(draft.Evidence) < 2 {
		return "", fmt.Errorf("%w: %d found", ErrUnverifiedClaim, IndependentMethods(draft.Evidence))
	}

	if draft.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return "", fmt.Errorf("failed to generate node id: %w", err)
		}
		draft.ID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[draft.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, draft.ID)
	}

	s.seq++
	draft.Seq = s.seq
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = s.now()
	}
	if draft.Status == "" {
		draft.Status = common.StatusValidated
	}

	node := draft
	s.nodes[node.ID] = &node
	s.order = append(s.order, node.ID)
	s.appendChange("add_node", node.ID, node.Seq)

	return node.ID, nil
}

// AddEdge records a directed relation between two existing nodes.
func (s *Store) AddEdge(src, dst string, relation common.Relation) error {
	switch relation {
	case common.RelatesTo, common.DependsOn, common.Implements, common.ConflictsWith, common.DerivedFrom:
	default:
		return fmt.Errorf("%w: %s", ErrUnknownRelation, relation)
	}
	if src == dst {
		return fmt.Errorf("%w: %s", ErrSelfLoop, src)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[src]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidRelation, src)
	}
	if _, ok := s.nodes[dst]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidRelation, dst)
	}

	s.edges = append(s.edges, common.Edge{Source: src, Target: dst, Relation: relation})
	return nil
}

// Get returns a copy of the node with the given id.
func (s *Store) Get(id string) (common.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return common.Node{}, false
	}
	return *node, true
}

// Supersede marks oldID as superseded by newID. Both nodes must exist
// and the old node must be validated; superseded nodes stay readable so
// the audit history of the run is never lost.
func (s *Store) Supersede(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldNode, ok := s.nodes[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, oldID)
	}
	newNode, ok := s.nodes[newID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, newID)
	}
	if oldNode.Status != common.StatusValidated {
		return fmt.Errorf("%w: %s is %s", ErrNotSupersedable, oldID, oldNode.Status)
	}

	oldNode.Status = common.StatusSuperseded
	s.edges = append(s.edges, common.Edge{Source: newNode.ID, Target: oldNode.ID, Relation: common.DerivedFrom})
	s.appendChange("supersede", oldID, oldNode.Seq)

	return nil
}

// ResolveUncertainty closes an uncertainty node: status becomes
// resolved, confidence is lifted to the resolved value and the
// resolution record is attached. Only the store mutates node status.
func (s *Store) ResolveUncertainty(id string, res common.Resolution, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, id)
	}
	if node.Kind != common.KindUncertainty {
		return fmt.Errorf("%w: %s is not an uncertainty node", ErrMissingNode, id)
	}

	node.Status = common.StatusResolved
	if confidence > 0 {
		node.Confidence = confidence
	}
	if node.Uncertainty == nil {
		node.Uncertainty = &common.UncertaintyDetail{}
	}
	r := res
	node.Uncertainty.Resolution = &r
	s.appendChange("resolve", id, node.Seq)

	return nil
}

// MarkBlocked flags a node as blocked for manual triage.
func (s *Store) MarkBlocked(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, id)
	}

	node.Status = common.StatusBlocked
	s.appendChange("block", id, node.Seq)
	return nil
}

// Snapshot returns a point-in-time immutable view. Nodes appear in
// creation order.
func (s *Store) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes := make([]common.Node, 0, len(s.order))
	byID := make(map[string]int, len(s.order))
	for _, id := range s.order {
		byID[id] = len(nodes)
		nodes = append(nodes, *s.nodes[id])
	}

	edges := make([]common.Edge, len(s.edges))
	copy(edges, s.edges)

	return View{
		RunID:   s.runID,
		TakenAt: s.now(),
		Nodes:   nodes,
		Edges:   edges,
		byID:    byID,
	}
}

// ChangeLog returns a copy of the audit log.
func (s *Store) ChangeLog() []ChangeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChangeEntry, len(s.changeLog))
	copy(out, s.changeLog)
	return out
}

// Export returns the persistence shape of the store for checkpointing.
func (s *Store) Export() common.RunGraph {
	view := s.Snapshot()
	return common.RunGraph{
		RunID: view.RunID,
		Nodes: view.Nodes,
		Edges: view.Edges,
	}
}

// Import seeds a store from a previously persisted run graph. The
// sequence counter continues after the highest imported sequence.
func (s *Store) Import(run common.RunGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range run.Nodes {
		if _, exists := s.nodes[node.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateID, node.ID)
		}
		n := node
		s.nodes[n.ID] = &n
		s.order = append(s.order, n.ID)
		if n.Seq > s.seq {
			s.seq = n.Seq
		}
	}
	s.edges = append(s.edges, run.Edges...)
	return nil
}

func (s *Store) appendChange(op, nodeID string, seq int64) {
	s.changeLog = append(s.changeLog, ChangeEntry{
		Op:     op,
		NodeID: nodeID,
		Seq:    seq,
		At:     s.now(),
	})
}

// Get returns the node with the given id from the view.
func (v View) Get(id string) (common.Node, bool) {
	idx, ok := v.byID[id]
	if !ok {
		return common.Node{}, false
	}
	return v.Nodes[idx], true
}

// Len returns the number of nodes in the view.
func (v View) Len() int {
	return len(v.Nodes)
}

// DependencyDegree counts incoming depends_on and implements edges for
// the given node.
func (v View) DependencyDegree(id string) int {
	degree := 0
	for _, e := range v.Edges {
		if e.Target != id {
			continue
		}
		if e.Relation == common.DependsOn || e.Relation == common.Implements {
			degree++
		}
	}
	return degree
}

// MaxDependencyDegree returns the highest dependency degree in the view,
// used to normalize the dependency factor of the importance score.
func (v View) MaxDependencyDegree() int {
	counts := make(map[string]int)
	for _, e := range v.Edges {
		if e.Relation == common.DependsOn || e.Relation == common.Implements {
			counts[e.Target]++
		}
	}
	maxDegree := 0
	for _, c := range counts {
		if c > maxDegree {
			maxDegree = c
		}
	}
	return maxDegree
}
