package graph

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stagebridge/backend/pkg/common"
)

func testNode(id string, kind common.NodeKind, confidence float64) common.Node {
	return common.Node{
		ID:          id,
		Kind:        kind,
		Label:       "label " + id,
		Description: "description " + id,
		Confidence:  confidence,
		CreatedBy:   "test",
		Evidence:    []common.Evidence{{Locator: "src://" + id, Tier: 3}},
	}
}

func TestAddNodeAssignsMonotonicSequence(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())

	var lastSeq int64
	for i := 0; i < 10; i++ {
		id, err := store.AddNode(testNode(fmt.Sprintf("n%d", i), common.KindFinding, 0.9))
		if err != nil {
			t.Fatalf("AddNode() error = %v", err)
		}
		node, ok := store.Get(id)
		if !ok {
			t.Fatalf("Get(%q) not found", id)
		}
		if node.Seq <= lastSeq {
			t.Errorf("sequence not strictly increasing: %d after %d", node.Seq, lastSeq)
		}
		lastSeq = node.Seq
	}
}

func TestAddNodeErrors(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	if _, err := store.AddNode(testNode("dup", common.KindFinding, 0.9)); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}

	tests := []struct {
		name    string
		draft   common.Node
		wantErr error
	}{
		{
			name:    "duplicate id",
			draft:   testNode("dup", common.KindFinding, 0.9),
			wantErr: ErrDuplicateID,
		},
		{
			name:    "below threshold non-uncertainty",
			draft:   testNode("low", common.KindFinding, 0.5),
			wantErr: ErrBelowThreshold,
		},
		{
			name:    "verified finding with single method record",
			draft:   testNode("v1", common.KindVerifiedFinding, 0.95),
			wantErr: ErrUnverifiedClaim,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.AddNode(tt.draft)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("AddNode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddNodeAdmitsLowConfidenceUncertainty(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	draft := testNode("u1", common.KindUncertainty, 0.3)

	if _, err := store.AddNode(draft); err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
}

func TestAddEdge(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	if _, err := store.AddNode(testNode("a", common.KindFinding, 0.9)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddNode(testNode("b", common.KindFinding, 0.9)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		src, dst string
		relation common.Relation
		wantErr  error
	}{
		{name: "valid edge", src: "a", dst: "b", relation: common.DependsOn},
		{name: "self loop", src: "a", dst: "a", relation: common.RelatesTo, wantErr: ErrSelfLoop},
		{name: "missing target", src: "a", dst: "ghost", relation: common.DependsOn, wantErr: ErrInvalidRelation},
		{name: "missing source", src: "ghost", dst: "b", relation: common.DependsOn, wantErr: ErrInvalidRelation},
		{name: "unknown relation", src: "a", dst: "b", relation: "resembles", wantErr: ErrUnknownRelation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.AddEdge(tt.src, tt.dst, tt.relation)
			if tt.wantErr == nil && err != nil {
				t.Errorf("AddEdge() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("AddEdge() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSupersedeKeepsHistory(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	oldID, _ := store.AddNode(testNode("old", common.KindFinding, 0.9))
	newID, _ := store.AddNode(testNode("new", common.KindFinding, 0.95))

	if err := store.Supersede(oldID, newID); err != nil {
		t.Fatalf("Supersede() error = %v", err)
	}

	oldNode, ok := store.Get(oldID)
	if !ok {
		t.Fatal("superseded node no longer readable")
	}
	if oldNode.Status != common.StatusSuperseded {
		t.Errorf("status = %s, want %s", oldNode.Status, common.StatusSuperseded)
	}

	if err := store.Supersede(oldID, newID); !errors.Is(err, ErrNotSupersedable) {
		t.Errorf("second Supersede() error = %v, want %v", err, ErrNotSupersedable)
	}
}

func TestSnapshotIsolatedFromWriters(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	store.AddNode(testNode("a", common.KindFinding, 0.9))

	view := store.Snapshot()
	store.AddNode(testNode("b", common.KindFinding, 0.9))

	if view.Len() != 1 {
		t.Errorf("snapshot length = %d, want 1", view.Len())
	}
	if _, ok := view.Get("b"); ok {
		t.Error("snapshot observed a write made after it was taken")
	}
}

func TestSnapshotNeverContainsLowConfidenceNonUncertainty(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	store.AddNode(testNode("good", common.KindFinding, 0.9))
	store.AddNode(testNode("unc", common.KindUncertainty, 0.4))
	if _, err := store.AddNode(testNode("bad", common.KindDecision, 0.4)); err == nil {
		t.Fatal("low-confidence decision was admitted")
	}

	for _, node := range store.Snapshot().Nodes {
		if node.Kind != common.KindUncertainty && node.Confidence < DefaultPolicy().AdmissionThreshold {
			t.Errorf("node %s readable with confidence %.2f below threshold", node.ID, node.Confidence)
		}
	}
}

func TestConcurrentAddNodeUniqueSequences(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				draft := testNode(fmt.Sprintf("w%d-n%d", w, i), common.KindFinding, 0.9)
				if _, err := store.AddNode(draft); err != nil {
					t.Errorf("AddNode() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	view := store.Snapshot()
	if view.Len() != writers*perWriter {
		t.Fatalf("node count = %d, want %d", view.Len(), writers*perWriter)
	}

	seen := make(map[int64]bool, view.Len())
	for _, node := range view.Nodes {
		if seen[node.Seq] {
			t.Errorf("duplicate sequence number %d", node.Seq)
		}
		seen[node.Seq] = true
	}
}

func TestChangeLogRecordsMutations(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	oldID, _ := store.AddNode(testNode("a", common.KindFinding, 0.9))
	newID, _ := store.AddNode(testNode("b", common.KindFinding, 0.9))
	store.Supersede(oldID, newID)

	log := store.ChangeLog()
	ops := make([]string, 0, len(log))
	for _, entry := range log {
		ops = append(ops, entry.Op)
	}
	want := []string{"add_node", "add_node", "supersede"}
	if len(ops) != len(want) {
		t.Fatalf("change log ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("change log op[%d] = %s, want %s", i, ops[i], want[i])
		}
	}
}

func TestImportContinuesSequence(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	run := common.RunGraph{
		RunID: "run-1",
		Nodes: []common.Node{
			{ID: "a", Kind: common.KindFinding, Label: "a", Description: "a", Confidence: 0.9, CreatedBy: "test", CreatedAt: time.Now(), Seq: 7, Status: common.StatusValidated},
		},
	}
	if err := store.Import(run); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	id, err := store.AddNode(testNode("b", common.KindFinding, 0.9))
	if err != nil {
		t.Fatalf("AddNode() error = %v", err)
	}
	node, _ := store.Get(id)
	if node.Seq != 8 {
		t.Errorf("sequence after import = %d, want 8", node.Seq)
	}
}
