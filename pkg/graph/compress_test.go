package graph

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stagebridge/backend/pkg/common"
)

func newTestCompressor(policy Policy) *Compressor {
	c := NewCompressor(policy)
	c.countFn = func(payload string) (int, error) {
		return len(payload) / 4, nil
	}
	return c
}

func populatedStore(t *testing.T, findings, uncertainties int) *Store {
	t.Helper()
	store := NewStore("run-1", DefaultPolicy())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	for i := 0; i < findings; i++ {
		draft := common.Node{
			ID:          fmt.Sprintf("f%d", i),
			Kind:        common.KindFinding,
			Label:       fmt.Sprintf("finding %d", i),
			Description: "a finding",
			Confidence:  0.86 + 0.01*float64(i%10),
			CreatedBy:   "test",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			Evidence:    []common.Evidence{{Locator: "src", Tier: 3}},
		}
		if _, err := store.AddNode(draft); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < uncertainties; i++ {
		draft := common.Node{
			ID:          fmt.Sprintf("u%d", i),
			Kind:        common.KindUncertainty,
			Label:       fmt.Sprintf("uncertainty %d", i),
			Description: "an open question",
			Confidence:  0.4,
			CreatedBy:   "test",
			CreatedAt:   base,
		}
		if _, err := store.AddNode(draft); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func TestCompressLimitAndCompleteness(t *testing.T) {
	store := populatedStore(t, 20, 0)
	view := store.Snapshot()
	compressor := newTestCompressor(DefaultPolicy())

	tests := []struct {
		name string
		n    int
		want int
	}{
		{name: "fewer than available", n: 5, want: 5},
		{name: "exactly available", n: 20, want: 20},
		{name: "more than available", n: 100, want: 20},
		{name: "single", n: 1, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handoff, err := compressor.Compress(view, tt.n)
			if err != nil {
				t.Fatalf("Compress() error = %v", err)
			}
			if len(handoff.Nodes) != tt.want {
				t.Errorf("len(nodes) = %d, want %d", len(handoff.Nodes), tt.want)
			}
		})
	}
}

func TestCompressErrors(t *testing.T) {
	compressor := newTestCompressor(DefaultPolicy())
	store := populatedStore(t, 3, 0)

	if _, err := compressor.Compress(store.Snapshot(), 0); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("Compress(n=0) error = %v, want %v", err, ErrInvalidLimit)
	}
	if _, err := compressor.Compress(store.Snapshot(), -1); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("Compress(n=-1) error = %v, want %v", err, ErrInvalidLimit)
	}

	empty := NewStore("run-2", DefaultPolicy()).Snapshot()
	if _, err := compressor.Compress(empty, 5); !errors.Is(err, ErrEmptyView) {
		t.Errorf("Compress(empty) error = %v, want %v", err, ErrEmptyView)
	}
}

func TestCompressReservesUncertaintyQuota(t *testing.T) {
	// 30 strong findings and 2 low-scoring unresolved uncertainties; with
	// n=10 and a 20% quota both uncertainties must survive compression.
	store := populatedStore(t, 30, 2)
	view := store.Snapshot()
	compressor := newTestCompressor(DefaultPolicy())

	handoff, err := compressor.Compress(view, 10)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if len(handoff.Nodes) != 10 {
		t.Fatalf("len(nodes) = %d, want 10", len(handoff.Nodes))
	}

	found := map[string]bool{}
	for _, n := range handoff.Nodes {
		found[n.ID] = true
	}
	for _, id := range []string{"u0", "u1"} {
		if !found[id] {
			t.Errorf("unresolved uncertainty %s compressed away", id)
		}
	}
}

func TestCompressSkipsResolvedUncertainty(t *testing.T) {
	store := populatedStore(t, 30, 1)
	res := common.Resolution{ChosenOption: "option a", ResolvedBy: "reviewer", ResolvedAt: time.Now()}
	if err := store.ResolveUncertainty("u0", res, 0.9); err != nil {
		t.Fatal(err)
	}

	compressor := newTestCompressor(DefaultPolicy())
	handoff, err := compressor.Compress(store.Snapshot(), 5)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	for _, n := range handoff.Nodes[:1] {
		// resolved uncertainty no longer holds a reserved slot; the top
		// entry must be a finding
		if n.Kind == common.KindUncertainty {
			t.Errorf("resolved uncertainty %s still holds a reserved slot", n.ID)
		}
	}
}

func TestCompressDeterministic(t *testing.T) {
	store := populatedStore(t, 25, 3)
	view := store.Snapshot()
	compressor := newTestCompressor(DefaultPolicy())

	first, err := compressor.Compress(view, 8)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := compressor.Compress(view, 8)
		if err != nil {
			t.Fatal(err)
		}
		if len(again.Nodes) != len(first.Nodes) {
			t.Fatalf("run %d: length %d, want %d", i, len(again.Nodes), len(first.Nodes))
		}
		for j := range first.Nodes {
			if again.Nodes[j].ID != first.Nodes[j].ID {
				t.Errorf("run %d: node[%d] = %s, want %s", i, j, again.Nodes[j].ID, first.Nodes[j].ID)
			}
		}
	}
}

func TestCompressTieBreakByCreationOrder(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	// identical nodes except id; scores tie exactly, so creation order decides
	for _, id := range []string{"first", "second", "third"} {
		draft := common.Node{
			ID:          id,
			Kind:        common.KindFinding,
			Label:       "identical",
			Description: "identical",
			Confidence:  0.9,
			CreatedBy:   "test",
			CreatedAt:   base,
			Evidence:    []common.Evidence{{Locator: "src", Tier: 3}},
		}
		if _, err := store.AddNode(draft); err != nil {
			t.Fatal(err)
		}
	}

	compressor := newTestCompressor(DefaultPolicy())
	handoff, err := compressor.Compress(store.Snapshot(), 2)
	if err != nil {
		t.Fatal(err)
	}

	// quota reserves one slot but no uncertainties exist, so top two win
	wantOrder := []string{"first", "second"}
	for i, want := range wantOrder {
		if handoff.Nodes[i].ID != want {
			t.Errorf("nodes[%d] = %s, want %s", i, handoff.Nodes[i].ID, want)
		}
	}
}

func TestCompressCoverageNoteListsNearMisses(t *testing.T) {
	store := NewStore("run-1", DefaultPolicy())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	// same shape and timestamps so scores differ only through confidence
	for i, conf := range []float64{0.99, 0.98, 0.975} {
		draft := common.Node{
			ID:          fmt.Sprintf("n%d", i),
			Kind:        common.KindFinding,
			Label:       fmt.Sprintf("finding %d", i),
			Description: "d",
			Confidence:  conf,
			CreatedBy:   "test",
			CreatedAt:   base,
			Evidence:    []common.Evidence{{Locator: "src", Tier: 3}},
		}
		if _, err := store.AddNode(draft); err != nil {
			t.Fatal(err)
		}
	}

	compressor := newTestCompressor(DefaultPolicy())
	handoff, err := compressor.Compress(store.Snapshot(), 2)
	if err != nil {
		t.Fatal(err)
	}

	if len(handoff.CoverageNote) != 1 {
		t.Fatalf("coverage note entries = %d, want 1: %v", len(handoff.CoverageNote), handoff.CoverageNote)
	}
}

func TestCompressReportsTokenCount(t *testing.T) {
	store := populatedStore(t, 5, 0)
	compressor := newTestCompressor(DefaultPolicy())

	handoff, err := compressor.Compress(store.Snapshot(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if handoff.TokenCount <= 0 {
		t.Errorf("token count = %d, want > 0", handoff.TokenCount)
	}
}
