package dag

import (
	"errors"
	"testing"
)

func TestDiamondGraph(t *testing.T) {
	d := New[int]()
	if err := d.AddVertices(0, 1, 2, 3); err != nil {
		t.Fatalf("add vertices: %v", err)
	}
	for _, e := range [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}} {
		if err := d.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("add edge %v: %v", e, err)
		}
	}
	d.Reset()

	order := make(map[int]int)
	i := 0
	for {
		id, ok := d.VisitNext()
		if !ok {
			break
		}
		if err := d.CompleteVisit(id, false); err != nil {
			t.Fatalf("complete visit: %v", err)
		}
		order[id] = i
		i++
	}
	if !d.IsComplete() {
		t.Fatalf("expected dag to be complete")
	}
	if order[0] != 0 {
		t.Fatalf("expected 0 first, got order %v", order)
	}
	if order[3] != 3 {
		t.Fatalf("expected 3 last, got order %v", order)
	}
	for _, e := range [][2]int{{0, 1}, {0, 2}, {1, 3}, {2, 3}} {
		if order[e[0]] >= order[e[1]] {
			t.Fatalf("edge %v out of order: %v", e, order)
		}
	}
}

func TestCycleRejection(t *testing.T) {
	d := New[int]()
	if err := d.AddVertices(0, 1, 2); err != nil {
		t.Fatalf("add vertices: %v", err)
	}
	if err := d.AddEdge(0, 1); err != nil {
		t.Fatalf("add edge 0->1: %v", err)
	}
	if err := d.AddEdge(1, 2); err != nil {
		t.Fatalf("add edge 1->2: %v", err)
	}
	if err := d.AddEdge(2, 0); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestAddVerticesDuplicateLeavesEarlierApplied(t *testing.T) {
	d := New[int]()
	if err := d.AddVertices(0, 1, 2); err != nil {
		t.Fatalf("add vertices: %v", err)
	}
	if d.Len() != 3 {
		t.Fatalf("expected 3 vertices, got %d", d.Len())
	}
	err := d.AddVertices(3, 4, 2, 5) // 2 is a duplicate
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if d.Len() != 5 {
		t.Fatalf("expected earlier insertions (3,4) to have applied, got len %d", d.Len())
	}
}

func buildTenVertexGraph(t *testing.T) *DAG[int] {
	t.Helper()
	d := New[int]()
	if err := d.AddVertices(0, 1, 2, 3, 4, 5, 6, 7, 8, 9); err != nil {
		t.Fatalf("add vertices: %v", err)
	}
	edges := [][2]int{
		{0, 6}, {1, 5}, {2, 3}, {3, 5}, {5, 6}, {6, 7}, {7, 8}, {8, 9}, {7, 9}, {4, 7},
	}
	for _, e := range edges {
		if err := d.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("add edge %v: %v", e, err)
		}
	}
	return d
}

func TestTraversalOrder(t *testing.T) {
	d := buildTenVertexGraph(t)
	d.Reset()

	edges := [][2]int{
		{0, 6}, {1, 5}, {2, 3}, {3, 5}, {5, 6}, {6, 7}, {7, 8}, {8, 9}, {7, 9}, {4, 7},
	}

	order := make([]int, d.Len())
	i := 0
	for {
		id, ok := d.VisitNext()
		if !ok {
			break
		}
		if err := d.CompleteVisit(id, false); err != nil {
			t.Fatalf("complete visit: %v", err)
		}
		order[id] = i
		i++
	}
	if !d.IsComplete() {
		t.Fatalf("expected dag to be complete")
	}
	for _, e := range edges {
		if order[e[0]] >= order[e[1]] {
			t.Fatalf("edge %v out of order: %v", e, order)
		}
	}
}

func TestMutationDuringTraversal(t *testing.T) {
	d := buildTenVertexGraph(t)
	d.Reset()

	edges := [][2]int{
		{0, 6}, {1, 5}, {2, 3}, {3, 5}, {5, 6}, {6, 7}, {7, 8}, {8, 9}, {7, 9}, {4, 7},
	}
	extraVertices := []int{10, 11, 12}
	extraEdges := [][2]int{
		{7, 10}, {10, 8}, {10, 9},
		{5, 11}, {6, 11},
		{4, 12}, // source is a root and may already have been visited
	}

	order := make(map[int]int)
	i := 0
	for {
		if i == 5 {
			if err := d.AddVertices(extraVertices...); err != nil {
				t.Fatalf("add extra vertices: %v", err)
			}
			for _, e := range extraEdges {
				if err := d.AddEdge(e[0], e[1]); err != nil {
					t.Fatalf("add extra edge %v: %v", e, err)
				}
			}
		}
		id, ok := d.VisitNext()
		if !ok {
			break
		}
		if err := d.CompleteVisit(id, false); err != nil {
			t.Fatalf("complete visit: %v", err)
		}
		order[id] = i
		i++
	}

	if len(order) != 13 {
		t.Fatalf("expected 13 vertices visited, got %d", len(order))
	}
	for _, e := range edges {
		if order[e[0]] >= order[e[1]] {
			t.Fatalf("edge %v out of order: %v", e, order)
		}
	}
	for _, e := range extraEdges {
		if order[e[0]] >= order[e[1]] {
			t.Fatalf("extra edge %v out of order: %v", e, order)
		}
	}
}

func TestErroredVertexBlocksDescendants(t *testing.T) {
	d := New[int]()
	if err := d.AddVertices(0, 1, 2); err != nil {
		t.Fatalf("add vertices: %v", err)
	}
	if err := d.AddEdge(0, 1); err != nil {
		t.Fatalf("add edge 0->1: %v", err)
	}
	if err := d.AddEdge(1, 2); err != nil {
		t.Fatalf("add edge 1->2: %v", err)
	}

	id, ok := d.VisitNext()
	if !ok || id != 0 {
		t.Fatalf("expected to visit 0 first, got %v ok=%v", id, ok)
	}
	if err := d.CompleteVisit(0, false); err != nil {
		t.Fatalf("complete 0: %v", err)
	}

	id, ok = d.VisitNext()
	if !ok || id != 1 {
		t.Fatalf("expected to visit 1, got %v ok=%v", id, ok)
	}
	if err := d.CompleteVisit(1, true); err != nil {
		t.Fatalf("complete 1 errored: %v", err)
	}

	if _, ok := d.GetVertex(2); !ok {
		t.Fatalf("vertex 2 missing")
	}
	if d.ReadyLen() != 0 {
		t.Fatalf("expected vertex 2 to remain blocked, ready set: %d", d.ReadyLen())
	}
	if d.CanProgress() {
		t.Fatalf("expected can_progress to be false once visiting drains")
	}
}

func TestRequeueAfterError(t *testing.T) {
	d := New[int]()
	if err := d.AddVertices(0, 1, 2); err != nil {
		t.Fatalf("add vertices: %v", err)
	}
	if err := d.AddEdge(0, 1); err != nil {
		t.Fatalf("add edge 0->1: %v", err)
	}
	if err := d.AddEdge(1, 2); err != nil {
		t.Fatalf("add edge 1->2: %v", err)
	}

	id, _ := d.VisitNext()
	_ = d.CompleteVisit(id, false) // complete 0
	id, _ = d.VisitNext()
	_ = d.CompleteVisit(id, true) // error 1

	if err := d.SetVertexState(1, Queued); err != nil {
		t.Fatalf("requeue 1: %v", err)
	}
	if d.ReadyLen() != 1 {
		t.Fatalf("expected 1 to be ready again, ready=%d", d.ReadyLen())
	}

	id, ok := d.VisitNext()
	if !ok || id != 1 {
		t.Fatalf("expected to revisit 1, got %v ok=%v", id, ok)
	}
	if err := d.CompleteVisit(1, false); err != nil {
		t.Fatalf("complete 1: %v", err)
	}
	if d.ReadyLen() != 1 {
		t.Fatalf("expected 2 to become ready, ready=%d", d.ReadyLen())
	}
	id, ok = d.VisitNext()
	if !ok || id != 2 {
		t.Fatalf("expected 2 ready, got %v ok=%v", id, ok)
	}
}

func TestEdgeFromCompletedSourceDoesNotBlockDestination(t *testing.T) {
	d := New[int]()
	if err := d.AddVertex(0); err != nil {
		t.Fatalf("add vertex 0: %v", err)
	}
	id, _ := d.VisitNext()
	_ = d.CompleteVisit(id, false) // complete 0, the only ready vertex
	if err := d.AddVertex(1); err != nil {
		t.Fatalf("add vertex 1: %v", err)
	}

	if err := d.AddEdge(0, 1); err != nil {
		t.Fatalf("add edge from completed source: %v", err)
	}
	v, ok := d.GetVertex(1)
	if !ok {
		t.Fatalf("vertex 1 missing")
	}
	if v.ParentsOutstanding != 0 {
		t.Fatalf("expected no outstanding parents, got %d", v.ParentsOutstanding)
	}
	if d.ReadyLen() != 1 {
		t.Fatalf("expected vertex 1 to remain ready, ready=%d", d.ReadyLen())
	}
}

func TestUnknownKeyErrors(t *testing.T) {
	d := New[int]()
	if err := d.AddVertex(0); err != nil {
		t.Fatalf("add vertex: %v", err)
	}
	if err := d.AddEdge(0, 99); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := d.HasPath(0, 99); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if err := d.CompleteVisit(99, false); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestCompleteVisitNotVisiting(t *testing.T) {
	d := New[int]()
	if err := d.AddVertex(0); err != nil {
		t.Fatalf("add vertex: %v", err)
	}
	if err := d.CompleteVisit(0, false); !errors.Is(err, ErrNotVisiting) {
		t.Fatalf("expected ErrNotVisiting, got %v", err)
	}
}

func TestCompleteVisitAlreadyCompletedIsNoop(t *testing.T) {
	d := New[int]()
	if err := d.AddVertex(0); err != nil {
		t.Fatalf("add vertex: %v", err)
	}
	id, _ := d.VisitNext()
	if err := d.CompleteVisit(id, false); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := d.CompleteVisit(0, false); err != nil {
		t.Fatalf("expected completing a Completed vertex to be a no-op, got %v", err)
	}
	if err := d.SetVertexState(0, Completed); err != nil {
		t.Fatalf("expected idempotent no-op, got %v", err)
	}
}

func TestBadTransition(t *testing.T) {
	d := New[int]()
	if err := d.AddVertex(0); err != nil {
		t.Fatalf("add vertex: %v", err)
	}
	// Queued -> Running is not a transition SetVertexState supports directly.
	if err := d.SetVertexState(0, Running); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

// TestReadySetSoundness re-derives the ready and visiting sets from vertex
// snapshots after every mutation: ready size must equal the count of Queued
// vertices with zero outstanding parents, visiting size the count of
// Running vertices -- which also makes the two sets disjoint, since no
// vertex is Queued and Running at once.
func TestReadySetSoundness(t *testing.T) {
	d := buildTenVertexGraph(t)
	d.Reset()

	check := func() {
		t.Helper()
		ready, visiting := 0, 0
		for key := 0; key < 10; key++ {
			v, ok := d.GetVertex(key)
			if !ok {
				t.Fatalf("vertex %d missing", key)
			}
			if v.ParentsOutstanding < 0 {
				t.Fatalf("vertex %d outstanding count underflowed: %d", key, v.ParentsOutstanding)
			}
			if v.State == Queued && v.ParentsOutstanding == 0 {
				ready++
			}
			if v.State == Running {
				visiting++
			}
		}
		if ready != d.ReadyLen() {
			t.Fatalf("ready set size %d does not match derived %d", d.ReadyLen(), ready)
		}
		if visiting != d.VisitingLen() {
			t.Fatalf("visiting set size %d does not match derived %d", d.VisitingLen(), visiting)
		}
	}

	check()
	for {
		id, ok := d.VisitNext()
		if !ok {
			break
		}
		check()
		if err := d.CompleteVisit(id, false); err != nil {
			t.Fatalf("complete visit: %v", err)
		}
		check()
	}
	if !d.IsComplete() {
		t.Fatal("expected dag to be complete")
	}
}

func TestKilledVertexCanBeRequeued(t *testing.T) {
	d := New[int]()
	if err := d.AddVertex(0); err != nil {
		t.Fatalf("add vertex: %v", err)
	}
	id, _ := d.VisitNext()
	if err := d.SetVertexState(id, Killed); err != nil {
		t.Fatalf("kill: %v", err)
	}
	v, _ := d.GetVertex(0)
	if v.State != Killed {
		t.Fatalf("expected Killed, got %v", v.State)
	}
	if err := d.SetVertexState(0, Queued); err != nil {
		t.Fatalf("requeue killed: %v", err)
	}
	if d.ReadyLen() != 1 {
		t.Fatalf("expected killed vertex back in ready set")
	}
}
