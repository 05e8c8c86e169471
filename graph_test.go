package ivm

import "testing"

func TestOperatorGraphAddEdgeDedups(t *testing.T) {
	g := NewOperatorGraph()
	a := newRecordingInput(SourceSchema{})
	b := newRecordingInput(SourceSchema{})

	g.AddEdge(a, b)
	g.AddEdge(a, b)

	edges := g.ExportEdges()
	if len(edges[a]) != 1 {
		t.Errorf("expected AddEdge to dedup repeated edges, got %d", len(edges[a]))
	}
}

func TestOperatorGraphReachable(t *testing.T) {
	g := NewOperatorGraph()
	a := newRecordingInput(SourceSchema{})
	b := newRecordingInput(SourceSchema{})
	c := newRecordingInput(SourceSchema{})
	g.AddEdge(a, b)
	g.AddEdge(b, c)

	reachable := g.Reachable(a)
	if len(reachable) != 2 {
		t.Fatalf("expected 2 reachable operators, got %d", len(reachable))
	}
	seen := map[Input]bool{}
	for _, r := range reachable {
		seen[r] = true
	}
	if !seen[b] || !seen[c] {
		t.Errorf("expected b and c reachable from a")
	}
	if seen[a] {
		t.Errorf("start node should not be included in its own reachable set")
	}
}
