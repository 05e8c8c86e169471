package ivm

import "testing"

func nodeWithChildren(id int, children ...Node) Node {
	return Node{Row: Row{"id": id}}.WithRelationship("orders", func() Stream[Node] {
		return SliceStream(children)
	})
}

func TestExistsFetchFiltersEmptyRelationship(t *testing.T) {
	src, in := newOpenSource(t)
	mustPushTest(t, src, NewAdd(nodeWithChildren(1, Node{Row: Row{"id": 10}})))
	mustPushTest(t, src, NewAdd(nodeWithChildren(2)))

	e := NewExists(in, "orders", []string{"id"}, []string{"id"}, false)
	nodes, err := Consume(mustFetchTest(t, e, FetchRequest{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Row["id"] != 1 {
		t.Errorf("expected only the customer with a non-empty relationship, got %v", nodes)
	}
}

func TestExistsNegateFetchKeepsOnlyEmpty(t *testing.T) {
	src, in := newOpenSource(t)
	mustPushTest(t, src, NewAdd(nodeWithChildren(1, Node{Row: Row{"id": 10}})))
	mustPushTest(t, src, NewAdd(nodeWithChildren(2)))

	e := NewExists(in, "orders", []string{"id"}, []string{"id"}, true)
	nodes, err := Consume(mustFetchTest(t, e, FetchRequest{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Row["id"] != 2 {
		t.Errorf("expected only the customer with an empty relationship, got %v", nodes)
	}
}

func TestExistsPushChildAddFlipsToTopLevelAdd(t *testing.T) {
	_, in := newOpenSource(t)
	e := NewExists(in, "orders", []string{"id"}, []string{"id"}, false)
	out := &recordingInput{baseOperator: newBaseOperator()}
	e.SetOutput(out)

	parent := nodeWithChildren(1, Node{Row: Row{"id": 10}})
	inner := NewAdd(Node{Row: Row{"id": 10}})
	if _, err := e.Push(NewChild(parent, "orders", inner)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.pushes) != 1 || out.pushes[0].Kind != ChangeAdd {
		t.Errorf("expected the child add flipped into a top-level add, got %+v", out.pushes)
	}
}

func TestExistsPushChildRemoveToEmptyFlipsToTopLevelRemove(t *testing.T) {
	_, in := newOpenSource(t)
	e := NewExists(in, "orders", []string{"id"}, []string{"id"}, false)
	out := &recordingInput{baseOperator: newBaseOperator()}
	e.SetOutput(out)

	parent := nodeWithChildren(1)
	inner := NewRemove(Node{Row: Row{"id": 10}})
	if _, err := e.Push(NewChild(parent, "orders", inner)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.pushes) != 1 || out.pushes[0].Kind != ChangeRemove {
		t.Errorf("expected the child remove-to-empty flipped into a top-level remove, got %+v", out.pushes)
	}
}

func TestExistsPushUnrelatedChildPassesThroughWhenQualifying(t *testing.T) {
	_, in := newOpenSource(t)
	e := NewExists(in, "orders", []string{"id"}, []string{"id"}, false)
	out := &recordingInput{baseOperator: newBaseOperator()}
	e.SetOutput(out)

	parent := nodeWithChildren(1, Node{Row: Row{"id": 10}})
	inner := NewAdd(Node{Row: Row{"id": 1}})
	if _, err := e.Push(NewChild(parent, "other", inner)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.pushes) != 1 || out.pushes[0].Kind != ChangeChild {
		t.Errorf("expected the unrelated child change forwarded as-is, got %+v", out.pushes)
	}
}

func TestExistsPushReentrancyPanics(t *testing.T) {
	_, in := newOpenSource(t)
	e := NewExists(in, "orders", []string{"id"}, []string{"id"}, false)
	e.pushing = true
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected a panic on re-entrant push")
		}
	}()
	_, _ = e.Push(NewAdd(nodeWithChildren(1)))
}
