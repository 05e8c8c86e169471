package ivm

import "testing"

func newOpenSource(t *testing.T) (*Source, Input) {
	t.Helper()
	src := NewSource(testSourceSchema())
	in, err := src.Connect([]SortKey{{Column: "id"}}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return src, in
}

func TestFilterFetch(t *testing.T) {
	src, in := newOpenSource(t)
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 1, "status": "open"}}))
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 2, "status": "closed"}}))

	f := NewFilter(in, func(r Row) bool { return r["status"] == "open" })
	s, err := f.Fetch(FetchRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	nodes, err := Consume(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Row["id"] != 1 {
		t.Errorf("expected only the open row, got %v", nodes)
	}
}

func TestFilterPushAddSuppressed(t *testing.T) {
	_, in := newOpenSource(t)
	f := NewFilter(in, func(r Row) bool { return r["status"] == "open" })
	out := &recordingInput{baseOperator: newBaseOperator()}
	f.SetOutput(out)

	if _, err := f.Push(NewAdd(Node{Row: Row{"id": 1, "status": "closed"}})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.pushes) != 0 {
		t.Errorf("expected the non-matching add to be suppressed, got %d pushes", len(out.pushes))
	}
}

func TestFilterPushEditSplitsToAdd(t *testing.T) {
	_, in := newOpenSource(t)
	f := NewFilter(in, func(r Row) bool { return r["status"] == "open" })
	out := &recordingInput{baseOperator: newBaseOperator()}
	f.SetOutput(out)

	oldNode := Node{Row: Row{"id": 1, "status": "closed"}}
	newNode := Node{Row: Row{"id": 1, "status": "open"}}
	if _, err := f.Push(NewEdit(oldNode, newNode)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.pushes) != 1 || out.pushes[0].Kind != ChangeAdd {
		t.Errorf("expected a single add forwarded, got %+v", out.pushes)
	}
}

func TestFilterPushEditSplitsToRemove(t *testing.T) {
	_, in := newOpenSource(t)
	f := NewFilter(in, func(r Row) bool { return r["status"] == "open" })
	out := &recordingInput{baseOperator: newBaseOperator()}
	f.SetOutput(out)

	oldNode := Node{Row: Row{"id": 1, "status": "open"}}
	newNode := Node{Row: Row{"id": 1, "status": "closed"}}
	if _, err := f.Push(NewEdit(oldNode, newNode)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.pushes) != 1 || out.pushes[0].Kind != ChangeRemove {
		t.Errorf("expected a single remove forwarded, got %+v", out.pushes)
	}
}

func TestFilterPushEditBothQualifyForwardsEdit(t *testing.T) {
	_, in := newOpenSource(t)
	f := NewFilter(in, func(r Row) bool { return r["status"] == "open" })
	out := &recordingInput{baseOperator: newBaseOperator()}
	f.SetOutput(out)

	oldNode := Node{Row: Row{"id": 1, "status": "open", "total": 1}}
	newNode := Node{Row: Row{"id": 1, "status": "open", "total": 2}}
	if _, err := f.Push(NewEdit(oldNode, newNode)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.pushes) != 1 || out.pushes[0].Kind != ChangeEdit {
		t.Errorf("expected a single edit forwarded, got %+v", out.pushes)
	}
}

func TestOrFilterableShortCircuits(t *testing.T) {
	alwaysTrue := trivialFilterable{}
	callCount := 0
	counting := countingFilterable{fn: func(Node) (bool, error) { callCount++; return false, nil }}

	or := Or(alwaysTrue, counting)
	keep, err := or.FilterNode(Node{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !keep {
		t.Error("expected Or to return true when the first branch matches")
	}
	if callCount != 0 {
		t.Errorf("expected Or to short-circuit before evaluating later branches, called %d times", callCount)
	}
}

type countingFilterable struct {
	fn func(Node) (bool, error)
}

func (countingFilterable) BeginFilter() {}
func (countingFilterable) EndFilter()   {}
func (c countingFilterable) FilterNode(n Node) (bool, error) { return c.fn(n) }
