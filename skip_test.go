package ivm

import "testing"

func TestSkipFetchExclusive(t *testing.T) {
	src, in := newOpenSource(t)
	for i := 1; i <= 3; i++ {
		mustPushTest(t, src, NewAdd(Node{Row: Row{"id": i}}))
	}
	s := NewSkip(in, Row{"id": 1}, false)
	nodes, err := Consume(mustFetchTest(t, s, FetchRequest{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 2 || nodes[0].Row["id"] != 2 {
		t.Errorf("expected rows after id=1, got %v", nodes)
	}
}

func TestSkipFetchInclusive(t *testing.T) {
	src, in := newOpenSource(t)
	for i := 1; i <= 3; i++ {
		mustPushTest(t, src, NewAdd(Node{Row: Row{"id": i}}))
	}
	s := NewSkip(in, Row{"id": 2}, true)
	nodes, err := Consume(mustFetchTest(t, s, FetchRequest{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 2 || nodes[0].Row["id"] != 2 {
		t.Errorf("expected rows from id=2 onward inclusive, got %v", nodes)
	}
}

func TestSkipNilRefRowPassesThrough(t *testing.T) {
	src, in := newOpenSource(t)
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 1}}))
	s := NewSkip(in, nil, false)
	nodes, err := Consume(mustFetchTest(t, s, FetchRequest{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("expected all rows with a nil refRow, got %v", nodes)
	}
}

func TestSkipPushForwardsQualifyingAdd(t *testing.T) {
	_, in := newOpenSource(t)
	s := NewSkip(in, Row{"id": 1}, false)
	out := &recordingInput{baseOperator: newBaseOperator()}
	s.SetOutput(out)

	if _, err := s.Push(NewAdd(Node{Row: Row{"id": 2}})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.pushes) != 1 {
		t.Errorf("expected the qualifying add forwarded, got %d", len(out.pushes))
	}
}

func TestSkipPushSuppressesNonQualifyingAdd(t *testing.T) {
	_, in := newOpenSource(t)
	s := NewSkip(in, Row{"id": 5}, false)
	out := &recordingInput{baseOperator: newBaseOperator()}
	s.SetOutput(out)

	if _, err := s.Push(NewAdd(Node{Row: Row{"id": 1}})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.pushes) != 0 {
		t.Errorf("expected the non-qualifying add suppressed, got %d", len(out.pushes))
	}
}

func mustFetchTest(t *testing.T, in Input, req FetchRequest) Stream[Node] {
	t.Helper()
	s, err := in.Fetch(req)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	return s
}
