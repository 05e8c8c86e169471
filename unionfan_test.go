package ivm

import "testing"

func newUnionFanFixture(t *testing.T) (branch1, branch2 *Source, fanOut *UnionFanOut, fanIn *UnionFanIn) {
	t.Helper()
	schema := customerSchema()
	branch1 = NewSource(schema)
	branch2 = NewSource(schema)
	in1, err := branch1.Connect([]SortKey{{Column: "id"}}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in2, err := branch2.Connect([]SortKey{{Column: "id"}}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fanOut, fanIn = NewUnionFanOutFanIn(schema, newRecordingInput(schema))
	fanOut.AddBranch(in1)
	fanOut.AddBranch(in2)
	return
}

func TestUnionFanInFetchDedupsByPrimaryKey(t *testing.T) {
	branch1, branch2, _, fanIn := newUnionFanFixture(t)
	mustPushTest(t, branch1, NewAdd(Node{Row: Row{"id": 1}}))
	mustPushTest(t, branch2, NewAdd(Node{Row: Row{"id": 1}}))
	mustPushTest(t, branch1, NewAdd(Node{Row: Row{"id": 2}}))

	nodes, err := Consume(mustFetchTest(t, fanIn, FetchRequest{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nodes) != 2 {
		t.Errorf("expected the duplicate row 1 deduplicated, got %v", nodes)
	}
}

func TestUnionFanInPushFirstBranchForwards(t *testing.T) {
	branch1, _, _, fanIn := newUnionFanFixture(t)
	out := &recordingInput{baseOperator: newBaseOperator()}
	fanIn.SetOutput(out)

	mustPushTest(t, branch1, NewAdd(Node{Row: Row{"id": 1}}))

	if len(out.pushes) != 1 {
		t.Errorf("expected the first branch's add forwarded, got %d", len(out.pushes))
	}
}

func TestUnionFanInPushDuplicateFromOtherBranchIsSuppressed(t *testing.T) {
	branch1, branch2, _, fanIn := newUnionFanFixture(t)
	out := &recordingInput{baseOperator: newBaseOperator()}
	fanIn.SetOutput(out)

	mustPushTest(t, branch1, NewAdd(Node{Row: Row{"id": 1}}))
	mustPushTest(t, branch2, NewAdd(Node{Row: Row{"id": 1}}))

	if len(out.pushes) != 1 {
		t.Errorf("expected the second branch's duplicate add suppressed, got %d pushes", len(out.pushes))
	}
}

func TestUnionFanOutPushFansOutToEveryBranch(t *testing.T) {
	_, _, fanOut, _ := newUnionFanFixture(t)
	// Pushing directly on the fan-out (rather than through one branch's own
	// source) exercises UnionFanOut.Push's broadcast to every branch.
	if _, err := fanOut.Push(NewAdd(Node{Row: Row{"id": 5}})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
