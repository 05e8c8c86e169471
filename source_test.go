package ivm

import "testing"

func testSourceSchema() SourceSchema {
	return SourceSchema{
		TableName:  "orders",
		PrimaryKey: []string{"id"},
		Sort:       []SortKey{{Column: "id"}},
	}
}

func TestSourceConnectRejectsOrderingMissingPK(t *testing.T) {
	src := NewSource(testSourceSchema())
	_, err := src.Connect([]SortKey{{Column: "status"}}, nil, nil)
	if err == nil {
		t.Fatal("expected a PlannerError for an ordering missing the primary key")
	}
	if _, ok := err.(*PlannerError); !ok {
		t.Errorf("expected *PlannerError, got %T", err)
	}
}

func TestSourcePushBeforeConnectJustMutates(t *testing.T) {
	src := NewSource(testSourceSchema())
	if _, err := src.Push(NewAdd(Node{Row: Row{"id": 1}})); err != nil {
		t.Fatalf("unexpected error pushing to an unconnected source: %v", err)
	}
}

func TestSourceConnectAndFetch(t *testing.T) {
	src := NewSource(testSourceSchema())
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 2, "status": "open"}}))
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 1, "status": "closed"}}))

	in, err := src.Connect([]SortKey{{Column: "id"}}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, err := in.Fetch(FetchRequest{})
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	nodes, err := Consume(s)
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(nodes))
	}
	if nodes[0].Row["id"] != 1 || nodes[1].Row["id"] != 2 {
		t.Errorf("expected rows sorted by id, got %v then %v", nodes[0].Row, nodes[1].Row)
	}
}

func TestSourceConnectWithFilterPushesDown(t *testing.T) {
	src := NewSource(testSourceSchema())
	in, err := src.Connect([]SortKey{{Column: "id"}}, func(r Row) bool { return r["status"] == "open" }, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 1, "status": "open"}}))
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 2, "status": "closed"}}))

	s, err := in.Fetch(FetchRequest{})
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	nodes, err := Consume(s)
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Row["id"] != 1 {
		t.Errorf("expected only the open row, got %v", nodes)
	}
}

func TestSourcePushAddCollisionIsError(t *testing.T) {
	src := NewSource(testSourceSchema())
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 1}}))
	if _, err := src.Push(NewAdd(Node{Row: Row{"id": 1}})); err == nil {
		t.Error("expected an error adding a row whose primary key already exists")
	}
}

func TestSourcePushRemoveMissingIsError(t *testing.T) {
	src := NewSource(testSourceSchema())
	if _, err := src.Push(NewRemove(Node{Row: Row{"id": 1}})); err == nil {
		t.Error("expected an error removing a row that was never added")
	}
}

func TestSourcePushEditRequiresMatchingOldRow(t *testing.T) {
	src := NewSource(testSourceSchema())
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 1, "status": "open"}}))

	wrongOld := Node{Row: Row{"id": 1, "status": "closed"}}
	if _, err := src.Push(NewEdit(wrongOld, Node{Row: Row{"id": 1, "status": "done"}})); err == nil {
		t.Error("expected an error when the edit's oldRow does not match stored state")
	}
}

func TestSourceFetchAppliesConstraint(t *testing.T) {
	src := NewSource(testSourceSchema())
	in, err := src.Connect([]SortKey{{Column: "id"}}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 1, "customer_id": "c1"}}))
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 2, "customer_id": "c2"}}))

	s, err := in.Fetch(FetchRequest{Constraint: map[string]Value{"customer_id": "c2"}})
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	nodes, err := Consume(s)
	if err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Row["id"] != 2 {
		t.Errorf("expected only the constrained row, got %v", nodes)
	}
}

func mustPushTest(t *testing.T, src *Source, change Change) {
	t.Helper()
	if _, err := src.Push(change); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
}
