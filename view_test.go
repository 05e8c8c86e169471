package ivm

import "testing"

func TestNewViewHydratesExistingRows(t *testing.T) {
	src, in := newOpenSource(t)
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 2}}))
	mustPushTest(t, src, NewAdd(Node{Row: Row{"id": 1}}))

	v, err := NewView(in, ViewSchema{PrimaryKey: []string{"id"}, Sort: []SortKey{{Column: "id"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := v.Entries()
	if len(entries) != 2 || entries[0]["id"] != 1 || entries[1]["id"] != 2 {
		t.Errorf("expected rows hydrated in sort order, got %v", entries)
	}
}

func TestViewPushAddInsertsNewEntry(t *testing.T) {
	_, in := newOpenSource(t)
	v, err := NewView(in, ViewSchema{PrimaryKey: []string{"id"}, Sort: []SortKey{{Column: "id"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Push(NewAdd(Node{Row: Row{"id": 1}})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := v.Entries()
	if len(entries) != 1 || entries[0]["id"] != 1 {
		t.Errorf("expected the pushed row present, got %v", entries)
	}
}

func TestViewPushRemoveOfAbsentRowErrors(t *testing.T) {
	_, in := newOpenSource(t)
	v, err := NewView(in, ViewSchema{PrimaryKey: []string{"id"}, Sort: []SortKey{{Column: "id"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Push(NewRemove(Node{Row: Row{"id": 1}})); err == nil {
		t.Error("expected an error removing a row not present in the view")
	}
}

func TestViewPushEditWithPrimaryKeyChangeMovesEntry(t *testing.T) {
	_, in := newOpenSource(t)
	v, err := NewView(in, ViewSchema{PrimaryKey: []string{"id"}, Sort: []SortKey{{Column: "id"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Push(NewAdd(Node{Row: Row{"id": 1}})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oldNode := Node{Row: Row{"id": 1}}
	newNode := Node{Row: Row{"id": 5}}
	if _, err := v.Push(NewEdit(oldNode, newNode)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := v.Entries()
	if len(entries) != 1 || entries[0]["id"] != 5 {
		t.Errorf("expected the entry moved to its new primary key, got %v", entries)
	}
}

func TestViewPushChildInsertsIntoDeclaredRelationship(t *testing.T) {
	_, in := newOpenSource(t)
	schema := ViewSchema{
		PrimaryKey: []string{"id"},
		Sort:       []SortKey{{Column: "id"}},
		Relationships: map[string]RelationshipViewSchema{
			"orders": {Schema: ViewSchema{PrimaryKey: []string{"id"}, Sort: []SortKey{{Column: "id"}}}},
		},
	}
	v, err := NewView(in, schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parent := Node{Row: Row{"id": 1}}
	if _, err := v.Push(NewAdd(parent)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	childAdd := NewAdd(Node{Row: Row{"id": 10}})
	if _, err := v.Push(NewChild(parent, "orders", childAdd)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v.root.byKey[pkKey(Row{"id": 1}, []string{"id"})].children["orders"].order) != 1 {
		t.Error("expected the child row inserted under the orders relationship")
	}
}

func TestViewPushRemoveCascadesToChildren(t *testing.T) {
	_, in := newOpenSource(t)
	schema := ViewSchema{
		PrimaryKey: []string{"id"},
		Sort:       []SortKey{{Column: "id"}},
		Relationships: map[string]RelationshipViewSchema{
			"orders": {Schema: ViewSchema{PrimaryKey: []string{"id"}, Sort: []SortKey{{Column: "id"}}}},
		},
	}
	v, err := NewView(in, schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parent := Node{Row: Row{"id": 1}}
	if _, err := v.Push(NewAdd(parent)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Push(NewChild(parent, "orders", NewAdd(Node{Row: Row{"id": 10}}))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Push(NewRemove(parent)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v.Entries()) != 0 {
		t.Error("expected the parent removed from the view")
	}
}

func TestViewPushChildForUndeclaredRelationshipErrors(t *testing.T) {
	_, in := newOpenSource(t)
	v, err := NewView(in, ViewSchema{PrimaryKey: []string{"id"}, Sort: []SortKey{{Column: "id"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parent := Node{Row: Row{"id": 1}}
	if _, err := v.Push(NewAdd(parent)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.Push(NewChild(parent, "nope", NewAdd(Node{Row: Row{"id": 10}}))); err == nil {
		t.Error("expected an error for a child change against an undeclared relationship")
	}
}
