package ivm

import "github.com/google/uuid"

// ViewSchema mirrors the shape of SourceSchema's primary key and sort that
// the tree of operators behind a plan produces, plus per-relationship
// cardinality (spec.md §4.7: "Relationships declared singular must hold at
// most one row"). It is supplied by the caller (the builder already knows
// this shape from the Plan it walked) rather than derived from an operator's
// GetSchema, since GetSchema carries relationship names but not cardinality.
type ViewSchema struct {
	PrimaryKey    []string
	Sort          []SortKey
	Relationships map[string]RelationshipViewSchema
}

// RelationshipViewSchema describes one named relationship: whether it is a
// hasOne (Singular) or hasMany slot, and the nested schema for its rows.
type RelationshipViewSchema struct {
	Singular bool
	Schema   ViewSchema
}

// viewEntry is one materialized row: columns plus a hidden refcount and
// identity tag (spec.md §4.7), plus one entrySet per declared relationship.
type viewEntry struct {
	row      Row
	refcount int
	id       string
	children map[string]*entrySet
}

// entrySet holds either a plural (ordered) or singular (at most one) set of
// materialized entries for one relationship slot, or the top-level root set.
// Singular is only consulted at Add time; the rest of the bookkeeping is
// identical between the two shapes, so both are unified into one type.
type entrySet struct {
	schema   ViewSchema
	singular bool
	order    []string
	byKey    map[string]*viewEntry
}

func newEntrySet(schema ViewSchema, singular bool) *entrySet {
	return &entrySet{schema: schema, singular: singular, byKey: make(map[string]*viewEntry)}
}

// View materializes the change stream flowing out of a root operator into a
// hierarchical entry tree (spec.md §4.7). It is a terminal sink: nothing sits
// above it, so its own output is never set.
type View struct {
	baseOperator
	input Input
	root  *entrySet
}

// NewView hydrates the view from input's full current contents, then
// registers itself as input's output to stay incrementally maintained.
// schema describes the cardinality of every relationship reachable from the
// root, recursively.
func NewView(input Input, schema ViewSchema) (*View, error) {
	v := &View{baseOperator: newBaseOperator(), input: input, root: newEntrySet(schema, false)}
	s, err := input.Fetch(FetchRequest{})
	if err != nil {
		return nil, err
	}
	if err := hydrate(v.root, s); err != nil {
		return nil, err
	}
	input.SetOutput(v)
	return v, nil
}

func (v *View) GetSchema() SourceSchema { return v.input.GetSchema() }

func (v *View) Destroy() { v.destroyOnce(func() { v.input.Destroy() }) }

func (v *View) Fetch(req FetchRequest) (Stream[Node], error) { return v.input.Fetch(req) }

func (v *View) Push(change Change) (Stream[struct{}], error) {
	if err := v.root.apply(change); err != nil {
		return nil, err
	}
	return EmptyStream[struct{}](), nil
}

// Entries exposes the root set's materialized rows in maintained order, for
// a consumer to read the current view (spec.md §4.7's tree is otherwise
// opaque to the engine itself -- rendering/serialization is external).
func (v *View) Entries() []Row {
	out := make([]Row, 0, len(v.root.order))
	for _, key := range v.root.order {
		out = append(out, v.root.byKey[key].row)
	}
	return out
}

// hydrate drains s and inserts every node (and, recursively, every declared
// relationship's nodes) as if each had arrived via an initial add.
func hydrate(set *entrySet, s Stream[Node]) error {
	nodes, err := Consume(SkipYields(s))
	if err != nil {
		return err
	}
	for _, n := range nodes {
		entry, err := set.insertNew(n.Row)
		if err != nil {
			return err
		}
		if err := hydrateRelationships(entry, set.schema, n); err != nil {
			return err
		}
	}
	return nil
}

func hydrateRelationships(entry *viewEntry, schema ViewSchema, n Node) error {
	for name, rel := range schema.Relationships {
		thunk := n.Relationship(name)
		if thunk == nil {
			continue
		}
		childSet := newEntrySet(rel.Schema, rel.Singular)
		entry.children[name] = childSet
		if err := hydrate(childSet, thunk()); err != nil {
			return err
		}
	}
	return nil
}

// insertNew creates and inserts a brand-new entry for row at refcount 1,
// positioned per set.schema.Sort. Used by hydrate, and by applyAdd for a row
// whose primary key is not already present in set.
func (set *entrySet) insertNew(row Row) (*viewEntry, error) {
	entry := &viewEntry{row: row, refcount: 1, id: uuid.NewString(), children: make(map[string]*entrySet)}
	key := pkKey(row, set.schema.PrimaryKey)
	if set.singular && len(set.order) > 0 {
		return nil, newProgrammerError("View: singular relationship slot already occupied", nil)
	}
	set.byKey[key] = entry
	set.insertKeyInOrder(key, row)
	return entry, nil
}

func (set *entrySet) insertKeyInOrder(key string, row Row) {
	cmp := compareRowsBy(set.schema.Sort)
	idx := 0
	for idx < len(set.order) {
		other := set.byKey[set.order[idx]]
		if cmp(row, other.row) < 0 {
			break
		}
		idx++
	}
	set.order = append(set.order, "")
	copy(set.order[idx+1:], set.order[idx:])
	set.order[idx] = key
}

func (set *entrySet) removeKey(key string) {
	for i, k := range set.order {
		if k == key {
			set.order = append(set.order[:i], set.order[i+1:]...)
			break
		}
	}
	delete(set.byKey, key)
}

// apply implements spec.md §4.7's add/remove/edit/child rules against set.
func (set *entrySet) apply(change Change) error {
	switch change.Kind {
	case ChangeAdd:
		return set.applyAdd(change.Node)
	case ChangeRemove:
		return set.applyRemove(change.Node)
	case ChangeEdit:
		return set.applyEdit(*change.OldNode, change.Node)
	case ChangeChild:
		return set.applyChild(change.Node, *change.Child)
	}
	return nil
}

func (set *entrySet) applyAdd(node Node) error {
	key := pkKey(node.Row, set.schema.PrimaryKey)
	if entry, ok := set.byKey[key]; ok {
		entry.refcount++
		return nil
	}
	entry, err := set.insertNew(node.Row)
	if err != nil {
		return err
	}
	return hydrateRelationships(entry, set.schema, node)
}

func (set *entrySet) applyRemove(node Node) error {
	key := pkKey(node.Row, set.schema.PrimaryKey)
	entry, ok := set.byKey[key]
	if !ok {
		return newProgrammerError("View: remove of a row not present in the view", nil)
	}
	entry.refcount--
	if entry.refcount > 0 {
		return nil
	}
	set.removeKey(key)
	return cascadeDecrement(entry)
}

// cascadeDecrement decrements every descendant entry by one (spec.md §4.7:
// "its children cascade-decremented"), fully removing any that themselves
// reach zero.
func cascadeDecrement(entry *viewEntry) error {
	for _, childSet := range entry.children {
		for _, key := range append([]string(nil), childSet.order...) {
			child := childSet.byKey[key]
			child.refcount--
			if child.refcount > 0 {
				continue
			}
			childSet.removeKey(key)
			if err := cascadeDecrement(child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (set *entrySet) applyEdit(oldNode, newNode Node) error {
	oldKey := pkKey(oldNode.Row, set.schema.PrimaryKey)
	entry, ok := set.byKey[oldKey]
	if !ok {
		return newProgrammerError("View: edit of a row not present in the view", nil)
	}
	newKey := pkKey(newNode.Row, set.schema.PrimaryKey)
	entry.row = newNode.Row
	if newKey == oldKey {
		// Mutable columns updated in place; reposition if the sort-relevant
		// columns moved it within the ordering.
		set.removeKey(oldKey)
		set.byKey[newKey] = entry
		set.insertKeyInOrder(newKey, newNode.Row)
		return nil
	}
	// Primary key changed: the entry moves, carrying its refcount and
	// children with it (spec.md §4.7 "the entry is moved (refcount
	// transferred)").
	set.removeKey(oldKey)
	set.byKey[newKey] = entry
	set.insertKeyInOrder(newKey, newNode.Row)
	return nil
}

func (set *entrySet) applyChild(parentNode Node, cc ChildChange) error {
	key := pkKey(parentNode.Row, set.schema.PrimaryKey)
	entry, ok := set.byKey[key]
	if !ok {
		return newProgrammerError("View: child change for a row not present in the view", nil)
	}
	childSet, ok := entry.children[cc.RelationshipName]
	if !ok {
		rel, ok := set.schema.Relationships[cc.RelationshipName]
		if !ok {
			return newProgrammerError("View: child change for an undeclared relationship", nil)
		}
		childSet = newEntrySet(rel.Schema, rel.Singular)
		entry.children[cc.RelationshipName] = childSet
	}
	return childSet.apply(cc.Change)
}
