package ivm

// Join is the parent-driven, hierarchical-left join (spec.md §4.4). It emits
// the parent's own row, adding a relationshipName thunk lazily computed from
// parentKey -> childKey. Both parentInput and childInput register small sink
// adapters as their output, since Join needs to tell which side a push came
// from without the Change value itself carrying that information.
type Join struct {
	baseOperator
	parentInput      Input
	childInput       Input
	relationshipName string
	parentKey        []string
	childKey         []string

	overlay *childOverlay
	bufPool *NodeBufferPool
}

// NewJoin wires parentInput and childInput under a Join producing
// relationshipName. The builder is responsible for ensuring childInput is
// already the head of whatever filter/Take sub-pipeline the relationship
// requires (spec.md §4.6.4c/f).
func NewJoin(parentInput, childInput Input, relationshipName string, parentKey, childKey []string) *Join {
	j := &Join{
		baseOperator:     newBaseOperator(),
		parentInput:      parentInput,
		childInput:       childInput,
		relationshipName: relationshipName,
		parentKey:        parentKey,
		childKey:         childKey,
		bufPool:          NewNodeBufferPool(4),
	}
	parentInput.SetOutput(&joinParentSink{baseOperator: newBaseOperator(), join: j})
	childInput.SetOutput(&joinChildSink{baseOperator: newBaseOperator(), join: j})
	return j
}

func (j *Join) GetSchema() SourceSchema { return j.parentInput.GetSchema() }

func (j *Join) Destroy() {
	j.destroyOnce(func() {
		j.parentInput.Destroy()
		j.childInput.Destroy()
	})
}

// Push should never be called on Join directly: parentInput and childInput
// deliver through their respective sink adapters.
func (j *Join) Push(Change) (Stream[struct{}], error) {
	panic(newProgrammerError("Join: Push called directly; route through the parent or child sink", nil))
}

// childConstraint derives the fetch constraint for parentRow's children from
// parentKey -> childKey.
func (j *Join) childConstraint(parentRow Row) map[string]Value {
	c := make(map[string]Value, len(j.parentKey))
	for i, pk := range j.parentKey {
		c[j.childKey[i]] = parentRow[pk]
	}
	return c
}

func (j *Join) relationshipThunk(parentRow Row) RelationshipThunk {
	real := RelationshipThunk(func() Stream[Node] {
		s, err := j.childInput.Fetch(FetchRequest{Constraint: j.childConstraint(parentRow)})
		if err != nil {
			return errorStream[Node](err)
		}
		return s
	})
	return wrapRelationshipThunk(real, parentRow, j.overlay, j.childInput.GetSchema().Sort)
}

func (j *Join) attach(n Node) Node {
	return n.WithRelationship(j.relationshipName, j.relationshipThunk(n.Row))
}

func (j *Join) Fetch(req FetchRequest) (Stream[Node], error) {
	s, err := j.parentInput.Fetch(req)
	if err != nil {
		return nil, err
	}
	return MapStream(s, func(n Node) (Node, error) { return j.attach(n), nil }), nil
}

func (j *Join) joinKeyChanged(oldRow, newRow Row) bool {
	for _, col := range j.parentKey {
		if compareValues(oldRow[col], newRow[col]) != 0 {
			return true
		}
	}
	return false
}

// pushParent implements spec.md §4.4's pushParent rule: add/remove/child/
// edit forwarded, with the relationship thunk (re)wrapped for every emitted
// node; an edit's join-key columns must not change.
func (j *Join) pushParent(change Change) (Stream[struct{}], error) {
	var out Change
	switch change.Kind {
	case ChangeAdd:
		out = NewAdd(j.attach(change.Node))
	case ChangeRemove:
		out = NewRemove(j.attach(change.Node))
	case ChangeEdit:
		if j.joinKeyChanged(change.OldNode.Row, change.Node.Row) {
			panic(newProgrammerError("Join: edit changed a join-key column", nil))
		}
		out = NewEdit(j.attach(*change.OldNode), j.attach(change.Node))
	case ChangeChild:
		c := change
		c.Node = j.attach(change.Node)
		out = c
	default:
		out = change
	}
	if j.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return j.output.Push(out)
}

// pushChild implements spec.md §4.4's pushChild rule: find the parent(s)
// matching childKey -> parentKey and emit a child() change for each,
// installing an overlay on self for the duration so any relationship thunk
// materialized concurrently stays snapshot-consistent.
func (j *Join) pushChild(change Change) (Stream[struct{}], error) {
	// change.Row() is the child row; its join-side columns are childKey, so
	// translate childKey -> parentKey for the parent constraint.
	row := change.Row()
	constraint := make(map[string]Value, len(j.childKey))
	for i, ck := range j.childKey {
		constraint[j.parentKey[i]] = row[ck]
	}

	buf := j.bufPool.Get()
	parents, err := ConsumeInto(mustFetch(j.parentInput, FetchRequest{Constraint: constraint}), buf)
	if err != nil {
		j.bufPool.Put(parents)
		return nil, err
	}

	var streams []Stream[struct{}]
	for _, parent := range parents {
		j.overlay = &childOverlay{change: change, position: parent.Row}
		cc := NewChild(j.attach(parent), j.relationshipName, change)
		if j.output != nil {
			st, err := j.output.Push(cc)
			if err != nil {
				j.overlay = nil
				j.bufPool.Put(parents)
				return nil, err
			}
			streams = append(streams, st)
		}
	}
	j.overlay = nil
	j.bufPool.Put(parents)
	return Merge(streams...), nil
}

func mustFetch(in Input, req FetchRequest) Stream[Node] {
	s, err := in.Fetch(req)
	if err != nil {
		return errorStream[Node](err)
	}
	return s
}

func errorStream[T any](err error) Stream[T] {
	return NewStream(func() (StreamItem[T], bool, error) { return StreamItem[T]{}, false, err }, nil)
}

// joinParentSink is what parentInput holds as its output.
type joinParentSink struct {
	baseOperator
	join *Join
}

func (s *joinParentSink) GetSchema() SourceSchema { return s.join.GetSchema() }
func (s *joinParentSink) Destroy()                { s.destroyOnce(nil) }
func (s *joinParentSink) Fetch(req FetchRequest) (Stream[Node], error) {
	return s.join.Fetch(req)
}
func (s *joinParentSink) Push(change Change) (Stream[struct{}], error) {
	return s.join.pushParent(change)
}

// joinChildSink is what childInput holds as its output.
type joinChildSink struct {
	baseOperator
	join *Join
}

func (s *joinChildSink) GetSchema() SourceSchema { return s.join.childInput.GetSchema() }
func (s *joinChildSink) Destroy()                { s.destroyOnce(nil) }
func (s *joinChildSink) Fetch(req FetchRequest) (Stream[Node], error) {
	return s.join.childInput.Fetch(req)
}
func (s *joinChildSink) Push(change Change) (Stream[struct{}], error) {
	return s.join.pushChild(change)
}
