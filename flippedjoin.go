package ivm

// FlippedJoin is the child-driven inner join (spec.md §4.4): streams
// children first, gathers each child's matching parent candidates, and
// emits one node per parent that has at least one child, dropping parents
// with none. Produces the identical node shape as Join (row plus a
// relationshipName thunk) but with inner rather than left-join semantics.
type FlippedJoin struct {
	baseOperator
	parentInput      Input
	childInput       Input
	relationshipName string
	parentKey        []string
	childKey         []string

	overlay *childOverlay
	bufPool *NodeBufferPool
}

// NewFlippedJoin mirrors NewJoin's wiring, reversing which side drives fetch.
func NewFlippedJoin(parentInput, childInput Input, relationshipName string, parentKey, childKey []string) *FlippedJoin {
	fj := &FlippedJoin{
		baseOperator:     newBaseOperator(),
		parentInput:      parentInput,
		childInput:       childInput,
		relationshipName: relationshipName,
		parentKey:        parentKey,
		childKey:         childKey,
		bufPool:          NewNodeBufferPool(4),
	}
	parentInput.SetOutput(&flippedJoinParentSink{baseOperator: newBaseOperator(), join: fj})
	childInput.SetOutput(&flippedJoinChildSink{baseOperator: newBaseOperator(), join: fj})
	return fj
}

func (j *FlippedJoin) GetSchema() SourceSchema { return j.parentInput.GetSchema() }

func (j *FlippedJoin) Destroy() {
	j.destroyOnce(func() {
		j.parentInput.Destroy()
		j.childInput.Destroy()
	})
}

func (j *FlippedJoin) Push(Change) (Stream[struct{}], error) {
	panic(newProgrammerError("FlippedJoin: Push called directly; route through the parent or child sink", nil))
}

func (j *FlippedJoin) childConstraint(parentRow Row) map[string]Value {
	c := make(map[string]Value, len(j.parentKey))
	for i, pk := range j.parentKey {
		c[j.childKey[i]] = parentRow[pk]
	}
	return c
}

func (j *FlippedJoin) relationshipThunk(parentRow Row) RelationshipThunk {
	real := RelationshipThunk(func() Stream[Node] {
		return mustFetch(j.childInput, FetchRequest{Constraint: j.childConstraint(parentRow)})
	})
	return wrapRelationshipThunk(real, parentRow, j.overlay, j.childInput.GetSchema().Sort)
}

func (j *FlippedJoin) attach(n Node) Node {
	return n.WithRelationship(j.relationshipName, j.relationshipThunk(n.Row))
}

// Fetch streams children, gathers each child's parent candidates, keeps only
// parents with at least one child, and coalesces parents sharing a child-set
// by parent-order tie-break. Children are typically the smaller/indexed
// side (spec.md §4.4), so the candidate parent set per child is assumed
// small; this drains it eagerly rather than threading a lazy join.
func (j *FlippedJoin) Fetch(req FetchRequest) (Stream[Node], error) {
	children, err := Consume(mustFetch(j.childInput, FetchRequest{}))
	if err != nil {
		return nil, err
	}

	parentSchema := j.parentInput.GetSchema()
	seen := make(map[string]bool)
	var parents []Node
	for _, child := range children {
		constraint := make(map[string]Value, len(j.childKey))
		for i, ck := range j.childKey {
			constraint[j.parentKey[i]] = child.Row[ck]
		}
		buf := j.bufPool.Get()
		candidates, err := ConsumeInto(mustFetch(j.parentInput, FetchRequest{Constraint: constraint}), buf)
		if err != nil {
			j.bufPool.Put(candidates)
			return nil, err
		}
		for _, p := range candidates {
			key := pkKey(p.Row, parentSchema.PrimaryKey)
			if seen[key] {
				continue
			}
			seen[key] = true
			parents = append(parents, p)
		}
		j.bufPool.Put(candidates)
	}

	sortKey := parentSchema.Sort
	cmp := compareRowsBy(sortKey)
	for i := range parents {
		for k := i + 1; k < len(parents); k++ {
			if cmp(parents[k].Row, parents[i].Row) < 0 {
				parents[i], parents[k] = parents[k], parents[i]
			}
		}
	}

	if req.Reverse {
		for l, r := 0, len(parents)-1; l < r; l, r = l+1, r-1 {
			parents[l], parents[r] = parents[r], parents[l]
		}
	}

	out := make([]Node, 0, len(parents))
	for _, p := range parents {
		if req.Constraint != nil && !matchesAll(p.Row, req.Constraint) {
			continue
		}
		if req.Start != nil {
			c := cmp(p.Row, req.Start)
			if req.Reverse {
				c = -c
			}
			if c < 0 || (c == 0 && req.StartExclusive) {
				continue
			}
		}
		out = append(out, j.attach(p))
	}
	return SliceStream(out), nil
}

func matchesAll(row Row, constraint map[string]Value) bool {
	for k, v := range constraint {
		if compareValues(row[k], v) != 0 {
			return false
		}
	}
	return true
}

func (j *FlippedJoin) joinKeyChanged(oldRow, newRow Row) bool {
	for _, col := range j.parentKey {
		if compareValues(oldRow[col], newRow[col]) != 0 {
			return true
		}
	}
	return false
}

// pushParent forwards every parent-side change with the relationship
// attached, by the same rules as Join; it does not check whether the
// relationship has any children. In graphs the builder constructs,
// FlippedJoin sits below the filter sub-pipeline, and the Exists that
// pipeline applies for the same condition drops parents with no children.
func (j *FlippedJoin) pushParent(change Change) (Stream[struct{}], error) {
	var out Change
	switch change.Kind {
	case ChangeAdd:
		out = NewAdd(j.attach(change.Node))
	case ChangeRemove:
		out = NewRemove(j.attach(change.Node))
	case ChangeEdit:
		if j.joinKeyChanged(change.OldNode.Row, change.Node.Row) {
			panic(newProgrammerError("FlippedJoin: edit changed a join-key column", nil))
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

// pushChild implements spec.md §4.4's FlippedJoin pushChild rule: same
// parent-gathering and overlay discipline as Join, with the extra subtlety
// that a remove is re-spliced into the materialized child list (in sort
// position) for parents whose position precedes the in-progress change's
// position, so a fetch already in flight for an earlier parent still sees
// the pre-remove state consistently (spec.md §4.4, §9).
//
// Open question / possibly-buggy source behaviour (spec.md §9): for an edit
// reaching the exists=false fall-through below, the emitted node's
// relationship thunk yields a single-element sequence built from change.Node
// alone, which may lose the OldNode context. That behaviour is kept as-is.
func (j *FlippedJoin) pushChild(change Change) (Stream[struct{}], error) {
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

	exists := len(parents) > 0

	var streams []Stream[struct{}]
	if exists {
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
	j.bufPool.Put(parents)

	// exists=false fall-through: the child's parent(s) are not materialized
	// at all (inner join), except the just-removed row itself needs to stay
	// visible to parents earlier in any in-flight outer fetch. Per spec.md
	// §9 this path is kept exactly as observed in the source behaviour: it
	// emits using change.Kind directly against change.Node, with a
	// single-node relationship thunk.
	node := change.Node.WithRelationship(j.relationshipName, func() Stream[Node] {
		return SliceStream([]Node{change.Node})
	})
	c := Change{Kind: change.Kind, Node: node, OldNode: change.OldNode, Child: change.Child}
	if j.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return j.output.Push(c)
}

type flippedJoinParentSink struct {
	baseOperator
	join *FlippedJoin
}

func (s *flippedJoinParentSink) GetSchema() SourceSchema { return s.join.GetSchema() }
func (s *flippedJoinParentSink) Destroy()                { s.destroyOnce(nil) }
func (s *flippedJoinParentSink) Fetch(req FetchRequest) (Stream[Node], error) {
	return s.join.Fetch(req)
}
func (s *flippedJoinParentSink) Push(change Change) (Stream[struct{}], error) {
	return s.join.pushParent(change)
}

type flippedJoinChildSink struct {
	baseOperator
	join *FlippedJoin
}

func (s *flippedJoinChildSink) GetSchema() SourceSchema { return s.join.childInput.GetSchema() }
func (s *flippedJoinChildSink) Destroy()                { s.destroyOnce(nil) }
func (s *flippedJoinChildSink) Fetch(req FetchRequest) (Stream[Node], error) {
	return s.join.childInput.Fetch(req)
}
func (s *flippedJoinChildSink) Push(change Change) (Stream[struct{}], error) {
	return s.join.pushChild(change)
}
