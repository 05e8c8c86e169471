package ivm

import "encoding/json"

// Exists implements EXISTS/NOT EXISTS over a correlated relationship
// (spec.md §4.3). It sits directly above a Join/FlippedJoin that already
// attached relationshipName to every node it emits.
type Exists struct {
	baseOperator
	input            Input
	relationshipName string
	parentJoinKey    []string
	parentPrimaryKey []string
	negate           bool // true for NOT EXISTS

	cache     map[string]bool
	scanDepth int
	pushing   bool
}

// NewExists wraps input, registering itself as input's output.
// existsChildLimit(system) tells the builder what child-side Take limit to
// attach below the Join this operator gates.
func NewExists(input Input, relationshipName string, parentJoinKey, parentPrimaryKey []string, negate bool) *Exists {
	e := &Exists{
		baseOperator:     newBaseOperator(),
		input:            input,
		relationshipName: relationshipName,
		parentJoinKey:    parentJoinKey,
		parentPrimaryKey: parentPrimaryKey,
		negate:           negate,
	}
	input.SetOutput(e)
	return e
}

// existsChildLimit returns the child-count Take bound the builder attaches
// below the Join an Exists gates: 1 for permissions sources, 3 otherwise
// (spec.md §4.3).
func existsChildLimit(system SourceSystem) int {
	if system == SystemPermissions {
		return 1
	}
	return 3
}

func (e *Exists) GetSchema() SourceSchema { return e.input.GetSchema() }

func (e *Exists) Destroy() { e.destroyOnce(func() { e.input.Destroy() }) }

// BeginFilter/EndFilter bracket a logical scan, letting the per-scan cache
// survive nested begin/end pairs (e.g. this Exists participating in an outer
// OR alongside other branches that each bracket their own scan).
func (e *Exists) BeginFilter() {
	e.scanDepth++
	if e.cache == nil {
		e.cache = make(map[string]bool)
	}
}

func (e *Exists) EndFilter() {
	if e.scanDepth > 0 {
		e.scanDepth--
	}
	if e.scanDepth == 0 {
		e.cache = nil
	}
}

func (e *Exists) FilterNode(n Node) (bool, error) { return e.filterPolarity(n) }

func (e *Exists) Fetch(req FetchRequest) (Stream[Node], error) {
	s, err := e.input.Fetch(req)
	if err != nil {
		return nil, err
	}
	e.BeginFilter()
	// Initial hydration fully drains each relationship (Count, not a
	// short-circuiting "any") because Take cannot short-circuit during
	// initial fetch (spec.md §4.3).
	filtered := FilterStream(s, func(n Node) (bool, error) { return e.filterPolarity(n) })
	return NewStream(filtered.Next, func() error {
		err := filtered.Close()
		e.EndFilter()
		return err
	}), nil
}

func (e *Exists) filterPolarity(n Node) (bool, error) {
	matched, err := e.exists(n)
	if err != nil {
		return false, err
	}
	if e.negate {
		return !matched, nil
	}
	return matched, nil
}

// exists computes (and, when a scan is active, caches) whether n's
// relationship is non-empty. Per spec.md §4.3, when the parent join key
// equals the parent primary key the cache is never consulted: the key is
// unique per row anyway, so there is nothing to reuse.
func (e *Exists) exists(n Node) (bool, error) {
	sameAsPK := stringSetEqual(e.parentJoinKey, e.parentPrimaryKey)

	var key string
	if !sameAsPK && e.cache != nil {
		key = joinKeyOf(n.Row, e.parentJoinKey)
		if v, ok := e.cache[key]; ok {
			return v, nil
		}
	}

	thunk := n.Relationship(e.relationshipName)
	matched := false
	if thunk != nil {
		count, err := Count(thunk())
		if err != nil {
			return false, err
		}
		matched = count > 0
	}

	if !sameAsPK && e.cache != nil {
		e.cache[key] = matched
	}
	return matched, nil
}

func joinKeyOf(row Row, cols []string) string {
	b, err := json.Marshal(PrimaryKeyValue(row, cols))
	if err != nil {
		panic(newProgrammerError("Exists: join-key value is not JSON-encodable", err))
	}
	return string(b)
}

// Push implements spec.md §4.3's push rules. Re-entrancy (a push arriving
// while this operator's own push is still in flight) is a fatal programming
// error.
func (e *Exists) Push(change Change) (Stream[struct{}], error) {
	if e.pushing {
		panic(newProgrammerError("Exists: push re-entrancy", nil))
	}
	e.pushing = true
	defer func() { e.pushing = false }()

	out, err := e.transformPush(change)
	if err != nil {
		return nil, err
	}
	if out == nil || e.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return e.output.Push(*out)
}

func (e *Exists) transformPush(change Change) (*Change, error) {
	if change.Kind != ChangeChild {
		return e.transformPlain(change)
	}
	if change.Child.RelationshipName != e.relationshipName {
		keep, err := e.filterPolarity(change.Node)
		if err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return &change, nil
	}

	thunk := change.Node.Relationship(e.relationshipName)
	count := 0
	if thunk != nil {
		var err error
		count, err = Count(thunk())
		if err != nil {
			return nil, err
		}
	}

	switch change.Child.Change.Kind {
	case ChangeAdd:
		if count == 1 {
			return e.flipChange(change.Node, true), nil
		}
		if e.negate {
			return nil, nil
		}
		c := change
		return &c, nil
	case ChangeRemove:
		if count == 0 {
			return e.flipChange(change.Node, false), nil
		}
		if e.negate {
			return nil, nil
		}
		c := change
		return &c, nil
	default:
		if e.negate {
			return nil, nil
		}
		c := change
		return &c, nil
	}
}

func (e *Exists) transformPlain(change Change) (*Change, error) {
	switch change.Kind {
	case ChangeAdd, ChangeRemove:
		keep, err := e.filterPolarity(change.Node)
		if err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return &change, nil
	case ChangeEdit:
		oldOK, err := e.filterPolarity(*change.OldNode)
		if err != nil {
			return nil, err
		}
		newOK, err := e.filterPolarity(change.Node)
		if err != nil {
			return nil, err
		}
		switch {
		case oldOK && newOK:
			return &change, nil
		case !oldOK && newOK:
			c := NewAdd(change.Node)
			return &c, nil
		case oldOK && !newOK:
			c := NewRemove(*change.OldNode)
			return &c, nil
		default:
			return nil, nil
		}
	default:
		return &change, nil
	}
}

// flipChange builds the top-level change emitted when a child(add)/
// child(remove) to this operator's relationship flips existence.
// becameNonEmpty is true for empty->non-empty, false for the reverse.
func (e *Exists) flipChange(node Node, becameNonEmpty bool) *Change {
	emptyNode := func() Node {
		return node.WithRelationship(e.relationshipName, func() Stream[Node] { return EmptyStream[Node]() })
	}
	if becameNonEmpty {
		if e.negate {
			// NOT EXISTS: parent was visible with an empty relationship;
			// mask the new child out of the remove since it was never
			// visible downstream (spec.md §4.3).
			c := NewRemove(emptyNode())
			return &c
		}
		c := NewAdd(node)
		return &c
	}
	if e.negate {
		c := NewAdd(emptyNode())
		return &c
	}
	c := NewRemove(node)
	return &c
}
