package ivm

// ChangeKind tags the variant of a Change (spec.md §3).
type ChangeKind int

const (
	ChangeAdd ChangeKind = iota
	ChangeRemove
	ChangeEdit
	ChangeChild
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeRemove:
		return "remove"
	case ChangeEdit:
		return "edit"
	case ChangeChild:
		return "child"
	default:
		return "unknown"
	}
}

// ChildChange describes the payload of a Change of kind ChangeChild: a
// recursive change applied inside a named relationship of the containing
// node.
type ChildChange struct {
	RelationshipName string
	Change           Change
}

// Change is the tagged variant pushed root-ward through the operator graph
// (spec.md §3):
//
//	add(node)
//	remove(node)
//	edit(oldNode, node)
//	child(node, {relationshipName, change})
//
// A Change is a value type; operators construct new Changes rather than
// mutating one in place, since the same Change value may be read by more
// than one downstream output (FanOut) concurrently within a single push.
type Change struct {
	Kind    ChangeKind
	Node    Node  // Add, Remove, Edit (new), Child (outer parent)
	OldNode *Node // Edit only
	Child   *ChildChange
}

// NewAdd constructs an add(node) change.
func NewAdd(node Node) Change { return Change{Kind: ChangeAdd, Node: node} }

// NewRemove constructs a remove(node) change.
func NewRemove(node Node) Change { return Change{Kind: ChangeRemove, Node: node} }

// NewEdit constructs an edit(oldNode, node) change. Per spec.md §3, for
// changes that flow through a Join/FlippedJoin the join-key columns must be
// identical between oldNode and node; that invariant is asserted by the join
// operators themselves, not here, since a bare Filter/Skip/Take has no join
// keys to check.
func NewEdit(oldNode, node Node) Change {
	return Change{Kind: ChangeEdit, Node: node, OldNode: &oldNode}
}

// NewChild constructs a child(node, {relationshipName, change}) change.
func NewChild(node Node, relationshipName string, inner Change) Change {
	return Change{
		Kind: ChangeChild,
		Node: node,
		Child: &ChildChange{
			RelationshipName: relationshipName,
			Change:           inner,
		},
	}
}

// Row returns the row the change is "about": the new row for add/edit/child,
// the removed row for remove.
func (c Change) Row() Row {
	return c.Node.Row
}
