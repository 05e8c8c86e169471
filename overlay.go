package ivm

// childOverlay describes one child mutation in flight through a Join's or
// FlippedJoin's pushChild (spec.md §4.4, §9 "Overlay during push"). While a
// push is draining, any relationship thunk materialized for a parent must
// stay snapshot-consistent with whichever fetch invoked it: a parent before
// `position` in the current push's traversal order is treated as not having
// observed the mutation yet (its thunk reconstructs the pre-mutation
// sequence); a parent at or after `position` already reflects it (the
// underlying source was mutated atomically before the push began draining).
type childOverlay struct {
	change   Change
	position Row
}

// wrapRelationshipThunk overlays real for parentRow against ov. A nil ov
// (no push in flight) returns real unchanged.
func wrapRelationshipThunk(real RelationshipThunk, parentRow Row, ov *childOverlay, childSort []SortKey) RelationshipThunk {
	if ov == nil {
		return real
	}
	return func() Stream[Node] {
		s := real()
		if ov.position == nil || compareRowsBy(childSort)(parentRow, ov.position) >= 0 {
			return s
		}
		return preMutationView(s, ov, childSort)
	}
}

// preMutationView reconstructs the child sequence as it looked before
// ov.change was applied.
func preMutationView(s Stream[Node], ov *childOverlay, sort []SortKey) Stream[Node] {
	switch ov.change.Kind {
	case ChangeAdd:
		return FilterStream(s, func(n Node) (bool, error) {
			return !n.Row.Equal(ov.change.Node.Row), nil
		})
	case ChangeRemove:
		return spliceInSortOrder(s, ov.change.Node, sort)
	case ChangeEdit:
		return MapStream(s, func(n Node) (Node, error) {
			if n.Row.Equal(ov.change.Node.Row) {
				return Node{Row: ov.change.OldNode.Row, Relationships: n.Relationships}, nil
			}
			return n, nil
		})
	default:
		return s
	}
}

// spliceInSortOrder inserts node into s at the position sort dictates.
// Relationship streams are small (bounded by Take/Exists limits), so this
// eagerly drains s rather than threading a lazy merge.
func spliceInSortOrder(s Stream[Node], node Node, sort []SortKey) Stream[Node] {
	items, err := Consume(s)
	if err != nil {
		return NewStream(func() (StreamItem[Node], bool, error) {
			return StreamItem[Node]{}, false, err
		}, nil)
	}
	cmp := compareRowsBy(sort)
	idx := 0
	for idx < len(items) && cmp(items[idx].Row, node.Row) < 0 {
		idx++
	}
	out := make([]Node, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, node)
	out = append(out, items[idx:]...)
	return SliceStream(out)
}

func compareRowsBy(sort []SortKey) func(a, b Row) int {
	return func(a, b Row) int {
		for _, key := range sort {
			c := compareValues(a[key.Column], b[key.Column])
			if key.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}
}
