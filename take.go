package ivm

import (
	"encoding/json"

	"github.com/ivmdb/dataflow/storage"
)

// takeState is the per-partition bookkeeping spec.md §4.5 describes:
// {size, bound}. It is stored in storage.Store as a map (never as the Go
// struct value); a sqlite-backed store hands it back JSON-decoded, MemStore
// hands back the same map with bound still a Row, and decodeTakeState
// accepts both.
type takeState struct {
	Size  int
	Bound Row
}

func (s takeState) encode() map[string]any {
	return map[string]any{"size": s.Size, "bound": Value(s.Bound)}
}

func decodeTakeState(v any) takeState {
	m, ok := v.(map[string]any)
	if !ok {
		return takeState{}
	}
	st := takeState{}
	if n, ok := coerceNumber(m["size"]); ok {
		st.Size = int(n)
	}
	switch b := m["bound"].(type) {
	case map[string]any:
		st.Bound = Row(b)
	case Row:
		// MemStore round-trips the exact Go value encode() produced rather
		// than re-decoding through JSON, so bound keeps its concrete Row
		// type instead of becoming a plain map[string]any.
		st.Bound = b
	}
	return st
}

// Take is the stateful, optionally partitioned limit operator (spec.md
// §4.5). Its external scratch is a storage.Store so the window bounds
// survive process restarts the way the engine's own in-memory state cannot.
type Take struct {
	baseOperator
	input        Input
	limit        int
	partitionKey []string
	storage      storage.Store

	maxBound Row // largest bound observed across all partitions (bookkeeping; spec.md §4.5)
}

// NewTake wraps input with a partition-aware limit, registering itself as
// input's output. partitionKey may be empty for an unpartitioned take.
func NewTake(input Input, limit int, partitionKey []string, store storage.Store) *Take {
	t := &Take{baseOperator: newBaseOperator(), input: input, limit: limit, partitionKey: partitionKey, storage: store}
	input.SetOutput(t)
	return t
}

func (t *Take) GetSchema() SourceSchema { return t.input.GetSchema() }

func (t *Take) Destroy() { t.destroyOnce(func() { t.input.Destroy() }) }

func (t *Take) partitionConstraint(row Row) map[string]Value {
	c := make(map[string]Value, len(t.partitionKey))
	for _, col := range t.partitionKey {
		c[col] = row[col]
	}
	return c
}

func (t *Take) stateKey(partConstraint map[string]Value) string {
	vals := make([]Value, 0, len(t.partitionKey)+1)
	vals = append(vals, "take")
	for _, col := range t.partitionKey {
		vals = append(vals, partConstraint[col])
	}
	b, err := json.Marshal(vals)
	if err != nil {
		panic(newProgrammerError("Take: partition value is not JSON-encodable", err))
	}
	return string(b)
}

func (t *Take) loadState(key string) (takeState, error) {
	v, ok, err := t.storage.Get(key)
	if err != nil {
		return takeState{}, newExternalError("Take: storage get", err)
	}
	if !ok {
		return takeState{}, nil
	}
	return decodeTakeState(v), nil
}

func (t *Take) saveState(key string, state takeState) error {
	if err := t.storage.Set(key, state.encode()); err != nil {
		return newExternalError("Take: storage set", err)
	}
	if state.Bound != nil {
		schema := t.input.GetSchema()
		if t.maxBound == nil || schema.CompareRows(state.Bound, t.maxBound) > 0 {
			t.maxBound = state.Bound
		}
	}
	return nil
}

// Fetch hydrates (or re-hydrates) one partition: pulls at most limit nodes
// from input and persists {size, bound}. Abandoning the returned stream
// before it reaches limit or input's natural end is a fatal error (spec.md
// §3, §4.5).
func (t *Take) Fetch(req FetchRequest) (Stream[Node], error) {
	partConstraint := make(map[string]Value, len(req.Constraint))
	for k, v := range req.Constraint {
		partConstraint[k] = v
	}
	key := t.stateKey(partConstraint)

	underlying, err := t.input.Fetch(req)
	if err != nil {
		return nil, err
	}

	count := 0
	var lastRow Row
	done := false
	closed := false

	finish := func() error {
		done = true
		return t.saveState(key, takeState{Size: count, Bound: lastRow})
	}

	next := func() (StreamItem[Node], bool, error) {
		if done {
			return StreamItem[Node]{}, false, nil
		}
		if count >= t.limit {
			if err := finish(); err != nil {
				return StreamItem[Node]{}, false, err
			}
			return StreamItem[Node]{}, false, nil
		}
		item, ok, err := underlying.Next()
		if err != nil {
			return StreamItem[Node]{}, false, err
		}
		if !ok {
			if err := finish(); err != nil {
				return StreamItem[Node]{}, false, err
			}
			return StreamItem[Node]{}, false, nil
		}
		if item.IsYield {
			return item, true, nil
		}
		count++
		lastRow = item.Item.Row
		return item, true, nil
	}

	closer := func() error {
		if closed {
			return nil
		}
		closed = true
		cerr := underlying.Close()
		if !done {
			return newAbandonedStreamError()
		}
		return cerr
	}

	return NewStream(next, closer), nil
}

// fetchWindow eagerly pulls up to t.limit nodes from input for partConstraint.
// Used internally by push handling, where the underlying source already
// reflects the post-mutation state and abandonment does not apply (this
// fetch is never exposed to an external caller).
func (t *Take) fetchWindow(partConstraint map[string]Value) ([]Node, error) {
	s, err := t.input.Fetch(FetchRequest{Constraint: partConstraint})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	var out []Node
	for {
		item, ok, err := s.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if item.IsYield {
			continue
		}
		out = append(out, item.Item)
		if len(out) >= t.limit {
			break
		}
	}
	return out, nil
}

func (t *Take) inWindow(state takeState, row Row) bool {
	if state.Bound == nil {
		return false
	}
	return t.input.GetSchema().CompareRows(row, state.Bound) <= 0
}

func (t *Take) qualifiesForWindow(state takeState, row Row) bool {
	if state.Size < t.limit {
		return true
	}
	if state.Bound == nil {
		return true
	}
	return t.input.GetSchema().CompareRows(row, state.Bound) <= 0
}

// handleAdd implements the add rule of spec.md §4.5.
func (t *Take) handleAdd(partConstraint map[string]Value, state takeState, node Node) (adds, evicts []Change, newState takeState, err error) {
	schema := t.input.GetSchema()
	if state.Size < t.limit {
		newState = takeState{Size: state.Size + 1, Bound: node.Row}
		if state.Bound != nil && schema.CompareRows(state.Bound, node.Row) > 0 {
			newState.Bound = state.Bound
		}
		return []Change{NewAdd(node)}, nil, newState, nil
	}
	if state.Bound != nil && schema.CompareRows(node.Row, state.Bound) > 0 {
		return nil, nil, state, nil
	}
	fresh, err := t.fetchWindow(partConstraint)
	if err != nil {
		return nil, nil, state, err
	}
	newState = takeState{Size: len(fresh)}
	if len(fresh) > 0 {
		newState.Bound = fresh[len(fresh)-1].Row
	}
	evictRow := state.Bound
	return []Change{NewAdd(node)}, []Change{NewRemove(Node{Row: evictRow})}, newState, nil
}

// handleRemove implements the remove rule of spec.md §4.5.
func (t *Take) handleRemove(partConstraint map[string]Value, state takeState, node Node) (rem, backfill *Change, newState takeState, err error) {
	if !t.inWindow(state, node.Row) {
		return nil, nil, state, nil
	}
	fresh, err := t.fetchWindow(partConstraint)
	if err != nil {
		return nil, nil, state, err
	}
	newState = takeState{Size: len(fresh)}
	if len(fresh) > 0 {
		newState.Bound = fresh[len(fresh)-1].Row
	}
	removeChange := NewRemove(node)
	if newState.Size == state.Size && len(fresh) > 0 {
		c := NewAdd(fresh[len(fresh)-1])
		backfill = &c
	}
	return &removeChange, backfill, newState, nil
}

func (t *Take) Push(change Change) (Stream[struct{}], error) {
	var toForward []Change

	switch change.Kind {
	case ChangeAdd:
		partConstraint := t.partitionConstraint(change.Node.Row)
		key := t.stateKey(partConstraint)
		state, err := t.loadState(key)
		if err != nil {
			return nil, err
		}
		adds, evicts, newState, err := t.handleAdd(partConstraint, state, change.Node)
		if err != nil {
			return nil, err
		}
		if err := t.saveState(key, newState); err != nil {
			return nil, err
		}
		toForward = append(toForward, evicts...)
		toForward = append(toForward, adds...)

	case ChangeRemove:
		partConstraint := t.partitionConstraint(change.Node.Row)
		key := t.stateKey(partConstraint)
		state, err := t.loadState(key)
		if err != nil {
			return nil, err
		}
		rem, backfill, newState, err := t.handleRemove(partConstraint, state, change.Node)
		if err != nil {
			return nil, err
		}
		if err := t.saveState(key, newState); err != nil {
			return nil, err
		}
		if rem != nil {
			toForward = append(toForward, *rem)
		}
		if backfill != nil {
			toForward = append(toForward, *backfill)
		}

	case ChangeEdit:
		partConstraint := t.partitionConstraint(change.OldNode.Row)
		key := t.stateKey(partConstraint)
		state, err := t.loadState(key)
		if err != nil {
			return nil, err
		}
		oldIn := t.inWindow(state, change.OldNode.Row)
		newIn := t.qualifiesForWindow(state, change.Node.Row)
		switch {
		case oldIn && newIn:
			rem, backfill, state2, err := t.handleRemove(partConstraint, state, *change.OldNode)
			if err != nil {
				return nil, err
			}
			if rem != nil {
				toForward = append(toForward, *rem)
			}
			if backfill != nil {
				toForward = append(toForward, *backfill)
			}
			adds, evicts, state3, err := t.handleAdd(partConstraint, state2, change.Node)
			if err != nil {
				return nil, err
			}
			toForward = append(toForward, evicts...)
			toForward = append(toForward, adds...)
			if err := t.saveState(key, state3); err != nil {
				return nil, err
			}
		case oldIn && !newIn:
			rem, backfill, state2, err := t.handleRemove(partConstraint, state, *change.OldNode)
			if err != nil {
				return nil, err
			}
			if rem != nil {
				toForward = append(toForward, *rem)
			}
			if backfill != nil {
				toForward = append(toForward, *backfill)
			}
			if err := t.saveState(key, state2); err != nil {
				return nil, err
			}
		case !oldIn && newIn:
			adds, evicts, state2, err := t.handleAdd(partConstraint, state, change.Node)
			if err != nil {
				return nil, err
			}
			toForward = append(toForward, evicts...)
			toForward = append(toForward, adds...)
			if err := t.saveState(key, state2); err != nil {
				return nil, err
			}
		}

	case ChangeChild:
		partConstraint := t.partitionConstraint(change.Node.Row)
		key := t.stateKey(partConstraint)
		state, err := t.loadState(key)
		if err != nil {
			return nil, err
		}
		if t.inWindow(state, change.Node.Row) {
			toForward = append(toForward, change)
		}
	}

	if len(toForward) == 0 || t.output == nil {
		return EmptyStream[struct{}](), nil
	}
	streams := make([]Stream[struct{}], 0, len(toForward))
	for _, c := range toForward {
		st, err := t.output.Push(c)
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return Merge(streams...), nil
}
