package ivm

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// PushRecord is one operator's handling of one push, parented under
// whichever push (if any) was already in flight when it started -- the same
// shape the teacher's ExecutionNode gave a flow execution (flow.go), applied
// to nested operator pushes instead of nested sub-flows.
type PushRecord struct {
	ID        string
	ParentID  string
	Operator  string
	Change    Change
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
}

// PushTrace is a bounded, ring-evicted tree of push records (grounded on the
// teacher's ExecutionTree in flow.go: map-of-nodes plus a parent index,
// oldest-root eviction once the tree exceeds its limit). Pushes in this
// engine are single-threaded and strictly nested (spec.md §5), so `current`
// tracks the in-flight parent without per-goroutine bookkeeping.
type PushTrace struct {
	mu       sync.RWMutex
	records  map[string]*PushRecord
	byParent map[string][]string
	roots    []string
	limit    int
	current  string
}

// NewPushTrace creates an empty trace holding at most limit root pushes
// (and their full subtrees) before evicting the oldest.
func NewPushTrace(limit int) *PushTrace {
	return &PushTrace{
		records:  make(map[string]*PushRecord),
		byParent: make(map[string][]string),
		limit:    limit,
	}
}

func (t *PushTrace) begin(parentID, operator string, change Change) *PushRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &PushRecord{ID: uuid.NewString(), ParentID: parentID, Operator: operator, Change: change, StartedAt: time.Now()}
	t.records[rec.ID] = rec
	if parentID == "" {
		t.roots = append(t.roots, rec.ID)
		if len(t.roots) > t.limit {
			t.evictOldestLocked()
		}
	} else {
		t.byParent[parentID] = append(t.byParent[parentID], rec.ID)
	}
	return rec
}

func (t *PushTrace) end(rec *PushRecord, err error) {
	if rec == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rec.EndedAt = time.Now()
	rec.Err = err
}

func (t *PushTrace) evictOldestLocked() {
	if len(t.roots) == 0 {
		return
	}
	oldest := t.roots[0]
	t.roots = t.roots[1:]
	t.removeSubtreeLocked(oldest)
}

func (t *PushTrace) removeSubtreeLocked(id string) {
	delete(t.records, id)
	children := t.byParent[id]
	delete(t.byParent, id)
	for _, child := range children {
		t.removeSubtreeLocked(child)
	}
}

// Roots returns the currently retained root pushes, oldest first.
func (t *PushTrace) Roots() []*PushRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PushRecord, 0, len(t.roots))
	for _, id := range t.roots {
		if r := t.records[id]; r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Children returns id's direct child pushes.
func (t *PushTrace) Children(id string) []*PushRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	childIDs := t.byParent[id]
	out := make([]*PushRecord, 0, len(childIDs))
	for _, cid := range childIDs {
		if r := t.records[cid]; r != nil {
			out = append(out, r)
		}
	}
	return out
}

// Walk visits rootID and every descendant depth-first, stopping early if
// visitor returns false for a node (its subtree is then skipped).
func (t *PushTrace) Walk(rootID string, visitor func(*PushRecord) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.walkLocked(rootID, visitor)
}

func (t *PushTrace) walkLocked(id string, visitor func(*PushRecord) bool) {
	rec := t.records[id]
	if rec == nil {
		return
	}
	if !visitor(rec) {
		return
	}
	for _, childID := range t.byParent[id] {
		t.walkLocked(childID, visitor)
	}
}

// Filter returns every retained record matching predicate, in no particular
// order.
func (t *PushTrace) Filter(predicate func(*PushRecord) bool) []*PushRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*PushRecord
	for _, r := range t.records {
		if predicate(r) {
			out = append(out, r)
		}
	}
	return out
}

// TracedInput records every push it receives as a child of whichever push
// is currently in flight on trace, then forwards it on -- the builder
// attaches this via a Delegate's decorateInput hook (spec.md §6) the same
// way Skip/Filter wrap an input: own it, register as its output, forward
// everything further up through baseOperator.output. That wiring (rather
// than a thin pass-through wrapper) is what lets nested pushes an operator
// issues against its own output (Join forwarding to j.output.Push, Take
// forwarding evictions, ...) show up as a call tree instead of one flat root
// span per top-level Engine.Push: SetOutput on a pass-through wrapper would
// just forward to the wrapped operator, never landing in the chain at all.
type TracedInput struct {
	baseOperator
	input Input
	trace *PushTrace
	name  string
}

// NewTracedInput wraps input, recording its Push calls on trace under name.
func NewTracedInput(input Input, trace *PushTrace, name string) *TracedInput {
	t := &TracedInput{baseOperator: newBaseOperator(), input: input, trace: trace, name: name}
	input.SetOutput(t)
	return t
}

func (t *TracedInput) GetSchema() SourceSchema { return t.input.GetSchema() }

func (t *TracedInput) Destroy() { t.destroyOnce(func() { t.input.Destroy() }) }

func (t *TracedInput) Fetch(req FetchRequest) (Stream[Node], error) { return t.input.Fetch(req) }

func (t *TracedInput) Push(change Change) (Stream[struct{}], error) {
	t.trace.mu.Lock()
	parent := t.trace.current
	t.trace.mu.Unlock()

	rec := t.trace.begin(parent, t.name, change)

	t.trace.mu.Lock()
	t.trace.current = rec.ID
	t.trace.mu.Unlock()

	var (
		s   Stream[struct{}]
		err error
	)
	if t.output != nil {
		s, err = t.output.Push(change)
	} else {
		s, err = EmptyStream[struct{}](), nil
	}

	t.trace.mu.Lock()
	t.trace.current = parent
	t.trace.mu.Unlock()

	t.trace.end(rec, err)
	return s, err
}
