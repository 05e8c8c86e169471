package ivm

// filterable is the auxiliary "ask without materializing" protocol spec.md
// §4.2/§9 describes: beginFilter()/filter(node)→bool/endFilter(), used by the
// OR/EXISTS machinery to test a node against a sub-condition while an outer
// operator iterates, without forcing the outer operator to build a separate
// node stream per branch. Stateful filters (Exists) use BeginFilter/EndFilter
// to scope a per-scan cache; stateless ones (Filter) no-op them.
type filterable interface {
	BeginFilter()
	FilterNode(node Node) (bool, error)
	EndFilter()
}

// asFilterable returns in's filterable view if it implements one, and a
// trivial always-true filterable otherwise -- every operator in this
// package that can appear inside a filter sub-pipeline implements
// filterable, but an operator from outside this package's planned set
// (or a caller-supplied leaf) need not.
func asFilterable(in Input) filterable {
	if f, ok := in.(filterable); ok {
		return f
	}
	return trivialFilterable{}
}

type trivialFilterable struct{}

func (trivialFilterable) BeginFilter()                       {}
func (trivialFilterable) FilterNode(Node) (bool, error)      { return true, nil }
func (trivialFilterable) EndFilter()                         {}

// Filter evaluates a pure predicate on the row (spec.md §4.2).
type Filter struct {
	baseOperator
	input Input
	pred  func(Row) bool
}

// NewFilter wraps input with pred, registering itself as input's output.
func NewFilter(input Input, pred func(Row) bool) *Filter {
	f := &Filter{baseOperator: newBaseOperator(), input: input, pred: pred}
	input.SetOutput(f)
	return f
}

func (f *Filter) GetSchema() SourceSchema { return f.input.GetSchema() }

func (f *Filter) Destroy() { f.destroyOnce(func() { f.input.Destroy() }) }

func (f *Filter) Fetch(req FetchRequest) (Stream[Node], error) {
	s, err := f.input.Fetch(req)
	if err != nil {
		return nil, err
	}
	return FilterStream(s, func(n Node) (bool, error) { return f.pred(n.Row), nil }), nil
}

func (f *Filter) BeginFilter() {}
func (f *Filter) EndFilter()   {}

func (f *Filter) FilterNode(n Node) (bool, error) { return f.pred(n.Row), nil }

func (f *Filter) Push(change Change) (Stream[struct{}], error) {
	out := f.transform(change)
	if out == nil || f.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return f.output.Push(*out)
}

// transform implements the edit-splitting rule of spec.md §4.2: add/remove/
// child forwarded iff the predicate holds; edit is split into add, remove,
// or forwarded as edit, depending on which of old/new satisfy the predicate
// (both failing suppresses the change entirely).
func (f *Filter) transform(change Change) *Change {
	switch change.Kind {
	case ChangeAdd, ChangeRemove, ChangeChild:
		if f.pred(change.Node.Row) {
			return &change
		}
		return nil
	case ChangeEdit:
		oldOK := f.pred(change.OldNode.Row)
		newOK := f.pred(change.Node.Row)
		switch {
		case oldOK && newOK:
			return &change
		case !oldOK && newOK:
			c := NewAdd(change.Node)
			return &c
		case oldOK && !newOK:
			c := NewRemove(*change.OldNode)
			return &c
		default:
			return nil
		}
	default:
		return &change
	}
}

// FilterStart marks the entry point of a filter sub-pipeline (spec.md §9:
// "FilterStart/End acting as adapters between the two protocols"). It exposes
// whatever it wraps as both a standard Input and a trivial filterable, so
// every later stage in the pipeline can uniformly embed an Input without
// caring whether its immediate upstream is a raw connected source or another
// filter stage.
type FilterStart struct {
	baseOperator
	input Input
}

func NewFilterStart(input Input) *FilterStart {
	fs := &FilterStart{baseOperator: newBaseOperator(), input: input}
	input.SetOutput(fs)
	return fs
}

func (f *FilterStart) GetSchema() SourceSchema                 { return f.input.GetSchema() }
func (f *FilterStart) Destroy()                                { f.destroyOnce(func() { f.input.Destroy() }) }
func (f *FilterStart) Fetch(req FetchRequest) (Stream[Node], error) { return f.input.Fetch(req) }
func (f *FilterStart) Push(change Change) (Stream[struct{}], error) {
	if f.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return f.output.Push(change)
}
func (f *FilterStart) BeginFilter()                  {}
func (f *FilterStart) EndFilter()                    {}
func (f *FilterStart) FilterNode(Node) (bool, error) { return true, nil }

// FilterEnd seals a filter sub-pipeline back into a plain Input, for
// attachment under Take/Join/View above it (spec.md §9). If inner is itself
// nested inside an outer filter predicate (a correlated EXISTS containing
// its own AND/OR structure), FilterEnd forwards the filterable trio to
// inner; otherwise those calls are simply never made by anything above it.
type FilterEnd struct {
	baseOperator
	inner Input
}

func NewFilterEnd(inner Input) *FilterEnd {
	fe := &FilterEnd{baseOperator: newBaseOperator(), inner: inner}
	inner.SetOutput(fe)
	return fe
}

func (f *FilterEnd) GetSchema() SourceSchema                 { return f.inner.GetSchema() }
func (f *FilterEnd) Destroy()                                { f.destroyOnce(func() { f.inner.Destroy() }) }
func (f *FilterEnd) Fetch(req FetchRequest) (Stream[Node], error) { return f.inner.Fetch(req) }
func (f *FilterEnd) Push(change Change) (Stream[struct{}], error) {
	if f.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return f.output.Push(change)
}
func (f *FilterEnd) BeginFilter() { asFilterable(f.inner).BeginFilter() }
func (f *FilterEnd) EndFilter()   { asFilterable(f.inner).EndFilter() }
func (f *FilterEnd) FilterNode(n Node) (bool, error) { return asFilterable(f.inner).FilterNode(n) }

// Or combines filterable sub-conditions with logical OR, short-circuiting on
// the first match (spec.md §4.6d: "remaining branches collapse into a single
// Filter(or(...))").
func Or(conditions ...filterable) filterable { return orFilterable(conditions) }

type orFilterable []filterable

func (o orFilterable) BeginFilter() {
	for _, c := range o {
		c.BeginFilter()
	}
}

func (o orFilterable) EndFilter() {
	for _, c := range o {
		c.EndFilter()
	}
}

func (o orFilterable) FilterNode(n Node) (bool, error) {
	for _, c := range o {
		keep, err := c.FilterNode(n)
		if err != nil {
			return false, err
		}
		if keep {
			return true, nil
		}
	}
	return false, nil
}

// FanOut duplicates pushes (never fetch-time rows) to every registered
// branch without deduplication, feeding a disjunction's subquery-containing
// branches (spec.md §4.2). Fetch is a pure passthrough to input: branches
// pull their own relationship data independently and never consume FanOut's
// node stream directly.
type FanOut struct {
	baseOperator
	input    Input
	branches []Input
	fanIn    *FanIn
}

// NewFanOutFanIn constructs a paired FanOut/FanIn for schema; branches are
// attached afterward with AddBranch. The pairing is required because FanIn's
// collapse decision is driven by FanOut's push dispatch finishing (spec.md
// §5 "fanOutDonePushingToAllBranches"), so the two must share state.
func NewFanOutFanIn(schema SourceSchema, input Input) (*FanOut, *FanIn) {
	fanIn := &FanIn{baseOperator: newBaseOperator(), schema: schema}
	fanOut := &FanOut{baseOperator: newBaseOperator(), input: input, fanIn: fanIn}
	input.SetOutput(fanOut)
	return fanOut, fanIn
}

// AddBranch registers branch as one disjunct. Every branch must expose the
// same relationship set as the others (enforced here, per spec.md §4.2,
// as a ProgrammerError on mismatch).
func (f *FanOut) AddBranch(branch Input) {
	if len(f.fanIn.branches) > 0 {
		want := f.fanIn.branches[0].GetSchema().Relationships
		got := branch.GetSchema().Relationships
		if !stringSetEqual(want, got) {
			panic(newProgrammerError("FanIn: branches of a disjunction must share relationship sets", nil))
		}
	}
	f.branches = append(f.branches, branch)
	f.fanIn.branches = append(f.fanIn.branches, branch)
	branch.SetOutput(f.fanIn)
}

func (f *FanOut) GetSchema() SourceSchema { return f.input.GetSchema() }

func (f *FanOut) Destroy() {
	f.destroyOnce(func() {
		for _, b := range f.branches {
			b.Destroy()
		}
		f.input.Destroy()
	})
}

func (f *FanOut) Fetch(req FetchRequest) (Stream[Node], error) { return f.input.Fetch(req) }

func (f *FanOut) BeginFilter() {
	for _, b := range f.branches {
		asFilterable(b).BeginFilter()
	}
}

func (f *FanOut) EndFilter() {
	for _, b := range f.branches {
		asFilterable(b).EndFilter()
	}
}

func (f *FanOut) FilterNode(n Node) (bool, error) { return f.fanIn.FilterNode(n) }

// Push fans change out to every branch, then -- once every branch's push
// stream has been fully drained -- triggers FanIn's collapse (spec.md §5).
func (f *FanOut) Push(change Change) (Stream[struct{}], error) {
	if f.fanIn.roundActive {
		panic(newProgrammerError("FanOut: push re-entrancy before the previous round finished collapsing", nil))
	}
	f.fanIn.roundActive = true
	f.fanIn.roundChanges = nil

	var streams []Stream[struct{}]
	for _, b := range f.branches {
		st, err := b.Push(change)
		if err != nil {
			f.fanIn.roundActive = false
			return nil, err
		}
		streams = append(streams, st)
	}
	merged := Merge(streams...)

	var forward Stream[struct{}]
	return NewStream(func() (StreamItem[struct{}], bool, error) {
		if forward != nil {
			return forward.Next()
		}
		item, ok, err := merged.Next()
		if err != nil {
			return StreamItem[struct{}]{}, false, err
		}
		if ok {
			return item, true, nil
		}
		fs, err := f.fanIn.collapseAndForward()
		if err != nil {
			return StreamItem[struct{}]{}, false, err
		}
		forward = fs
		return forward.Next()
	}, func() error {
		if forward != nil {
			forward.Close()
		}
		return merged.Close()
	}), nil
}

// FanIn merges branches of a disjunction by accumulating one push round's
// worth of branch pushes and collapsing them into at most one change
// forwarded to its own output (spec.md §4.2, §5).
type FanIn struct {
	baseOperator
	branches     []Input
	schema       SourceSchema
	roundActive  bool
	roundChanges []Change
}

func (f *FanIn) GetSchema() SourceSchema { return f.schema }

// Destroy is a no-op: FanOut owns the branches and destroys them.
func (f *FanIn) Destroy() { f.destroyOnce(nil) }

func (f *FanIn) Fetch(req FetchRequest) (Stream[Node], error) {
	if len(f.branches) == 0 {
		return EmptyStream[Node](), nil
	}
	return f.branches[0].Fetch(req)
}

func (f *FanIn) BeginFilter() {
	for _, b := range f.branches {
		asFilterable(b).BeginFilter()
	}
}

func (f *FanIn) EndFilter() {
	for _, b := range f.branches {
		asFilterable(b).EndFilter()
	}
}

func (f *FanIn) FilterNode(n Node) (bool, error) {
	for _, b := range f.branches {
		keep, err := asFilterable(b).FilterNode(n)
		if err != nil {
			return false, err
		}
		if keep {
			return true, nil
		}
	}
	return false, nil
}

// Push buffers change for this round's collapse; it is called only by a
// registered branch (see AddBranch), never directly by FanOut.
func (f *FanIn) Push(change Change) (Stream[struct{}], error) {
	f.roundChanges = append(f.roundChanges, change)
	return EmptyStream[struct{}](), nil
}

func (f *FanIn) collapseAndForward() (Stream[struct{}], error) {
	f.roundActive = false
	collapsed := collapseBranchChanges(f.roundChanges)
	f.roundChanges = nil
	if collapsed == nil || f.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return f.output.Push(*collapsed)
}

// collapseBranchChanges reduces one round's worth of branch-reported changes
// to a single change, preferring add over remove over child over edit: an OR
// only needs to tell its consumer "this row is now visible" (add) even if
// one branch simultaneously reports "not via me" (remove), since another
// branch already made it visible.
func collapseBranchChanges(changes []Change) *Change {
	var best *Change
	rank := func(k ChangeKind) int {
		switch k {
		case ChangeAdd:
			return 4
		case ChangeRemove:
			return 3
		case ChangeChild:
			return 2
		case ChangeEdit:
			return 1
		default:
			return 0
		}
	}
	for i := range changes {
		if best == nil || rank(changes[i].Kind) > rank(best.Kind) {
			c := changes[i]
			best = &c
		}
	}
	return best
}

func stringSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
