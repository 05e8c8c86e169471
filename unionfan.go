package ivm

// UnionFanOut/UnionFanIn sit at the boundary where flip-join sub-branches of
// a disjunction rejoin (spec.md §4.2). builder.go does not construct this
// pair: EXISTS conditions inside an OR, flipped or not, go through
// FanOut/FanIn there.
// Unlike FanOut/FanIn, branches here are row-disjoint by construction *in
// the common case* but may still momentarily overlap during a push, so
// UnionFanIn deduplicates adds/removes by probing the other branches.
type UnionFanOut struct {
	baseOperator
	input    Input
	branches []Input
	fanIn    *UnionFanIn
}

// NewUnionFanOutFanIn constructs a paired UnionFanOut/UnionFanIn; branches
// are attached afterward with AddBranch.
func NewUnionFanOutFanIn(schema SourceSchema, input Input) (*UnionFanOut, *UnionFanIn) {
	fanIn := &UnionFanIn{baseOperator: newBaseOperator(), schema: schema}
	fanOut := &UnionFanOut{baseOperator: newBaseOperator(), input: input, fanIn: fanIn}
	input.SetOutput(fanOut)
	return fanOut, fanIn
}

func (u *UnionFanOut) AddBranch(branch Input) {
	idx := len(u.branches)
	u.branches = append(u.branches, branch)
	u.fanIn.branches = append(u.fanIn.branches, branch)
	branch.SetOutput(&unionBranchSink{baseOperator: newBaseOperator(), fanIn: u.fanIn, index: idx})
}

func (u *UnionFanOut) GetSchema() SourceSchema { return u.input.GetSchema() }

func (u *UnionFanOut) Destroy() {
	u.destroyOnce(func() {
		for _, b := range u.branches {
			b.Destroy()
		}
		u.input.Destroy()
	})
}

func (u *UnionFanOut) Fetch(req FetchRequest) (Stream[Node], error) { return u.input.Fetch(req) }

func (u *UnionFanOut) Push(change Change) (Stream[struct{}], error) {
	var streams []Stream[struct{}]
	for _, b := range u.branches {
		st, err := b.Push(change)
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return Merge(streams...), nil
}

// unionBranchSink is what each branch's terminal operator actually holds as
// its output: a thin adapter that tags the push with the branch's index so
// UnionFanIn knows which branch to exclude when probing for duplicates.
type unionBranchSink struct {
	baseOperator
	fanIn *UnionFanIn
	index int
}

func (s *unionBranchSink) GetSchema() SourceSchema { return s.fanIn.schema }
func (s *unionBranchSink) Destroy()                { s.destroyOnce(nil) }
func (s *unionBranchSink) Fetch(req FetchRequest) (Stream[Node], error) {
	return s.fanIn.Fetch(req)
}
func (s *unionBranchSink) Push(change Change) (Stream[struct{}], error) {
	return s.fanIn.pushFrom(s.index, change)
}

// UnionFanIn merges flip-join branches, deduplicating adds/removes via
// cross-branch primary-key probes (spec.md §4.2). Child changes are never
// deduplicated: branches are row-disjoint for children by construction.
type UnionFanIn struct {
	baseOperator
	branches []Input
	schema   SourceSchema
}

func (u *UnionFanIn) GetSchema() SourceSchema { return u.schema }

// Destroy is a no-op: UnionFanOut owns and destroys the branches.
func (u *UnionFanIn) Destroy() { u.destroyOnce(nil) }

// Fetch returns the union of every branch's nodes, deduplicated by primary
// key. Branch order (and therefore relative order across branches) is
// whatever each branch's own sort order produces; cross-branch interleaving
// by the schema's comparator is not attempted here, since branches may be
// driven by different join strategies with no shared cursor to merge on.
func (u *UnionFanIn) Fetch(req FetchRequest) (Stream[Node], error) {
	subs := make([]Stream[Node], 0, len(u.branches))
	for _, b := range u.branches {
		s, err := b.Fetch(req)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	merged := Merge(subs...)
	seen := make(map[string]bool)
	pk := u.schema.PrimaryKey
	return FilterStream(merged, func(n Node) (bool, error) {
		key := pkKey(n.Row, pk)
		if seen[key] {
			return false, nil
		}
		seen[key] = true
		return true, nil
	}), nil
}

// Push is never called directly on UnionFanIn: branches push through the
// per-branch unionBranchSink, which calls pushFrom.
func (u *UnionFanIn) Push(change Change) (Stream[struct{}], error) {
	if u.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return u.output.Push(change)
}

func (u *UnionFanIn) pushFrom(idx int, change Change) (Stream[struct{}], error) {
	switch change.Kind {
	case ChangeAdd:
		dup, err := u.producedByOtherBranch(idx, change.Node.Row)
		if err != nil {
			return nil, err
		}
		if dup {
			return EmptyStream[struct{}](), nil
		}
	case ChangeRemove:
		stillProduced, err := u.producedByOtherBranch(idx, change.Node.Row)
		if err != nil {
			return nil, err
		}
		if stillProduced {
			return EmptyStream[struct{}](), nil
		}
	}
	if u.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return u.output.Push(change)
}

func (u *UnionFanIn) producedByOtherBranch(idx int, row Row) (bool, error) {
	pk := u.schema.PrimaryKey
	constraint := make(map[string]Value, len(pk))
	for _, col := range pk {
		constraint[col] = row[col]
	}
	for i, b := range u.branches {
		if i == idx {
			continue
		}
		s, err := b.Fetch(FetchRequest{Constraint: constraint})
		if err != nil {
			return false, err
		}
		_, found, err := First(s)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}
