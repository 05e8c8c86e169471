package ivm

// Skip drops nodes relative to a reference row (spec.md §4.2). exclusive
// follows the spec's own naming: exclusive=false drops refRow itself along
// with everything before it (output is strictly after refRow); exclusive=
// true keeps refRow (output is refRow and everything after).
type Skip struct {
	baseOperator
	input     Input
	refRow    Row
	exclusive bool
}

// NewSkip wraps input, registering itself as input's output. refRow may be
// nil for "no skip" (output is all of input, unaffected).
func NewSkip(input Input, refRow Row, exclusive bool) *Skip {
	s := &Skip{baseOperator: newBaseOperator(), input: input, refRow: refRow, exclusive: exclusive}
	input.SetOutput(s)
	return s
}

func (s *Skip) GetSchema() SourceSchema { return s.input.GetSchema() }

func (s *Skip) Destroy() { s.destroyOnce(func() { s.input.Destroy() }) }

func (s *Skip) Fetch(req FetchRequest) (Stream[Node], error) {
	effectiveStart := s.refRow
	// FetchRequest.StartExclusive=true means "exclude Start"; spec's
	// exclusive=true means "keep refRow", i.e. include it -- the inverse.
	effectiveExclusive := !s.exclusive

	if req.Start != nil {
		schema := s.input.GetSchema()
		switch c := schema.CompareRows(req.Start, effectiveStart); {
		case effectiveStart == nil || c > 0:
			effectiveStart = req.Start
			effectiveExclusive = req.StartExclusive
		case c == 0 && req.StartExclusive:
			effectiveExclusive = true
		}
	}

	merged := req
	merged.Start = effectiveStart
	merged.StartExclusive = effectiveExclusive
	return s.input.Fetch(merged)
}

func (s *Skip) qualifies(row Row) bool {
	if s.refRow == nil {
		return true
	}
	c := s.input.GetSchema().CompareRows(row, s.refRow)
	if s.exclusive {
		return c >= 0
	}
	return c > 0
}

func (s *Skip) Push(change Change) (Stream[struct{}], error) {
	out := s.transform(change)
	if out == nil || s.output == nil {
		return EmptyStream[struct{}](), nil
	}
	return s.output.Push(*out)
}

func (s *Skip) transform(change Change) *Change {
	switch change.Kind {
	case ChangeAdd, ChangeRemove, ChangeChild:
		if s.qualifies(change.Node.Row) {
			return &change
		}
		return nil
	case ChangeEdit:
		oldOK := s.qualifies(change.OldNode.Row)
		newOK := s.qualifies(change.Node.Row)
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
