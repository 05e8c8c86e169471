package ivm

// FetchRequest is the argument to Input.Fetch (spec.md §6).
type FetchRequest struct {
	// Constraint restricts the fetch to rows matching these column values
	// exactly (used by Take to fetch one partition, by Join to fetch one
	// parent's matching children).
	Constraint map[string]Value
	// Start, if non-nil, is a cursor row: the fetch begins after (or at,
	// depending on the operator) this row in the connected ordering.
	Start Row
	// StartExclusive, when Start is set, controls whether Start itself is
	// included. Skip uses this to implement its exclusive/inclusive modes.
	StartExclusive bool
	// Reverse iterates the connected ordering backwards. Take's backfill
	// after a remove does not need this (it re-fetches the partition forward
	// from its first row), but it is part of the general contract operators
	// may rely on.
	Reverse bool
}

// SourceSchema describes a connected table (spec.md §3 "Source schema").
type SourceSchema struct {
	TableName     string
	Columns       []string
	PrimaryKey    []string
	Sort          []SortKey
	Relationships []string
	IsHidden      bool
	System        SourceSystem
}

// SortKey is one column of an ordering plus its direction.
type SortKey struct {
	Column string
	Desc   bool
}

// SourceSystem classifies a source, per spec.md §3; Exists uses this to pick
// the EXISTS child limit (§4.3).
type SourceSystem string

const (
	SystemClient      SourceSystem = "client"
	SystemServer      SourceSystem = "server"
	SystemPermissions SourceSystem = "permissions"
)

// CompareRows returns the comparator induced by the schema's Sort, as
// spec.md §3 requires ("compareRows is the row comparator induced by sort").
func (s SourceSchema) CompareRows(a, b Row) int {
	for _, key := range s.Sort {
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

// Input is the operator interface every component in spec.md §4 implements
// (spec.md §6). fullyAppliedFilters is exposed only by Source's connected
// Input (see source.go); every other operator simply forwards fetch/push to
// its own input(s).
type Input interface {
	// Fetch returns a lazy ordered stream of nodes matching req.
	Fetch(req FetchRequest) (Stream[Node], error)
	// Push propagates change root-ward, returning a cooperative stream of
	// yield markers; the stream is fully drained by the caller before the
	// next mutation may begin (spec.md §5).
	Push(change Change) (Stream[struct{}], error)
	// SetOutput registers o as this input's (sole, in this engine) output,
	// used for push delivery bookkeeping and for the debug extension.
	SetOutput(o Input)
	// Destroy releases this operator's resources and, if it owns an input
	// exclusively, destroys that input too. Double-destroy is a fatal
	// programming error (spec.md §3).
	Destroy()
	// GetSchema returns the schema this operator exposes downstream.
	GetSchema() SourceSchema

	taggable
}

// baseOperator is embedded by every concrete operator in this package; it
// supplies SetOutput/Destroy bookkeeping and the tagStore, mirroring how the
// teacher's executorBase centralized the fields every executor kind shared.
type baseOperator struct {
	tagStore
	output    Input
	destroyed bool
}

func newBaseOperator() baseOperator {
	return baseOperator{tagStore: newTagStore()}
}

func (b *baseOperator) SetOutput(o Input) { b.output = o }

// destroyOnce runs fn exactly once, panicking with a ProgrammerError on a
// second call -- the "double-destroy is a fatal programming error" rule in
// spec.md §3, applied uniformly so individual operators don't each
// reimplement the guard.
func (b *baseOperator) destroyOnce(fn func()) {
	if b.destroyed {
		panic(newProgrammerError("Destroy called twice on the same operator", nil))
	}
	b.destroyed = true
	if fn != nil {
		fn()
	}
}
