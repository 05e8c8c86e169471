package ivm

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Source is an ordered mutable set of rows keyed by a primary key (spec.md
// §4.1). It is the single leaf type in the operator graph: every other
// operator's Input is ultimately backed by one or more Sources.
type Source struct {
	mu        sync.RWMutex
	schema    SourceSchema
	rows      map[string]Node // primary-key JSON -> node (row + any relationships the pusher attached)
	connected []*sourceInput
}

// NewSource creates an empty Source with the given schema. schema.Sort is
// the table's natural order as reported by GetSchema; Connect does not fall
// back to it, so every individual connect() call supplies its own ordering
// (spec.md §4.1).
func NewSource(schema SourceSchema) *Source {
	return &Source{schema: schema, rows: make(map[string]Node)}
}

// pkKey returns the canonical storage/cache key for a row: the JSON-encoded
// array of primary-key values in schema order (spec.md §6).
func pkKey(row Row, primaryKey []string) string {
	b, err := json.Marshal(PrimaryKeyValue(row, primaryKey))
	if err != nil {
		panic(newProgrammerError("pkKey: primary-key value is not JSON-encodable", err))
	}
	return string(b)
}

// orderingHasPrimaryKey verifies spec.md §3 invariant 1.
func orderingHasPrimaryKey(ordering []SortKey, primaryKey []string) []string {
	present := make(map[string]bool, len(ordering))
	for _, k := range ordering {
		present[k.Column] = true
	}
	var missing []string
	for _, pk := range primaryKey {
		if !present[pk] {
			missing = append(missing, pk)
		}
	}
	return missing
}

// Connect returns a connected Input iterating in ordering, per spec.md
// §4.1. optionalFilter, if non-nil, is pushed down: rows not matching it are
// never fetched, and pushes of changes not matching it (after considering
// both old and new row for an edit) are suppressed or split exactly as
// Filter (§4.2) would. splitEditKeys lists columns whose change must split
// an incoming edit into remove+add.
func (s *Source) Connect(ordering []SortKey, optionalFilter func(Row) bool, splitEditKeys []string) (Input, error) {
	if missing := orderingHasPrimaryKey(ordering, s.schema.PrimaryKey); len(missing) > 0 {
		return nil, &PlannerError{TableName: s.schema.TableName, Missing: missing}
	}

	schema := s.schema
	schema.Sort = ordering

	ci := &sourceInput{
		baseOperator:  newBaseOperator(),
		source:        s,
		schema:        schema,
		filter:        optionalFilter,
		splitEditKeys: splitEditKeys,
	}

	s.mu.Lock()
	s.connected = append(s.connected, ci)
	s.mu.Unlock()

	return ci, nil
}

// applyMutation validates change against s.rows and applies it, returning a
// ProgrammerError (and leaving s.rows unchanged) when the change does not fit
// the stored rows. Called with s.mu held for writing.
func (s *Source) applyMutation(change Change) error {
	pk := s.schema.PrimaryKey
	switch change.Kind {
	case ChangeAdd:
		key := pkKey(change.Node.Row, pk)
		if _, exists := s.rows[key]; exists {
			return newProgrammerError(fmt.Sprintf("Source.Push: add of row with primary key %s collides with an existing row in %q", key, s.schema.TableName), nil)
		}
		s.rows[key] = change.Node
	case ChangeRemove:
		key := pkKey(change.Node.Row, pk)
		if _, exists := s.rows[key]; !exists {
			return newProgrammerError(fmt.Sprintf("Source.Push: remove of row with primary key %s not present in %q", key, s.schema.TableName), nil)
		}
		delete(s.rows, key)
	case ChangeEdit:
		oldKey := pkKey(*change.OldNode.row(), pk)
		stored, exists := s.rows[oldKey]
		if !exists || !stored.Row.Equal(change.OldNode.Row) {
			return newProgrammerError(fmt.Sprintf("Source.Push: edit's oldRow does not equal the stored row for primary key %s in %q", oldKey, s.schema.TableName), nil)
		}
		newKey := pkKey(change.Node.Row, pk)
		if newKey != oldKey {
			delete(s.rows, oldKey)
		}
		s.rows[newKey] = change.Node
	default:
		return newProgrammerError(fmt.Sprintf("Source.Push: unsupported top-level change kind %s", change.Kind), nil)
	}
	return nil
}

// Push mutates the source and fans the resulting change out to every
// connected input's downstream graph (spec.md §4.1). The returned stream is
// cooperative; the push is not complete until the caller drains it.
func (s *Source) Push(change Change) (Stream[struct{}], error) {
	s.mu.Lock()
	if err := s.applyMutation(change); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	connected := make([]*sourceInput, len(s.connected))
	copy(connected, s.connected)
	s.mu.Unlock()

	var streams []Stream[struct{}]
	for _, ci := range connected {
		if ci.output == nil {
			continue
		}
		for _, outgoing := range ci.transformChange(change) {
			st, err := ci.output.Push(outgoing)
			if err != nil {
				return nil, err
			}
			streams = append(streams, st)
		}
	}
	return Interleave(Merge(streams...), 32), nil
}

// GetSchema returns the source's base schema (natural order, not any one
// connect()'s ordering).
func (s *Source) GetSchema() SourceSchema { return s.schema }

// sourceInput is the Input Connect returns.
type sourceInput struct {
	baseOperator
	source        *Source
	schema        SourceSchema
	filter        func(Row) bool
	splitEditKeys []string
}

// FullyAppliedFilters reports, per spec.md §4.1, whether every structural
// filter condition passed at connect time is enforced at the source. This
// implementation always fully applies the filter it was given, so it is
// unconditionally true.
func (ci *sourceInput) FullyAppliedFilters() bool { return true }

func (ci *sourceInput) GetSchema() SourceSchema { return ci.schema }

func (ci *sourceInput) Destroy() {
	ci.destroyOnce(nil)
}

// Push applies this connected view's own filter/splitEditKeys rules to change
// and forwards the result(s) to its output, mirroring the per-connection loop
// body Source.Push runs for every one of its connected inputs. Source.Push is
// the normal entry point for mutating a table; this exists so sourceInput
// satisfies Input like every other operator in the graph.
func (ci *sourceInput) Push(change Change) (Stream[struct{}], error) {
	if ci.output == nil {
		return EmptyStream[struct{}](), nil
	}
	var streams []Stream[struct{}]
	for _, outgoing := range ci.transformChange(change) {
		st, err := ci.output.Push(outgoing)
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return Interleave(Merge(streams...), 32), nil
}

func (ci *sourceInput) Fetch(req FetchRequest) (Stream[Node], error) {
	ci.source.mu.RLock()
	nodes := make([]Node, 0, len(ci.source.rows))
	for _, node := range ci.source.rows {
		if !matchesConstraint(node.Row, req.Constraint) {
			continue
		}
		if ci.filter != nil && !ci.filter(node.Row) {
			continue
		}
		nodes = append(nodes, node)
	}
	ci.source.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool {
		return ci.schema.CompareRows(nodes[i].Row, nodes[j].Row) < 0
	})

	if req.Start != nil {
		cut := 0
		for cut < len(nodes) {
			c := ci.schema.CompareRows(nodes[cut].Row, req.Start)
			if req.StartExclusive && c <= 0 {
				cut++
				continue
			}
			if !req.StartExclusive && c < 0 {
				cut++
				continue
			}
			break
		}
		nodes = nodes[cut:]
	}

	if req.Reverse {
		for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
			nodes[i], nodes[j] = nodes[j], nodes[i]
		}
	}

	return SliceStream(nodes), nil
}

// transformChange applies this connected input's filter/splitEditKeys rules
// to a raw mutation, returning zero, one, or two changes to forward
// downstream. Only an edit of a splitEditKeys column yields two (remove+add);
// an edit that crosses the filter boundary yields exactly one of
// add/remove/edit, per Filter's own rule in §4.2, which this mirrors for
// source-level pushdown.
func (ci *sourceInput) transformChange(change Change) []Change {
	switch change.Kind {
	case ChangeAdd:
		if ci.filter != nil && !ci.filter(change.Node.Row) {
			return nil
		}
		return []Change{change}
	case ChangeRemove:
		if ci.filter != nil && !ci.filter(change.Node.Row) {
			return nil
		}
		return []Change{change}
	case ChangeEdit:
		if splitKeyChanged(ci.splitEditKeys, change.OldNode.Row, change.Node.Row) {
			var out []Change
			if ci.filter == nil || ci.filter(change.OldNode.Row) {
				out = append(out, NewRemove(*change.OldNode))
			}
			if ci.filter == nil || ci.filter(change.Node.Row) {
				out = append(out, NewAdd(change.Node))
			}
			return out
		}
		if ci.filter == nil {
			return []Change{change}
		}
		oldOK := ci.filter(change.OldNode.Row)
		newOK := ci.filter(change.Node.Row)
		switch {
		case oldOK && newOK:
			return []Change{change}
		case !oldOK && newOK:
			return []Change{NewAdd(change.Node)}
		case oldOK && !newOK:
			return []Change{NewRemove(*change.OldNode)}
		default:
			return nil
		}
	default:
		return []Change{change}
	}
}

func splitKeyChanged(keys []string, oldRow, newRow Row) bool {
	for _, k := range keys {
		if !valuesEqual(oldRow[k], newRow[k]) {
			return true
		}
	}
	return false
}

func matchesConstraint(row Row, constraint map[string]Value) bool {
	for col, want := range constraint {
		if !valuesEqual(row[col], want) {
			return false
		}
	}
	return true
}

// row returns a pointer to n.Row for callers that need the same *Row
// addressing style as change.go's OldNode (helper to keep source.go's
// applyMutation terse).
func (n *Node) row() *Row { return &n.Row }

// newTraceID returns a fresh random UUID string. Nothing in the module calls
// it; pushtrace.go and view.go call uuid.NewString directly.
func newTraceID() string { return uuid.NewString() }
