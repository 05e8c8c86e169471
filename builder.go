package ivm

import (
	"fmt"

	"github.com/ivmdb/dataflow/storage"
)

// Plan is the minimal query-plan AST the Builder walks (spec.md §6: "the
// interfaces the core consumes"). The real AST/wire-protocol type system and
// the join-order planner are out of scope (spec.md §1); Plan is deliberately
// thin -- just enough structure for the six-step algorithm in spec.md §4.6.
type Plan struct {
	Alias          string
	Table          string
	Ordering       []SortKey
	Where          *Condition
	Start          Row
	StartExclusive bool
	Limit          int
	Related        []RelatedPlan
}

// RelatedPlan attaches a nested relationship (spec.md §4.6.4f: "for each
// related subquery, recurse and attach a Join").
type RelatedPlan struct {
	RelationshipName string
	ParentKey        []string
	ChildKey         []string
	Plan             Plan
}

// ConditionKind enumerates the where-clause shapes the Builder understands.
type ConditionKind int

const (
	ConditionPredicate ConditionKind = iota
	ConditionAnd
	ConditionOr
	ConditionExists
)

// Condition is a node of a where-clause tree. Predicate leaves carry a plain
// Go predicate (the engine does not evaluate arbitrary expressions, spec.md
// §1 Non-goals); Exists leaves describe a correlated sub-condition.
type Condition struct {
	Kind      ConditionKind
	Predicate func(Row) bool
	Operands  []*Condition // And, Or

	// Exists only:
	RelationshipName string
	ParentKey        []string
	ChildKey         []string
	Child            *Plan
	Negate           bool // true for NOT EXISTS
	Flipped          bool // planner decided this EXISTS should use FlippedJoin
}

// Delegate is the source-delegate interface spec.md §6 describes: external
// collaborators the Builder consumes without owning.
type Delegate interface {
	GetSource(tableName string) (*Source, bool)
	CreateStorage(name string) storage.Store
	DecorateInput(input Input, name string) Input
	DecorateFilterInput(input Input, name string) Input
	DecorateSourceInput(input Input, name string) Input
	AddEdge(src, dst Input)
	EnableNotExists() bool
}

// BaseDelegate is embedded by delegates that don't need to customize every
// hook; DecorateInput/DecorateFilterInput/DecorateSourceInput default to
// identity and EnableNotExists defaults to false (server-only feature,
// spec.md §7).
type BaseDelegate struct{}

func (BaseDelegate) DecorateInput(input Input, name string) Input       { return input }
func (BaseDelegate) DecorateFilterInput(input Input, name string) Input { return input }
func (BaseDelegate) DecorateSourceInput(input Input, name string) Input { return input }
func (BaseDelegate) AddEdge(src, dst Input)                             {}
func (BaseDelegate) EnableNotExists() bool                              { return false }

// BuilderOption configures a Builder, mirroring the teacher's ScopeOption
// pattern (NewScope(WithScopeTag(...), WithExtension(...))).
type BuilderOption func(*Builder)

// WithMaxFlippableJoins caps the number of FlippedJoins a single plan may
// request (spec.md §7 FeatureMaxFlippableJoins); zero means unlimited.
func WithMaxFlippableJoins(max int) BuilderOption {
	return func(b *Builder) { b.maxFlippableJoins = max }
}

// WithGraph attaches an OperatorGraph the Builder registers every
// constructed edge into (spec.md §6 "addEdge").
func WithGraph(g *OperatorGraph) BuilderOption {
	return func(b *Builder) { b.graph = g }
}

// Builder turns a Plan into an operator graph (spec.md §4.6).
type Builder struct {
	delegate          Delegate
	graph             *OperatorGraph
	maxFlippableJoins int
	flippedJoinCount  int
	aliasSeq          int
}

// NewBuilder constructs a Builder against delegate.
func NewBuilder(delegate Delegate, opts ...BuilderOption) *Builder {
	b := &Builder{delegate: delegate}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build runs the full six-step algorithm of spec.md §4.6 and returns the root
// operator of the constructed graph.
func (b *Builder) Build(plan Plan) (Input, error) {
	plan = uniquifyAliases(plan, map[string]int{})

	if !b.delegate.EnableNotExists() {
		if err := assertNoNotExists(plan.Where); err != nil {
			return nil, err
		}
	}

	return b.buildNode(plan, nil)
}

// assertNoNotExists walks where (spec.md §4.6: "before step 4d") and rejects
// NOT EXISTS unless the delegate enabled it.
func assertNoNotExists(cond *Condition) error {
	if cond == nil {
		return nil
	}
	switch cond.Kind {
	case ConditionExists:
		if cond.Negate {
			return newNotExistsOnClientError()
		}
		return assertNoNotExists(cond.Child.Where)
	case ConditionAnd, ConditionOr:
		for _, op := range cond.Operands {
			if err := assertNoNotExists(op); err != nil {
				return err
			}
		}
	}
	return nil
}

// uniquifyAliases implements spec.md §4.6 step 5: every alias inside a
// where-containing correlated subquery is uniquified to avoid collisions
// introduced by flipping. seen is shared by the whole walk and tracks every
// alias met so far anywhere in the plan; a colliding alias is suffixed with
// "#N".
func uniquifyAliases(plan Plan, seen map[string]int) Plan {
	if n, ok := seen[plan.Alias]; ok {
		n++
		seen[plan.Alias] = n
		plan.Alias = fmt.Sprintf("%s#%d", plan.Alias, n)
	} else {
		seen[plan.Alias] = 0
	}

	plan.Where = uniquifyCondition(plan.Where, seen)

	related := make([]RelatedPlan, len(plan.Related))
	for i, r := range plan.Related {
		r.Plan = uniquifyAliases(r.Plan, seen)
		related[i] = r
	}
	plan.Related = related
	return plan
}

func uniquifyCondition(cond *Condition, seen map[string]int) *Condition {
	if cond == nil {
		return nil
	}
	out := *cond
	switch cond.Kind {
	case ConditionAnd, ConditionOr:
		ops := make([]*Condition, len(cond.Operands))
		for i, op := range cond.Operands {
			ops[i] = uniquifyCondition(op, seen)
		}
		out.Operands = ops
	case ConditionExists:
		childPlan := uniquifyAliases(*cond.Child, seen)
		out.Child = &childPlan
	}
	return &out
}

// buildNode implements spec.md §4.6 step 4 for one AST node. partitionKey, if
// non-nil, is the join-key columns of the relationship this node was reached
// through, so its own Take is partition-aware per-parent.
func (b *Builder) buildNode(plan Plan, partitionKey []string) (Input, error) {
	source, ok := b.delegate.GetSource(plan.Table)
	if !ok {
		return nil, fmt.Errorf("builder: unknown table %q (alias %q)", plan.Table, plan.Alias)
	}
	schema := source.GetSchema()

	ordering := completeOrdering(plan.Ordering, schema.PrimaryKey)

	flatPred, remaining := extractFlatPredicate(plan.Where)
	splitEditKeys := splitEditKeySet(plan, remaining)

	connected, err := source.Connect(ordering, flatPred, splitEditKeys)
	if err != nil {
		return nil, err
	}
	current := b.decorate(connected, plan.Alias+":source", b.delegate.DecorateSourceInput)

	if plan.Start != nil {
		current = NewSkip(current, plan.Start, plan.StartExclusive)
		current = b.decorate(current, plan.Alias+":skip", b.delegate.DecorateInput)
	}

	current, err = b.attachExistsJoins(current, remaining, schema.System)
	if err != nil {
		return nil, err
	}

	current, err = b.applyFilterPipeline(current, remaining, plan.Alias)
	if err != nil {
		return nil, err
	}

	if plan.Limit > 0 {
		store := b.delegate.CreateStorage(plan.Alias + ":take")
		current = NewTake(current, plan.Limit, partitionKey, store)
		current = b.decorate(current, plan.Alias+":take", b.delegate.DecorateInput)
	}

	for _, rel := range plan.Related {
		childInput, err := b.buildNode(rel.Plan, rel.ChildKey)
		if err != nil {
			return nil, err
		}
		current = NewJoin(current, childInput, rel.RelationshipName, rel.ParentKey, rel.ChildKey)
		current = b.decorate(current, plan.Alias+":"+rel.RelationshipName, b.delegate.DecorateInput)
	}

	NameTag.Set(current, plan.Alias)
	return current, nil
}

func (b *Builder) decorate(in Input, name string, hook func(Input, string) Input) Input {
	out := in
	if hook != nil {
		out = hook(in, name)
	}
	if b.graph != nil {
		b.graph.AddEdge(in, out)
	}
	b.delegate.AddEdge(in, out)
	return out
}

// completeOrdering implements spec.md §4.6 step 2: complete each node's
// ordering to include its primary key, appending any primary-key column
// not already present.
func completeOrdering(ordering []SortKey, primaryKey []string) []SortKey {
	present := make(map[string]bool, len(ordering))
	for _, k := range ordering {
		present[k.Column] = true
	}
	out := make([]SortKey, len(ordering))
	copy(out, ordering)
	for _, pk := range primaryKey {
		if !present[pk] {
			out = append(out, SortKey{Column: pk})
		}
	}
	return out
}

// extractFlatPredicate pulls the top-level conjunction of pure predicates out
// of cond so they can be pushed down to the source at connect time (spec.md
// §4.6.4a: "connect with ordering, where, ..."). Anything that isn't a flat
// AND-of-predicates (Or, Exists, or a predicate nested under Or) is returned
// unconsumed as remaining, to be applied later by the filter sub-pipeline.
func extractFlatPredicate(cond *Condition) (pred func(Row) bool, remaining *Condition) {
	if cond == nil {
		return nil, nil
	}
	switch cond.Kind {
	case ConditionPredicate:
		return cond.Predicate, nil
	case ConditionAnd:
		var preds []func(Row) bool
		var rest []*Condition
		for _, op := range cond.Operands {
			if op.Kind == ConditionPredicate {
				preds = append(preds, op.Predicate)
			} else {
				rest = append(rest, op)
			}
		}
		var flat func(Row) bool
		if len(preds) > 0 {
			flat = func(row Row) bool {
				for _, p := range preds {
					if !p(row) {
						return false
					}
				}
				return true
			}
		}
		if len(rest) == 0 {
			return flat, nil
		}
		if len(rest) == 1 {
			return flat, rest[0]
		}
		return flat, &Condition{Kind: ConditionAnd, Operands: rest}
	default:
		return nil, cond
	}
}

// splitEditKeySet computes the union of every outgoing join-key field plus
// every parent-join-key involved in an EXISTS sub-condition in where
// (spec.md §4.6.4a).
func splitEditKeySet(plan Plan, where *Condition) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(cols []string) {
		for _, c := range cols {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	for _, rel := range plan.Related {
		add(rel.ParentKey)
	}
	collectExistsParentKeys(plan.Where, add)
	return out
}

func collectExistsParentKeys(cond *Condition, add func([]string)) {
	if cond == nil {
		return
	}
	switch cond.Kind {
	case ConditionExists:
		add(cond.ParentKey)
	case ConditionAnd, ConditionOr:
		for _, op := range cond.Operands {
			collectExistsParentKeys(op, add)
		}
	}
}

// attachExistsJoins implements spec.md §4.6.4c: for each EXISTS correlated
// sub-condition in where, attach a child-side pipeline with a child-limit
// Take via a Join. Flipped ones get a FlippedJoin instead; the filter
// sub-pipeline applied afterwards still places an Exists for every EXISTS
// condition, flipped or not, and that Exists gates parent-side changes.
func (b *Builder) attachExistsJoins(current Input, cond *Condition, system SourceSystem) (Input, error) {
	if cond == nil {
		return current, nil
	}
	switch cond.Kind {
	case ConditionExists:
		return b.attachOneExistsJoin(current, cond, system)
	case ConditionAnd:
		for _, op := range cond.Operands {
			var err error
			current, err = b.attachExistsJoins(current, op, system)
			if err != nil {
				return nil, err
			}
		}
		return current, nil
	case ConditionOr:
		// Joins for EXISTS conditions nested inside an OR are attached here,
		// on the single shared current, before the OR is partitioned into
		// FanOut branches in applyFilterPipeline -- each branch then only
		// needs to gate on the relationship already present on the node,
		// never attach its own Join.
		for _, op := range cond.Operands {
			var err error
			current, err = b.attachExistsJoins(current, op, system)
			if err != nil {
				return nil, err
			}
		}
		return current, nil
	default:
		return current, nil
	}
}

func (b *Builder) attachOneExistsJoin(current Input, cond *Condition, system SourceSystem) (Input, error) {
	limit := existsChildLimit(system)
	childPlan := *cond.Child
	childPlan.Limit = limit
	childInput, err := b.buildNode(childPlan, cond.ChildKey)
	if err != nil {
		return nil, err
	}

	if cond.Flipped {
		if b.maxFlippableJoins > 0 && b.flippedJoinCount >= b.maxFlippableJoins {
			return nil, newMaxFlippableJoinsError(b.flippedJoinCount+1, b.maxFlippableJoins)
		}
		b.flippedJoinCount++
		fj := NewFlippedJoin(current, childInput, cond.RelationshipName, cond.ParentKey, cond.ChildKey)
		return b.decorate(fj, cond.RelationshipName+":flipped", b.delegate.DecorateInput), nil
	}

	j := NewJoin(current, childInput, cond.RelationshipName, cond.ParentKey, cond.ChildKey)
	return b.decorate(j, cond.RelationshipName+":join", b.delegate.DecorateInput), nil
}

// applyFilterPipeline implements spec.md §4.6.4d: apply where as a filter
// sub-pipeline. Disjunctions split their branches: subquery-containing
// branches go through a FanOut/FanIn pair, remaining branches collapse into
// one Filter(Or(...)).
func (b *Builder) applyFilterPipeline(current Input, cond *Condition, alias string) (Input, error) {
	if cond == nil {
		return current, nil
	}

	start := NewFilterStart(current)
	inner, err := b.buildFilterCondition(start, cond, alias)
	if err != nil {
		return nil, err
	}
	end := NewFilterEnd(inner)
	return b.decorate(end, alias+":filter", b.delegate.DecorateFilterInput), nil
}

func (b *Builder) buildFilterCondition(current Input, cond *Condition, alias string) (Input, error) {
	if cond == nil {
		return current, nil
	}
	switch cond.Kind {
	case ConditionPredicate:
		return NewFilter(current, cond.Predicate), nil
	case ConditionAnd:
		for _, op := range cond.Operands {
			var err error
			current, err = b.buildFilterCondition(current, op, alias)
			if err != nil {
				return nil, err
			}
		}
		return current, nil
	case ConditionExists:
		parentPK := current.GetSchema().PrimaryKey
		return NewExists(current, cond.RelationshipName, cond.ParentKey, parentPK, cond.Negate), nil
	case ConditionOr:
		return b.buildOr(current, cond, alias)
	default:
		return current, nil
	}
}

// buildOr partitions an OR's operands: subquery-containing operands (those
// with an Exists anywhere inside) go through a FanOut/FanIn pair, each
// branch built independently off the shared FanOut; pure-predicate operands
// collapse into a single filterable Or.
func (b *Builder) buildOr(current Input, cond *Condition, alias string) (Input, error) {
	var subqueryBranches, plainBranches []*Condition
	for _, op := range cond.Operands {
		if containsExists(op) {
			subqueryBranches = append(subqueryBranches, op)
		} else {
			plainBranches = append(plainBranches, op)
		}
	}

	if len(subqueryBranches) == 0 {
		filters := make([]filterable, len(plainBranches))
		for i, op := range plainBranches {
			filters[i] = predicateFilterable(op.Predicate)
		}
		return NewFilter(current, func(row Row) bool {
			keep, _ := Or(filters...).FilterNode(Node{Row: row})
			return keep
		}), nil
	}

	fanOut, fanIn := NewFanOutFanIn(current.GetSchema(), current)
	for i, op := range subqueryBranches {
		// Joins for any EXISTS inside op were already attached to current by
		// attachExistsJoins before the OR was reached (spec.md §4.6.4c); each
		// branch here only needs to gate on the relationship that is already
		// present on the node.
		branch, err := b.buildFilterCondition(trivialInput{current}, op, fmt.Sprintf("%s:or%d", alias, i))
		if err != nil {
			return nil, err
		}
		fanOut.AddBranch(branch)
	}
	if len(plainBranches) > 0 {
		filters := make([]filterable, len(plainBranches))
		for i, op := range plainBranches {
			filters[i] = predicateFilterable(op.Predicate)
		}
		fanOut.AddBranch(NewFilter(trivialInput{current}, func(row Row) bool {
			keep, _ := Or(filters...).FilterNode(Node{Row: row})
			return keep
		}))
	}
	return b.decorate(fanIn, alias+":orfanin", b.delegate.DecorateFilterInput), nil
}

func containsExists(cond *Condition) bool {
	if cond == nil {
		return false
	}
	switch cond.Kind {
	case ConditionExists:
		return true
	case ConditionAnd, ConditionOr:
		for _, op := range cond.Operands {
			if containsExists(op) {
				return true
			}
		}
	}
	return false
}

type predicateFilterable func(Row) bool

func (p predicateFilterable) BeginFilter()                  {}
func (p predicateFilterable) EndFilter()                    {}
func (p predicateFilterable) FilterNode(n Node) (bool, error) { return p(n.Row), nil }

// trivialInput lets a FanOut branch Filter/Exists chain start from the same
// underlying Input as the shared FanOut without re-registering SetOutput (a
// branch's chain must not overwrite current's single output slot -- the
// FanOut already holds that).
type trivialInput struct{ Input }

func (t trivialInput) SetOutput(Input) {}
