package ivm

import (
	"context"
	"sort"
)

// Engine is the top-level orchestration point: it wraps every Fetch/Push
// driven through it with the registered extension chain, mirroring the role
// the teacher's Scope played for Resolve/Update (scope.go), generalized from
// a single-executor cache to the fetch/push protocol of spec.md §6.
type Engine struct {
	tagStore
	extensions []Extension
	graph      *OperatorGraph
	trace      *PushTrace
}

// EngineOption configures an Engine, mirroring the teacher's ScopeOption.
type EngineOption func(*Engine)

// WithExtension registers ext with the Engine, sorted into Order() position.
func WithExtension(ext Extension) EngineOption {
	return func(e *Engine) {
		e.extensions = append(e.extensions, ext)
		sort.SliceStable(e.extensions, func(i, j int) bool {
			return e.extensions[i].Order() < e.extensions[j].Order()
		})
	}
}

// WithEngineGraph attaches the OperatorGraph the engine's builder registered
// edges into, so extensions (graph_debug) can inspect it on error.
func WithEngineGraph(g *OperatorGraph) EngineOption {
	return func(e *Engine) { e.graph = g }
}

// WithPushTrace attaches a bounded push-history ring buffer (pushtrace.go);
// Engine.Push records a root span on it for every top-level push.
func WithPushTrace(limit int) EngineOption {
	return func(e *Engine) { e.trace = NewPushTrace(limit) }
}

// NewEngine constructs an Engine with opts applied in order.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{tagStore: newTagStore()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trace returns the engine's push trace, or nil if WithPushTrace was never
// supplied.
func (e *Engine) Trace() *PushTrace { return e.trace }

// Graph returns the engine's operator graph, or nil if WithEngineGraph was
// never supplied.
func (e *Engine) Graph() *OperatorGraph { return e.graph }

// Fetch drives in.Fetch(req) through the registered extension chain
// (teacher's Resolve: "Apply extensions in reverse order (last registered
// wraps first)").
func (e *Engine) Fetch(ctx context.Context, in Input, req FetchRequest) (Stream[Node], error) {
	op := &Operation{Kind: OpFetch, Name: e.nameOf(in), Input: in}

	next := func() (Stream[Node], error) { return in.Fetch(req) }
	for i := len(e.extensions) - 1; i >= 0; i-- {
		ext := e.extensions[i]
		cur := next
		next = func() (Stream[Node], error) { return ext.WrapFetch(ctx, cur, op) }
	}

	s, err := next()
	if err != nil {
		for _, ext := range e.extensions {
			ext.OnError(err, op)
		}
	}
	return s, err
}

// Push drives in.Push(change) through the extension chain, recording a root
// span on the push trace (if attached) for the whole call -- nested pushes
// an operator issues against its own output (Join, Take, Skip, ...) are
// recorded as children by wrapping those operators with TracedInput at
// builder time (spec.md §6 decorateInput).
func (e *Engine) Push(ctx context.Context, in Input, change Change) (Stream[struct{}], error) {
	op := &Operation{Kind: OpPush, Name: e.nameOf(in), Input: in}

	var rec *PushRecord
	var prevCurrent string
	if e.trace != nil {
		rec = e.trace.begin("", op.Name, change)
		e.trace.mu.Lock()
		prevCurrent = e.trace.current
		e.trace.current = rec.ID
		e.trace.mu.Unlock()
	}

	next := func() (Stream[struct{}], error) { return in.Push(change) }
	for i := len(e.extensions) - 1; i >= 0; i-- {
		ext := e.extensions[i]
		cur := next
		next = func() (Stream[struct{}], error) { return ext.WrapPush(ctx, cur, op) }
	}

	s, err := next()
	if e.trace != nil {
		e.trace.mu.Lock()
		e.trace.current = prevCurrent
		e.trace.mu.Unlock()
		e.trace.end(rec, err)
	}
	if err != nil {
		for _, ext := range e.extensions {
			ext.OnError(err, op)
		}
	}
	return s, err
}

func (e *Engine) nameOf(in Input) string {
	if name, ok := NameTag.Get(in); ok {
		return name
	}
	return "<unnamed>"
}
