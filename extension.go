package ivm

import "context"

// OperationKind distinguishes the two protocols an Extension can wrap
// (spec.md §2: fetch and push).
type OperationKind string

const (
	OpFetch OperationKind = "fetch"
	OpPush  OperationKind = "push"
)

// Operation describes one fetch or push in flight, passed to an Extension's
// Wrap hooks and to OnError.
type Operation struct {
	Kind  OperationKind
	Name  string
	Input Input
}

// Extension provides cross-cutting hooks around every Fetch/Push an Engine
// drives (logging, tracing, metrics), mirroring the teacher's middleware
// chain but applied to the Input protocol instead of Executor resolve/
// update.
type Extension interface {
	Name() string
	// Order determines wrap ordering (lower runs outermost).
	Order() int
	WrapFetch(ctx context.Context, next func() (Stream[Node], error), op *Operation) (Stream[Node], error)
	WrapPush(ctx context.Context, next func() (Stream[struct{}], error), op *Operation) (Stream[struct{}], error)
	OnError(err error, op *Operation)
}

// BaseExtension supplies default no-op hooks; extensions embed it and
// override only what they need.
type BaseExtension struct {
	name string
}

func NewBaseExtension(name string) BaseExtension { return BaseExtension{name: name} }

func (e BaseExtension) Name() string { return e.name }
func (e BaseExtension) Order() int   { return 100 }

func (e BaseExtension) WrapFetch(ctx context.Context, next func() (Stream[Node], error), op *Operation) (Stream[Node], error) {
	return next()
}

func (e BaseExtension) WrapPush(ctx context.Context, next func() (Stream[struct{}], error), op *Operation) (Stream[struct{}], error) {
	return next()
}

func (e BaseExtension) OnError(err error, op *Operation) {}
