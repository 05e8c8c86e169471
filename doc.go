// Package ivm implements an incremental view-maintenance dataflow engine: a
// graph of operators that can answer a query both by pulling a full ordered
// result (Fetch) and by being told about one row-level change and pushing
// the consequence upward (Push), without ever re-running the query.
//
// # Overview
//
// An ivm graph is built from three layers:
//
//  1. Sources: the leaves, each backed by one table's rows (source.go)
//  2. Operators: Filter, Join, FlippedJoin, Take, FanOut/FanIn, Exists, Skip
//     (FanOut/FanIn share filter.go with Filter; the others each have their
//     own file), composed bottom-up from a Plan by a Builder
//  3. Views: a hierarchical, refcounted materialization of an operator's
//     output kept live by Push (view.go)
//
// # Basic Usage
//
// Build a graph from a Plan and materialize it into a View:
//
//	src := ivm.NewSource(ivm.SourceSchema{
//	    PrimaryKey: []string{"id"},
//	    Sort:       []ivm.SortKey{{Column: "id"}},
//	})
//
//	delegate := myDelegate{sources: map[string]*ivm.Source{"orders": src}}
//	builder := ivm.NewBuilder(delegate)
//
//	root, err := builder.Build(ivm.Plan{
//	    Table: "orders",
//	    Where: &ivm.Condition{
//	        Kind:      ivm.ConditionPredicate,
//	        Predicate: func(r ivm.Row) bool { return r["status"] == "open" },
//	    },
//	})
//
//	view, err := ivm.NewView(root, ivm.ViewSchema{PrimaryKey: []string{"id"}})
//
// # Pushing Changes
//
// A Source.Push call propagates root-ward through every operator the
// builder wired above it; the View at the top applies the resulting Change
// to its in-memory tree without ever re-fetching:
//
//	_, err := src.Push(ivm.NewAdd(ivm.Node{Row: ivm.Row{"id": 1, "status": "open"}}))
//	entries := view.Entries() // reflects the new row, no re-query
//
// # Engine and Extensions
//
// An Engine wraps every Fetch/Push driven through it with a chain of
// Extensions -- cross-cutting concerns like logging or tracing -- the same
// reverse-order middleware technique a teacher framework once applied to
// executor resolution, here applied to the fetch/push protocol instead:
//
//	engine := ivm.NewEngine(
//	    ivm.WithExtension(extensions.NewLoggingExtension(logger)),
//	    ivm.WithEngineGraph(graph),
//	    ivm.WithPushTrace(256),
//	)
//
//	stream, err := engine.Fetch(ctx, root, ivm.FetchRequest{})
//	in, err := src.Connect([]ivm.SortKey{{Column: "id"}}, nil, nil)
//	_, err = engine.Push(ctx, in, change)
//
// # Tags
//
// Tags provide type-safe metadata attached to operators, primarily so
// debugging extensions can name otherwise-anonymous Input values:
//
//	nameTag := ivm.NewTag[string]("my.custom.tag")
//	ivm.NameTag.Set(root, "orders-open")
//	name, ok := ivm.NameTag.Get(root)
//
// # Streams
//
// Every Fetch/Push result is a Stream: a cooperative, next()-style iterator
// over real items interleaved with yield markers, so a long scan can pause
// between items without blocking on I/O or spawning a goroutine. Consume,
// First, and Count drain one for callers that don't participate in
// cooperative scheduling; SkipYields filters the markers out for a caller
// that only wants the real items.
//
// # Storage
//
// Take persists its scratch state through the storage.Store contract rather
// than reaching for a database directly -- storage.NewMemStore for tests and
// demos, storage.OpenSQLiteStore for anything that needs to survive a
// restart. Exists keeps its per-scan cache in memory.
//
// # Debugging
//
// extensions.GraphDebugExtension renders the operator graph (as a tree, via
// github.com/m1gwings/treedrawer, followed by a detailed textual listing) whenever
// a fetch or push fails, so a broken pipeline can be inspected without
// attaching a debugger.
package ivm
