package extensions

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/m1gwings/treedrawer/tree"

	ivm "github.com/ivmdb/dataflow"
)

// GraphDebugExtension logs the operator graph's topology when a fetch or
// push fails.
//
// Usage:
//
//	handler := extensions.NewHumanHandler(os.Stdout, slog.LevelError)
//	ext := extensions.NewGraphDebugExtension(graph, handler)
//
//	handler := slog.NewJSONHandler(os.Stdout, nil)
//	ext := extensions.NewGraphDebugExtension(graph, handler)
//
//	ext := extensions.NewGraphDebugExtension(graph, extensions.NewSilentHandler())
type GraphDebugExtension struct {
	ivm.BaseExtension
	graph *ivm.OperatorGraph

	touched map[ivm.Input]bool
	failed  map[ivm.Input]error
	logger  *slog.Logger
}

// NewGraphDebugExtension creates a graph debug extension rendering graph on
// error, through logHandler.
func NewGraphDebugExtension(graph *ivm.OperatorGraph, logHandler slog.Handler) *GraphDebugExtension {
	return &GraphDebugExtension{
		BaseExtension: ivm.NewBaseExtension("graph-debug"),
		graph:         graph,
		touched:       make(map[ivm.Input]bool),
		failed:        make(map[ivm.Input]error),
		logger:        slog.New(logHandler),
	}
}

func (e *GraphDebugExtension) WrapFetch(ctx context.Context, next func() (ivm.Stream[ivm.Node], error), op *ivm.Operation) (ivm.Stream[ivm.Node], error) {
	s, err := next()
	e.record(op.Input, err)
	return s, err
}

func (e *GraphDebugExtension) WrapPush(ctx context.Context, next func() (ivm.Stream[struct{}], error), op *ivm.Operation) (ivm.Stream[struct{}], error) {
	s, err := next()
	e.record(op.Input, err)
	return s, err
}

func (e *GraphDebugExtension) record(in ivm.Input, err error) {
	if err != nil {
		e.failed[in] = err
		return
	}
	e.touched[in] = true
}

// OnError logs the operator graph's topology when an operation fails.
func (e *GraphDebugExtension) OnError(err error, op *ivm.Operation) {
	e.logger.Error("Operator Error",
		"operator", op.Name,
		"error", err.Error(),
		"kind", string(op.Kind),
		"graph", e.formatGraph(op.Input, err),
	)
}

func (e *GraphDebugExtension) formatGraph(failed ivm.Input, failedErr error) string {
	var sb strings.Builder
	edges := e.graph.ExportEdges()

	if len(edges) == 0 {
		sb.WriteString("\n(empty - no operator edges registered)")
		return sb.String()
	}

	if horizontal := e.tryFormatHorizontalTree(edges, failed); horizontal != "" {
		sb.WriteString("\n")
		sb.WriteString(horizontal)
		sb.WriteString("\n")
	}

	sb.WriteString("\nDetailed View:\n")

	type entry struct {
		src      ivm.Input
		name     string
		children []ivm.Input
	}
	entries := make([]entry, 0, len(edges))
	for src, children := range edges {
		entries = append(entries, entry{src: src, name: e.nameOf(src), children: children})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	for _, en := range entries {
		status := ""
		if e.touched[en.src] {
			status = " ✓"
		} else if _, ok := e.failed[en.src]; ok {
			status = " ✗"
		}
		if len(en.children) == 0 {
			sb.WriteString(fmt.Sprintf("  %s%s (no consumers)\n", en.name, status))
			continue
		}
		sb.WriteString(fmt.Sprintf("  %s%s\n", en.name, status))

		sorted := make([]ivm.Input, len(en.children))
		copy(sorted, en.children)
		sort.Slice(sorted, func(i, j int) bool { return e.nameOf(sorted[i]) < e.nameOf(sorted[j]) })

		for i, child := range sorted {
			label := e.nameOf(child)
			switch {
			case child == failed:
				label += " ✗ FAILED"
			case e.touched[child]:
				label += " ✓"
			default:
				if childErr, ok := e.failed[child]; ok {
					label = fmt.Sprintf("%s ✗ (error: %v)", label, childErr)
				}
			}
			prefix := "├─>"
			if i == len(sorted)-1 {
				prefix = "└─>"
			}
			sb.WriteString(fmt.Sprintf("    %s %s\n", prefix, label))
		}
	}

	if failedErr != nil {
		sb.WriteString("\nError Details:\n")
		sb.WriteString(fmt.Sprintf("  Operator: %s\n", e.nameOf(failed)))
		sb.WriteString(fmt.Sprintf("  Error: %v\n", failedErr))
	}

	return sb.String()
}

func (e *GraphDebugExtension) tryFormatHorizontalTree(edges map[ivm.Input][]ivm.Input, failed ivm.Input) string {
	parents := make(map[ivm.Input][]ivm.Input)
	allNodes := make(map[ivm.Input]bool)
	for src, children := range edges {
		allNodes[src] = true
		for _, c := range children {
			allNodes[c] = true
			parents[c] = append(parents[c], src)
		}
	}

	var roots []ivm.Input
	for n := range allNodes {
		if len(parents[n]) == 0 {
			roots = append(roots, n)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return e.nameOf(roots[i]) < e.nameOf(roots[j]) })
	if len(roots) == 0 {
		return ""
	}

	var root *tree.Tree
	if len(roots) == 1 {
		root = e.buildTree(roots[0], edges, failed, make(map[ivm.Input]bool))
	} else {
		root = tree.NewTree(tree.NodeString("Operators"))
		for _, r := range roots {
			if child := e.buildTree(r, edges, failed, make(map[ivm.Input]bool)); child != nil {
				e.addTreeAsChild(root, child)
			}
		}
	}
	if root == nil {
		return ""
	}
	return root.String()
}

func (e *GraphDebugExtension) buildTree(in ivm.Input, edges map[ivm.Input][]ivm.Input, failed ivm.Input, visited map[ivm.Input]bool) *tree.Tree {
	if visited[in] {
		return nil
	}
	visited[in] = true

	label := e.nameOf(in)
	switch {
	case in == failed:
		label += " ✗"
	case e.touched[in]:
		label += " ✓"
	}

	node := tree.NewTree(tree.NodeString(label))
	children := make([]ivm.Input, len(edges[in]))
	copy(children, edges[in])
	sort.Slice(children, func(i, j int) bool { return e.nameOf(children[i]) < e.nameOf(children[j]) })

	for _, c := range children {
		if childTree := e.buildTree(c, edges, failed, visited); childTree != nil {
			e.addTreeAsChild(node, childTree)
		}
	}
	return node
}

func (e *GraphDebugExtension) addTreeAsChild(parent, child *tree.Tree) {
	newChild := parent.AddChild(child.Val())
	for _, grandchild := range child.Children() {
		e.addTreeAsChild(newChild, grandchild)
	}
}

func (e *GraphDebugExtension) nameOf(in ivm.Input) string {
	if name, ok := ivm.NameTag.Get(in); ok {
		return name
	}
	return fmt.Sprintf("operator_%p", in)
}

// SilentHandler discards all log output; useful for tests.
type SilentHandler struct{}

func NewSilentHandler() *SilentHandler { return &SilentHandler{} }

func (h *SilentHandler) Enabled(ctx context.Context, level slog.Level) bool { return false }
func (h *SilentHandler) Handle(ctx context.Context, record slog.Record) error { return nil }
func (h *SilentHandler) WithAttrs(attrs []slog.Attr) slog.Handler             { return h }
func (h *SilentHandler) WithGroup(name string) slog.Handler                  { return h }

// HumanHandler formats log records for human readability, with special
// multi-line treatment for the "Operator Error" record this extension emits.
type HumanHandler struct {
	writer io.Writer
	level  slog.Level
}

func NewHumanHandler(writer io.Writer, level slog.Level) *HumanHandler {
	return &HumanHandler{writer: writer, level: level}
}

func (h *HumanHandler) Enabled(ctx context.Context, level slog.Level) bool { return level >= h.level }

func (h *HumanHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Message == "Operator Error" {
		return h.handleOperatorError(record)
	}
	if _, err := fmt.Fprintf(h.writer, "[%s] %s\n", record.Level, record.Message); err != nil {
		return err
	}
	var writeErr error
	record.Attrs(func(a slog.Attr) bool {
		if _, err := fmt.Fprintf(h.writer, "  %s: %v\n", a.Key, a.Value); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	return writeErr
}

func (h *HumanHandler) handleOperatorError(record slog.Record) error {
	var operator, errorMsg, kind, graph string
	record.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "operator":
			operator = a.Value.String()
		case "error":
			errorMsg = a.Value.String()
		case "kind":
			kind = a.Value.String()
		case "graph":
			graph = a.Value.String()
		}
		return true
	})

	writes := []func() error{
		func() error { _, err := fmt.Fprintln(h.writer); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintln(h.writer, "[GraphDebug] Operator Error"); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "\nFailed Operator: %s\n", operator); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Error: %s\n", errorMsg); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Operation: %s\n", kind); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "\nOperator Graph:%s", graph); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintln(h.writer); return err },
	}
	for _, w := range writes {
		if err := w(); err != nil {
			return err
		}
	}
	return nil
}

func (h *HumanHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *HumanHandler) WithGroup(name string) slog.Handler       { return h }
