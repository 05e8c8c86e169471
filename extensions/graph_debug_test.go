package extensions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"log/slog"

	ivm "github.com/ivmdb/dataflow"
)

// stubInput is a minimal ivm.Input used only to exercise GraphDebugExtension
// against a hand-built operator graph, without going through Builder/Source.
type stubInput struct {
	baseOperator
	fetchErr error
	pushErr  error
}

func (s *stubInput) GetSchema() ivm.SourceSchema                     { return ivm.SourceSchema{} }
func (s *stubInput) Destroy()                                       {}
func (s *stubInput) Fetch(req ivm.FetchRequest) (ivm.Stream[ivm.Node], error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return ivm.EmptyStream[ivm.Node](), nil
}
func (s *stubInput) Push(change ivm.Change) (ivm.Stream[struct{}], error) {
	if s.pushErr != nil {
		return nil, s.pushErr
	}
	return ivm.EmptyStream[struct{}](), nil
}

// baseOperator isn't exported by the ivm package, so stubInput embeds the
// smallest local stand-in satisfying ivm.Input's SetOutput/tag requirements.
type baseOperator struct {
	output ivm.Input
	tags   map[any]any
}

func (b *baseOperator) SetOutput(o ivm.Input) { b.output = o }
func (b *baseOperator) GetTag(tag any) (any, bool) {
	v, ok := b.tags[tag]
	return v, ok
}
func (b *baseOperator) SetTag(tag any, val any) {
	if b.tags == nil {
		b.tags = make(map[any]any)
	}
	b.tags[tag] = val
}

func newStub(name string) *stubInput {
	s := &stubInput{}
	ivm.NameTag.Set(s, name)
	return s
}

func TestGraphDebugExtension_OnError(t *testing.T) {
	var buf bytes.Buffer
	handler := NewHumanHandler(io.MultiWriter(&buf, os.Stdout), slog.LevelError)

	graph := ivm.NewOperatorGraph()
	storage := newStub("Storage")
	service := newStub("UserService")
	service.fetchErr = errors.New("type assertion failed: expected *User, got *string")
	graph.AddEdge(storage, service)

	ext := NewGraphDebugExtension(graph, handler)
	engine := ivm.NewEngine(ivm.WithExtension(ext), ivm.WithEngineGraph(graph))

	_, err := engine.Fetch(context.Background(), service, ivm.FetchRequest{})
	if err == nil {
		t.Fatal("expected error but got nil")
	}

	output := buf.String()
	if !strings.Contains(output, strings.Repeat("=", 70)) {
		t.Error("expected separator line")
	}
	if !strings.Contains(output, "[GraphDebug] Operator Error") {
		t.Error("expected '[GraphDebug] Operator Error' header")
	}
	if !strings.Contains(output, "Failed Operator: UserService") {
		t.Error("expected 'Failed Operator: UserService'")
	}
	if !strings.Contains(output, "Error: type assertion failed") {
		t.Error("expected error message in human-readable format")
	}
	if !strings.Contains(output, "Operation: fetch") {
		t.Error("expected 'Operation: fetch'")
	}
	if !strings.Contains(output, "Operator Graph:") {
		t.Error("expected 'Operator Graph:' section")
	}
	if !strings.Contains(output, "Storage") {
		t.Error("expected 'Storage' in the rendered graph")
	}
	if !strings.Contains(output, "Error Details:") {
		t.Error("expected 'Error Details:' section")
	}
}

func TestGraphDebugExtension_TracksTouchedOperators(t *testing.T) {
	graph := ivm.NewOperatorGraph()
	storage := newStub("Storage")
	service := newStub("Service")
	graph.AddEdge(storage, service)

	ext := NewGraphDebugExtension(graph, NewSilentHandler())
	engine := ivm.NewEngine(ivm.WithExtension(ext), ivm.WithEngineGraph(graph))

	if _, err := engine.Fetch(context.Background(), storage, ivm.FetchRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := engine.Fetch(context.Background(), service, ivm.FetchRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !ext.touched[storage] {
		t.Error("expected storage to be tracked as touched")
	}
	if !ext.touched[service] {
		t.Error("expected service to be tracked as touched")
	}
}

func TestGraphDebugExtension_ExportEdges(t *testing.T) {
	graph := ivm.NewOperatorGraph()
	config := newStub("Config")
	storage := newStub("Storage")
	service := newStub("Service")
	graph.AddEdge(config, service)
	graph.AddEdge(storage, service)

	edges := graph.ExportEdges()

	configDeps, hasConfig := edges[config]
	if !hasConfig {
		t.Fatal("expected config in exported edges")
	}
	if !containsInput(configDeps, service) {
		t.Error("expected service to be a dependent of config")
	}

	storageDeps, hasStorage := edges[storage]
	if !hasStorage {
		t.Fatal("expected storage in exported edges")
	}
	if !containsInput(storageDeps, service) {
		t.Error("expected service to be a dependent of storage")
	}
}

func containsInput(edges []ivm.Input, target ivm.Input) bool {
	for _, e := range edges {
		if e == target {
			return true
		}
	}
	return false
}

func TestGraphDebugExtension_GetOperatorName(t *testing.T) {
	graph := ivm.NewOperatorGraph()
	ext := NewGraphDebugExtension(graph, NewSilentHandler())

	named := newStub("NamedOperator")
	if name := ext.nameOf(named); name != "NamedOperator" {
		t.Errorf("expected 'NamedOperator', got '%s'", name)
	}

	unnamed := &stubInput{}
	if name := ext.nameOf(unnamed); !strings.HasPrefix(name, "operator_") {
		t.Errorf("expected name to start with 'operator_', got '%s'", name)
	}
}

func TestSilentHandler(t *testing.T) {
	handler := NewSilentHandler()

	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected SilentHandler to be disabled for Debug level")
	}
	if handler.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected SilentHandler to be disabled for Error level")
	}
	if err := handler.Handle(context.Background(), slog.Record{}); err != nil {
		t.Errorf("expected Handle to return nil, got %v", err)
	}
	if withAttrs := handler.WithAttrs([]slog.Attr{}); withAttrs != handler {
		t.Error("expected WithAttrs to return self")
	}
	if withGroup := handler.WithGroup("test"); withGroup != handler {
		t.Error("expected WithGroup to return self")
	}

	graph := ivm.NewOperatorGraph()
	failing := newStub("FailingOperator")
	failing.fetchErr = errors.New("intentional error")
	ext := NewGraphDebugExtension(graph, handler)
	engine := ivm.NewEngine(ivm.WithExtension(ext), ivm.WithEngineGraph(graph))

	if _, err := engine.Fetch(context.Background(), failing, ivm.FetchRequest{}); err == nil {
		t.Error("expected error from failing operator")
	}
}

func TestGraphDebugExtension_ComplexGraph(t *testing.T) {
	handler := NewHumanHandler(os.Stdout, slog.LevelError)
	graph := ivm.NewOperatorGraph()

	appConfig := newStub("AppConfig")
	dbConfig := newStub("DBConfig")
	database := newStub("Database")
	userRepo := newStub("UserRepository")
	orderRepo := newStub("OrderRepository")
	orderRepo.fetchErr = errors.New("database connection timeout")
	userService := newStub("UserService")
	orderService := newStub("OrderService")
	apiGateway := newStub("APIGateway")

	graph.AddEdge(dbConfig, database)
	graph.AddEdge(database, userRepo)
	graph.AddEdge(database, orderRepo)
	graph.AddEdge(userRepo, userService)
	graph.AddEdge(orderRepo, orderService)
	graph.AddEdge(userService, apiGateway)
	graph.AddEdge(orderService, apiGateway)
	graph.AddEdge(appConfig, apiGateway)

	ext := NewGraphDebugExtension(graph, handler)
	engine := ivm.NewEngine(ivm.WithExtension(ext), ivm.WithEngineGraph(graph))

	if _, err := engine.Fetch(context.Background(), dbConfig, ivm.FetchRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := engine.Fetch(context.Background(), orderRepo, ivm.FetchRequest{}); err == nil {
		t.Fatal("expected error from orderRepo")
	}

	t.Log("rendered graph with a mid-tree failure above")
}
