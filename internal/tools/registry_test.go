package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/opsnomad/gatewayd/internal/providers"
)

type stubTool struct{ name string }

func (s *stubTool) Name() string                       { return s.name }
func (s *stubTool) Description() string                { return "stub: " + s.name }
func (s *stubTool) Parameters() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (s *stubTool) Execute(context.Context, map[string]interface{}) *Result {
	return NewResult(s.name + " executed")
}

// schemaTool has a non-trivial schema so Execute's argument validation has
// something to check.
type schemaTool struct{}

func (schemaTool) Name() string        { return "schema_tool" }
func (schemaTool) Description() string { return "stub with required/typed params" }
func (schemaTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":  map[string]interface{}{"type": "string"},
			"count": map[string]interface{}{"type": "integer"},
		},
		"required": []string{"path"},
	}
}
func (schemaTool) Execute(context.Context, map[string]interface{}) *Result {
	return NewResult("schema_tool executed")
}

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "b_tool"})
	r.Register(&stubTool{name: "a_tool"})

	if _, ok := r.Get("a_tool"); !ok {
		t.Fatal("Get(a_tool) not found after Register")
	}

	got := r.List()
	want := []string{"a_tool", "b_tool"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q (sorted order)", i, got[i], want[i])
		}
	}
}

func TestRegistry_RegisterReplacesExisting(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "dup"})
	r.Register(&stubTool{name: "dup"})

	if len(r.List()) != 1 {
		t.Errorf("List() = %v, want exactly one entry after re-registering the same name", r.List())
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "gone"})
	r.Unregister("gone")

	if _, ok := r.Get("gone"); ok {
		t.Error("Get(gone) found after Unregister")
	}
}

func TestRegistry_Execute_NotFound(t *testing.T) {
	r := NewRegistry()
	result := r.Execute(context.Background(), "missing", nil)
	if !result.IsError {
		t.Error("Execute(missing tool) IsError = false, want true")
	}
}

func TestRegistry_Execute_Found(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "echo"})
	result := r.Execute(context.Background(), "echo", nil)
	if result.IsError {
		t.Fatalf("Execute(echo) IsError = true, want false")
	}
	if result.ForLLM != "echo executed" {
		t.Errorf("Execute(echo).ForLLM = %q, want %q", result.ForLLM, "echo executed")
	}
}

func TestSortByPriorityPrefix(t *testing.T) {
	defs := []providers.ToolDefinition{
		{Function: providers.ToolFunctionSchema{Name: "web_search"}},
		{Function: providers.ToolFunctionSchema{Name: "sessions_list"}},
		{Function: providers.ToolFunctionSchema{Name: "read_file"}},
	}
	sorted := SortByPriorityPrefix(defs, []string{"sessions_", "read_"})

	want := []string{"sessions_list", "read_file", "web_search"}
	for i, name := range want {
		if sorted[i].Function.Name != name {
			t.Errorf("sorted[%d] = %q, want %q", i, sorted[i].Function.Name, name)
		}
	}
}

func TestSortByPriorityPrefix_NoPrefixesIsNoop(t *testing.T) {
	defs := []providers.ToolDefinition{
		{Function: providers.ToolFunctionSchema{Name: "z"}},
		{Function: providers.ToolFunctionSchema{Name: "a"}},
	}
	sorted := SortByPriorityPrefix(defs, nil)
	if sorted[0].Function.Name != "z" || sorted[1].Function.Name != "a" {
		t.Errorf("SortByPriorityPrefix with no prefixes reordered input: %v", sorted)
	}
}

func TestTruncate(t *testing.T) {
	defs := make([]providers.ToolDefinition, 5)
	for i := range defs {
		defs[i] = providers.ToolDefinition{Function: providers.ToolFunctionSchema{Name: string(rune('a' + i))}}
	}

	got, dropped := Truncate(defs, 3)
	if len(got) != 3 || dropped != 2 {
		t.Errorf("Truncate(5, 3) = (%d defs, %d dropped), want (3, 2)", len(got), dropped)
	}

	got, dropped = Truncate(defs, 0)
	if len(got) != 5 || dropped != 0 {
		t.Errorf("Truncate(5, 0) = (%d defs, %d dropped), want (5, 0) for non-positive max", len(got), dropped)
	}

	got, dropped = Truncate(defs, 10)
	if len(got) != 5 || dropped != 0 {
		t.Errorf("Truncate(5, 10) = (%d defs, %d dropped), want (5, 0) when max exceeds length", len(got), dropped)
	}
}

func TestRegistry_ExecuteRejectsMissingRequiredArg(t *testing.T) {
	r := NewRegistry()
	r.Register(schemaTool{})

	result := r.Execute(context.Background(), "schema_tool", map[string]interface{}{"count": 3})
	if !result.IsError {
		t.Fatalf("Execute with missing required %q = %+v, want IsError", "path", result)
	}
	if !strings.Contains(result.ForLLM, "path") {
		t.Errorf("Execute error message = %q, want it to name the missing parameter", result.ForLLM)
	}
	if result.ForLLM == "schema_tool executed" {
		t.Error("Execute ran the handler despite invalid arguments")
	}
}

func TestRegistry_ExecuteRejectsWrongArgType(t *testing.T) {
	r := NewRegistry()
	r.Register(schemaTool{})

	result := r.Execute(context.Background(), "schema_tool", map[string]interface{}{
		"path":  "x",
		"count": "not-a-number",
	})
	if !result.IsError {
		t.Fatalf("Execute with wrong type for %q = %+v, want IsError", "count", result)
	}
}

func TestRegistry_ExecuteAcceptsValidArgs(t *testing.T) {
	r := NewRegistry()
	r.Register(schemaTool{})

	result := r.Execute(context.Background(), "schema_tool", map[string]interface{}{
		"path":  "x",
		"count": float64(3), // args decoded from JSON arrive as float64
	})
	if result.IsError {
		t.Fatalf("Execute with valid args = %+v, want no error", result)
	}
	if result.ForLLM != "schema_tool executed" {
		t.Errorf("Execute result = %q, want %q", result.ForLLM, "schema_tool executed")
	}
}

func TestRegistry_ExecuteSchemalessToolSkipsValidation(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "plain"})

	result := r.Execute(context.Background(), "plain", map[string]interface{}{"anything": true})
	if result.IsError {
		t.Errorf("Execute on a schema-less tool = %+v, want validation to pass trivially", result)
	}
}
