package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opsnomad/gatewayd/internal/providers"
)

// Tool is the interface every built-in tool implements. Execute is called
// with per-invocation context values (channel, chat id, workspace) injected
// by the turn engine via the WithTool* helpers.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers a deferred tool result back to the turn that
// requested it, for tools that report Async: true.
type AsyncCallback func(toolCallID string, result *Result)

// Registry holds the set of tools available to the turn engine, keyed by
// canonical name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool by canonical name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tool names, sorted for deterministic ordering.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute looks up name and runs it, returning a not-found error result if no
// such tool is registered. ctx carries the per-invocation values (channel,
// chat id, workspace) the turn engine injects via the WithTool* helpers.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(ErrToolNotFound(name).Error())
	}
	if err := validateArgs(tool.Parameters(), args); err != nil {
		return ValidationErrorResult(err.Error())
	}
	return tool.Execute(ctx, args)
}

// validateArgs checks args against a tool's JSON-schema-shaped Parameters()
// before Execute ever sees them: every required property must be present,
// and any property with a declared type must match it. A schema with no
// "required"/"properties" section passes trivially.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required parameter %q", name)
			}
		}
	}

	props, _ := schema["properties"].(map[string]interface{})
	if props == nil {
		return nil
	}
	for name, value := range args {
		propSchema, ok := props[name].(map[string]interface{})
		if !ok {
			continue
		}
		wantType, _ := propSchema["type"].(string)
		if wantType == "" {
			continue
		}
		if !matchesJSONType(value, wantType) {
			return fmt.Errorf("parameter %q: want type %q, got %T", name, wantType, value)
		}
	}
	return nil
}

// matchesJSONType reports whether an already-decoded argument value matches
// a JSON Schema primitive type name.
func matchesJSONType(value interface{}, jsonType string) bool {
	switch jsonType {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		default:
			return false
		}
	case "integer":
		switch v := value.(type) {
		case float64:
			return v == float64(int64(v))
		case int, int64, int32:
			return true
		default:
			return false
		}
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	default:
		return true
	}
}

// ProviderDefs converts every registered tool into its wire schema, for
// callers that bypass the policy engine (e.g. no tool restrictions configured).
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	names := r.List()
	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			defs = append(defs, ToProviderDef(t))
		}
	}
	return defs
}

// ToProviderDef converts a Tool into the wire schema the provider adapters send
// to the LLM.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// SortByPriorityPrefix reorders tool definitions so that names starting with
// one of the given prefixes (in prefix order) sort ahead of the rest. Used
// when a provider caps the number of tool definitions per call and some
// tools must never be dropped by truncation.
func SortByPriorityPrefix(defs []providers.ToolDefinition, prefixes []string) []providers.ToolDefinition {
	if len(prefixes) == 0 {
		return defs
	}
	rank := func(name string) int {
		for i, p := range prefixes {
			if len(name) >= len(p) && name[:len(p)] == p {
				return i
			}
		}
		return len(prefixes)
	}
	sorted := make([]providers.ToolDefinition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rank(sorted[i].Function.Name) < rank(sorted[j].Function.Name)
	})
	return sorted
}

// Truncate caps the number of tool definitions sent to a provider, keeping
// the highest-priority tools (see SortByPriorityPrefix) and reporting how
// many were dropped.
func Truncate(defs []providers.ToolDefinition, max int) ([]providers.ToolDefinition, int) {
	if max <= 0 || len(defs) <= max {
		return defs, 0
	}
	return defs[:max], len(defs) - max
}

// ErrToolNotFound is returned when a requested tool name has no registry entry.
func ErrToolNotFound(name string) error {
	return fmt.Errorf("tool not found: %s", name)
}
