package mcp

import (
	"context"
	"testing"

	"github.com/opsnomad/gatewayd/internal/config"
	"github.com/opsnomad/gatewayd/internal/tools"
)

type fakeTool struct {
	name   string
	result *tools.Result
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "a fake tool for tests" }
func (f *fakeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"arg": map[string]interface{}{"type": "string"},
		},
	}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return f.result
}

func TestNewExposer_BuildsServerFromPopulatedRegistry(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&fakeTool{name: "echo", result: tools.NewResult("ok")})
	reg.Register(&fakeTool{name: "fail", result: tools.ErrorResult("boom")})

	exp := NewExposer(config.McpConfig{}, reg)
	if exp.mcpSrv == nil {
		t.Fatal("NewExposer() did not build an MCP server")
	}
}

func TestExposer_Start_NoopWhenDisabled(t *testing.T) {
	reg := tools.NewRegistry()
	exp := NewExposer(config.McpConfig{Enabled: false}, reg)

	if err := exp.Start(context.Background()); err != nil {
		t.Fatalf("Start() with disabled config = %v, want nil", err)
	}
	if exp.httpSrv != nil {
		t.Error("Start() with disabled config started an http server")
	}
}

func TestExposer_Start_ErrorsWithoutListenAddress(t *testing.T) {
	reg := tools.NewRegistry()
	exp := NewExposer(config.McpConfig{Enabled: true, Listen: ""}, reg)

	if err := exp.Start(context.Background()); err == nil {
		t.Error("Start() with no listen address = nil error, want error")
	}
}

func TestExposer_Stop_NoopWithoutStart(t *testing.T) {
	reg := tools.NewRegistry()
	exp := NewExposer(config.McpConfig{}, reg)

	if err := exp.Stop(context.Background()); err != nil {
		t.Errorf("Stop() without Start() = %v, want nil", err)
	}
}

func TestRawSchema_FallsBackOnUnmarshalableInput(t *testing.T) {
	// A channel value cannot be marshaled to JSON.
	bad := map[string]interface{}{"c": make(chan int)}
	got := rawSchema(bad)
	want := `{"type":"object"}`
	if string(got) != want {
		t.Errorf("rawSchema(unmarshalable) = %s, want %s", got, want)
	}
}

