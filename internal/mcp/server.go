// Package mcp exposes the gateway's tool registry as an MCP server, so an
// external MCP-speaking client (an editor, another agent) can call the same
// tools the turn engine calls, without a code change to the engine.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opsnomad/gatewayd/internal/config"
	"github.com/opsnomad/gatewayd/internal/tools"
)

// Exposer serves the tool registry over MCP when enabled in config.
type Exposer struct {
	cfg      config.McpConfig
	registry *tools.Registry
	mcpSrv   *server.MCPServer
	httpSrv  *http.Server
}

// NewExposer builds an Exposer around registry. It registers every tool
// currently in the registry as an MCP tool; tools added after NewExposer is
// called are not picked up (the registry is expected to be fully populated
// before the gateway starts serving).
func NewExposer(cfg config.McpConfig, registry *tools.Registry) *Exposer {
	mcpSrv := server.NewMCPServer("gatewayd", "1.0.0")
	for _, name := range registry.List() {
		t, ok := registry.Get(name)
		if !ok {
			continue
		}
		mcpSrv.AddTool(toMCPTool(t), makeHandler(registry, t.Name()))
	}
	return &Exposer{cfg: cfg, registry: registry, mcpSrv: mcpSrv}
}

// toMCPTool converts a registered tool's wire schema into an mcp.Tool.
func toMCPTool(t tools.Tool) mcp.Tool {
	return mcp.NewToolWithRawSchema(t.Name(), t.Description(), rawSchema(t.Parameters()))
}

func rawSchema(params map[string]interface{}) []byte {
	b, err := json.Marshal(params)
	if err != nil {
		return []byte(`{"type":"object"}`)
	}
	return b
}

func makeHandler(registry *tools.Registry, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		result := registry.Execute(ctx, name, args)
		if result.IsError {
			return mcp.NewToolResultError(result.ForLLM), nil
		}
		return mcp.NewToolResultText(result.ForLLM), nil
	}
}

// Start serves the MCP SSE endpoint at cfg.Listen in a background goroutine.
// It is a no-op if MCP exposure is disabled. Errors after startup are logged,
// not returned, since the listener runs detached from the caller.
func (e *Exposer) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}
	if e.cfg.Listen == "" {
		return fmt.Errorf("mcp: enabled but no listen address configured")
	}
	sse := server.NewSSEServer(e.mcpSrv)
	e.httpSrv = &http.Server{Addr: e.cfg.Listen, Handler: sse}
	go func() {
		slog.Info("mcp server listening", "addr", e.cfg.Listen, "tools", len(e.registry.List()))
		if err := e.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mcp server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the MCP HTTP listener, if one was started.
func (e *Exposer) Stop(ctx context.Context) error {
	if e.httpSrv == nil {
		return nil
	}
	return e.httpSrv.Shutdown(ctx)
}
