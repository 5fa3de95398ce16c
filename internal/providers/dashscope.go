package providers

import (
	"context"
	"log/slog"
)

const (
	dashscopeDefaultBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeDefaultModel = "qwen3-max"

	// dashscopeThinkingFraction is the share of the turn's MaxTokens handed
	// to the reasoning budget when thinking_level is set but the caller
	// leaves the budget to us.
	dashscopeThinkingFraction = 0.25
)

// DashScopeProvider adapts OpenAIProvider to DashScope's OpenAI-compatible
// endpoint for the gateway's single configured agent. DashScope does NOT
// support tools + streaming in the same request, so ChatStream falls back
// to a one-shot Chat call whenever the turn carries tool definitions.
type DashScopeProvider struct {
	*OpenAIProvider
	maxTokens int
}

// NewDashScopeProvider builds a provider bound to the agent's default model
// and token budget; maxTokens drives the thinking-budget scaling below.
// agentID, if non-empty, is stamped on every request as the "user" field.
func NewDashScopeProvider(apiKey, apiBase, defaultModel string, maxTokens int, agentID ...string) *DashScopeProvider {
	if apiBase == "" {
		apiBase = dashscopeDefaultBase
	}
	if defaultModel == "" {
		defaultModel = dashscopeDefaultModel
	}
	budget := 16384
	if maxTokens > 0 {
		budget = maxTokens
	}
	base := NewOpenAIProvider("dashscope", apiKey, apiBase, defaultModel)
	if len(agentID) > 0 && agentID[0] != "" {
		base = base.WithAgentID(agentID[0])
	}
	return &DashScopeProvider{
		OpenAIProvider: base,
		maxTokens:      budget,
	}
}

func (p *DashScopeProvider) Name() string          { return "dashscope" }
func (p *DashScopeProvider) SupportsThinking() bool { return true }

// ChatStream maps the turn's generic thinking_level onto DashScope's
// enable_thinking/thinking_budget pair, then either streams normally or,
// when tools are attached to the request, runs a non-streaming Chat and
// synthesizes the chunk callbacks the caller expects.
func (p *DashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		opts := make(map[string]interface{}, len(req.Options)+2)
		for k, v := range req.Options {
			opts[k] = v
		}
		opts[OptEnableThinking] = true
		if _, set := opts[OptThinkingBudget]; !set {
			opts[OptThinkingBudget] = p.thinkingBudget(level)
		}
		delete(opts, OptThinkingLevel) // generic key, not part of DashScope's wire schema
		req.Options = opts
	}

	if len(req.Tools) > 0 {
		slog.Debug("dashscope: tool-enabled turn, dropping to non-streaming chat", "model", req.Model)
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if onChunk != nil {
			if resp.Thinking != "" {
				onChunk(StreamChunk{Thinking: resp.Thinking})
			}
			if resp.Content != "" {
				onChunk(StreamChunk{Content: resp.Content})
			}
			onChunk(StreamChunk{Done: true})
		}
		return resp, nil
	}
	return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
}

// thinkingBudget maps a turn's thinking_level to a token budget scaled off
// the agent's configured MaxTokens, clamped to DashScope's practical range.
func (p *DashScopeProvider) thinkingBudget(level string) int {
	base := int(float64(p.maxTokens) * dashscopeThinkingFraction)
	switch level {
	case "low":
		if base/4 < 1024 {
			return 1024
		}
		return base / 4
	case "high":
		if base*2 > 32768 {
			return 32768
		}
		return base * 2
	default: // "medium" or unrecognized
		if base < 2048 {
			return 2048
		}
		if base > 16384 {
			return 16384
		}
		return base
	}
}
