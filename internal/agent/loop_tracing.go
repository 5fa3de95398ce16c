package agent

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsnomad/gatewayd/internal/providers"
	"github.com/opsnomad/gatewayd/internal/tools"
)

var tracer = otel.Tracer("gatewayd/agent")

func (l *Loop) emit(event AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

// ID returns the agent's identifier.
func (l *Loop) ID() string { return l.id }

// Model returns the model identifier for this agent loop.
func (l *Loop) Model() string { return l.model }

// IsRunning returns whether the agent is currently processing.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// startAgentSpan opens the root span for one Run call. Every LLM and tool
// span created during the run is a child of it.
func (l *Loop) startAgentSpan(ctx context.Context, req RunRequest) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("agent.id", l.id),
			attribute.String("agent.model", l.model),
			attribute.String("agent.run_id", req.RunID),
			attribute.String("session.key", req.SessionKey),
			attribute.String("channel", req.Channel),
		),
	)
}

func finishAgentSpan(span trace.Span, result *RunResult, runErr error) {
	defer span.End()
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
		return
	}
	span.SetAttributes(attribute.Int("agent.iterations", result.Iterations))
	if result.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", result.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", result.Usage.CompletionTokens),
		)
	}
}

// emitLLMSpan records one LLM call as a child span of the active trace.
func (l *Loop) emitLLMSpan(ctx context.Context, start time.Time, iteration int, messages []providers.Message, resp *providers.ChatResponse, callErr error) {
	_, span := tracer.Start(ctx, "llm.call",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("llm.provider", l.provider.Name()),
			attribute.String("llm.model", l.model),
			attribute.Int("llm.iteration", iteration),
			attribute.Int("llm.input_messages", len(messages)),
		),
	)
	defer span.End(trace.WithTimestamp(time.Now()))

	if callErr != nil {
		span.SetStatus(codes.Error, callErr.Error())
		return
	}
	if resp == nil {
		return
	}
	span.SetAttributes(attribute.String("llm.finish_reason", resp.FinishReason))
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
			attribute.Int("llm.cache_read_tokens", resp.Usage.CacheReadTokens),
			attribute.Int("llm.cache_creation_tokens", resp.Usage.CacheCreationTokens),
		)
	}
	span.AddEvent("response", trace.WithAttributes(
		attribute.String("preview", truncateStr(resp.Content, 500)),
	))
}

// emitToolSpan records one tool execution as a child span of the active trace.
func (l *Loop) emitToolSpan(ctx context.Context, start time.Time, toolName, toolCallID, input string, result *tools.Result) {
	_, span := tracer.Start(ctx, "tool.call",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("tool.call_id", toolCallID),
			attribute.String("tool.input_preview", truncateStr(input, 500)),
		),
	)
	defer span.End(trace.WithTimestamp(time.Now()))

	span.SetAttributes(attribute.String("tool.output_preview", truncateStr(result.ForLLM, 500)))
	if result.IsError {
		span.SetStatus(codes.Error, truncateStr(result.ForLLM, 200))
	}
	if result.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.prompt_tokens", result.Usage.PromptTokens),
			attribute.Int("llm.completion_tokens", result.Usage.CompletionTokens),
			attribute.String("llm.provider", result.Provider),
			attribute.String("llm.model", result.Model),
		)
	}
}

func truncateStr(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}

// EstimateTokens returns a rough token estimate for a slice of messages.
// Used for summarization thresholds.
func EstimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += utf8.RuneCountInString(m.Content) / 3
	}
	return total
}
