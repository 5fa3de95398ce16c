package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsnomad/gatewayd/internal/bus"
	"github.com/opsnomad/gatewayd/internal/config"
	"github.com/opsnomad/gatewayd/internal/providers"
	"github.com/opsnomad/gatewayd/internal/store"
	"github.com/opsnomad/gatewayd/internal/tools"
	"github.com/opsnomad/gatewayd/pkg/protocol"
)

// ErrSessionBusy is returned by Run when a session is already processing a
// turn. A session is locked for the duration of one Run call; a second
// chat.send on the same session key fails fast instead of racing the
// transcript the first run is still writing to.
var ErrSessionBusy = errors.New("session is already processing a turn")

// Loop is the agent execution loop for one agent instance.
// Think -> Act -> Observe cycle with tool execution.
type Loop struct {
	id            string
	provider      providers.Provider
	model         string
	contextWindow int
	maxIterations int
	workspace     string
	thinkingLevel string

	eventPub bus.EventPublisher
	sessions store.SessionStore

	tools           *tools.Registry
	toolPolicy      *tools.PolicyEngine    // optional: filters tools sent to LLM
	agentToolPolicy *config.ToolPolicySpec // nil = no per-agent restrictions

	// Catalogue-size cap applied when a provider limits how many tool
	// definitions it accepts per call. 0 = unbounded.
	maxToolsPerCall int
	priorityPrefix  []string

	activeRuns atomic.Int32 // number of currently executing runs

	// Per-session processing lock: a session is locked for the duration of
	// one Run call. A concurrent Run on the same session key fails fast with
	// ErrSessionBusy instead of interleaving writes to the same transcript.
	sessionLocks sync.Map // sessionKey -> *sync.Mutex

	// Per-session summarization lock: prevents concurrent summarize goroutines
	// for the same session.
	summarizeMu sync.Map // sessionKey -> *sync.Mutex

	ownerIDs []string

	// Compaction thresholds (see SessionsConfig.CompactionFloor/KeepRecent).
	compactionFloor int
	keepRecent      int

	// Event callback for broadcasting agent events (run.started, chunk, tool.call, etc.)
	onEvent func(event AgentEvent)

	maxMessageChars int // 0 = use default (32000)
}

// AgentEvent is emitted during agent execution for WS broadcasting.
type AgentEvent struct {
	Type    string      `json:"type"` // "run.started", "run.completed", "run.failed", "chunk", "tool.call", "tool.result"
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string
	ContextWindow int
	MaxIterations int
	Workspace     string
	ThinkingLevel string // "off", "low", "medium", "high"

	Bus      bus.EventPublisher
	Sessions store.SessionStore

	Tools           *tools.Registry
	ToolPolicy      *tools.PolicyEngine
	AgentToolPolicy *config.ToolPolicySpec
	OnEvent         func(AgentEvent)

	MaxToolsPerCall int
	PriorityPrefix  []string

	OwnerIDs []string

	CompactionFloor int
	KeepRecent      int

	MaxMessageChars int // 0 = use default (32000)
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}

	return &Loop{
		id:              cfg.ID,
		provider:        cfg.Provider,
		model:           cfg.Model,
		contextWindow:   cfg.ContextWindow,
		maxIterations:   cfg.MaxIterations,
		workspace:       cfg.Workspace,
		thinkingLevel:   cfg.ThinkingLevel,
		eventPub:        cfg.Bus,
		sessions:        cfg.Sessions,
		tools:           cfg.Tools,
		toolPolicy:      cfg.ToolPolicy,
		agentToolPolicy: cfg.AgentToolPolicy,
		onEvent:         cfg.OnEvent,
		ownerIDs:        cfg.OwnerIDs,
		compactionFloor: cfg.CompactionFloor,
		keepRecent:      cfg.KeepRecent,
		maxMessageChars: cfg.MaxMessageChars,
		maxToolsPerCall: cfg.MaxToolsPerCall,
		priorityPrefix:  cfg.PriorityPrefix,
	}
}

// RunRequest is the input for processing a message through the agent.
type RunRequest struct {
	SessionKey        string // composite key: agent:{agentId}:{channel}:{peerKind}:{chatId}
	Message           string // user message
	Channel           string // source channel
	ChatID            string // source chat ID
	PeerKind          string // "direct" or "group"
	RunID             string // unique run identifier
	UserID            string // external user ID for multi-tenant scoping
	Stream            bool   // whether to stream response chunks
	ExtraSystemPrompt string // optional: injected into system prompt
	HistoryLimit      int    // max user turns to keep in context (0=unlimited)
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}

// Run processes a single message through the agent loop.
// It blocks until completion and returns the final response.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	muI, _ := l.sessionLocks.LoadOrStore(req.SessionKey, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	if !sessionMu.TryLock() {
		return nil, ErrSessionBusy
	}
	defer sessionMu.Unlock()

	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	l.emit(AgentEvent{Type: protocol.AgentEventRunStarted, AgentID: l.id, RunID: req.RunID})

	ctx, span := l.startAgentSpan(ctx, req)
	runStart := time.Now().UTC()
	result, err := l.runLoop(ctx, req)
	finishAgentSpan(span, result, err)

	if err != nil {
		evType := protocol.AgentEventRunFailed
		if ctx.Err() != nil {
			// Caller cancelled the turn (client disconnect, explicit abort,
			// or process shutdown) — this is an abort, not a failure.
			evType = protocol.AgentEventRunAborted
		}
		l.emit(AgentEvent{
			Type:    evType,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	_ = runStart
	l.emit(AgentEvent{Type: protocol.AgentEventRunCompleted, AgentID: l.id, RunID: req.RunID})
	return result, nil
}

func (l *Loop) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	// Security: truncate oversized user messages gracefully (feed truncation
	// notice into the LLM instead of rejecting outright).
	maxChars := l.maxMessageChars
	if maxChars <= 0 {
		maxChars = 32_000
	}
	if len(req.Message) > maxChars {
		originalLen := len(req.Message)
		req.Message = req.Message[:maxChars] +
			fmt.Sprintf("\n\n[System: Message was truncated from %d to %d characters due to size limit.]",
				originalLen, maxChars)
		slog.Warn("agent.message_truncated", "agent", l.id, "original_len", originalLen, "truncated_to", maxChars)
	}

	// Cache the agent's context window on the session (first run only) so
	// readers of the session metadata see the real value.
	if l.sessions.GetContextWindow(req.SessionKey) <= 0 {
		l.sessions.SetContextWindow(req.SessionKey, l.contextWindow)
	}
	if req.UserID != "" {
		l.sessions.SetAgentInfo(req.SessionKey, store.GenNewID(), req.UserID)
	}

	history := l.sessions.GetHistory(req.SessionKey)
	summary := l.sessions.GetSummary(req.SessionKey)

	messages := l.buildMessages(history, summary, req.Message, req.ExtraSystemPrompt, req.Channel, req.HistoryLimit)

	// Buffer new messages — write to the session only after the run completes,
	// so concurrent runs never see each other's in-progress messages.
	var pendingMsgs []providers.Message
	pendingMsgs = append(pendingMsgs, providers.Message{Role: "user", Content: req.Message})

	ctx = tools.WithToolChannel(ctx, req.Channel)
	ctx = tools.WithToolChatID(ctx, req.ChatID)
	ctx = tools.WithToolPeerKind(ctx, req.PeerKind)
	ctx = tools.WithToolSessionKey(ctx, req.SessionKey)
	ctx = tools.WithToolAgentID(ctx, l.id)
	if l.workspace != "" {
		ctx = tools.WithToolWorkspace(ctx, l.workspace)
	}
	ctx = providers.WithRetryHook(ctx, func(attempt, maxAttempts int, err error) {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunRetrying,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{
				"attempt":     fmt.Sprintf("%d", attempt),
				"maxAttempts": fmt.Sprintf("%d", maxAttempts),
				"error":       err.Error(),
			},
		})
	})

	var loopDetector toolLoopState // detects repeated no-progress tool calls
	var totalUsage providers.Usage
	iteration := 0
	var finalContent string

	for iteration < l.maxIterations {
		iteration++

		slog.Debug("agent iteration", "agent", l.id, "iteration", iteration, "messages", len(messages))

		var toolDefs []providers.ToolDefinition
		if l.toolPolicy != nil {
			toolDefs = l.toolPolicy.FilterTools(l.tools, l.id, l.provider.Name(), l.agentToolPolicy, nil)
		} else {
			toolDefs = l.tools.ProviderDefs()
		}
		if l.maxToolsPerCall > 0 && len(toolDefs) > l.maxToolsPerCall {
			var dropped int
			toolDefs, dropped = tools.Truncate(tools.SortByPriorityPrefix(toolDefs, l.priorityPrefix), l.maxToolsPerCall)
			slog.Debug("agent tool catalogue truncated", "agent", l.id, "cap", l.maxToolsPerCall, "dropped", dropped)
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   8192,
				providers.OptTemperature: 0.7,
			},
		}
		if l.thinkingLevel != "" && l.thinkingLevel != "off" {
			if tc, ok := l.provider.(providers.ThinkingCapable); ok && tc.SupportsThinking() {
				chatReq.Options[providers.OptThinkingLevel] = l.thinkingLevel
			} else {
				slog.Debug("thinking_level ignored: provider does not support thinking",
					"provider", l.provider.Name(), "level", l.thinkingLevel)
			}
		}

		var resp *providers.ChatResponse
		var err error

		llmSpanStart := time.Now().UTC()

		if req.Stream {
			resp, err = l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
				if chunk.Thinking != "" {
					l.emit(AgentEvent{
						Type:    protocol.ChatEventThinking,
						AgentID: l.id,
						RunID:   req.RunID,
						Payload: map[string]string{"content": chunk.Thinking},
					})
				}
				if chunk.Content != "" {
					l.emit(AgentEvent{
						Type:    protocol.ChatEventChunk,
						AgentID: l.id,
						RunID:   req.RunID,
						Payload: map[string]string{"content": chunk.Content},
					})
				}
			})
		} else {
			resp, err = l.provider.Chat(ctx, chatReq)
		}

		if err != nil {
			l.emitLLMSpan(ctx, llmSpanStart, iteration, messages, nil, err)
			return nil, fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}

		l.emitLLMSpan(ctx, llmSpanStart, iteration, messages, resp, nil)

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		assistantMsg := providers.Message{
			Role:                 "assistant",
			Content:              resp.Content,
			ToolCalls:            resp.ToolCalls,
			RawAssistantContent:  resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)
		pendingMsgs = append(pendingMsgs, assistantMsg)

		var loopStuck bool
		if len(resp.ToolCalls) == 1 {
			// Single tool: sequential, no goroutine overhead.
			tc := resp.ToolCalls[0]
			msgs, stuck, content := l.runOneTool(ctx, req, tc, &loopDetector)
			messages = append(messages, msgs...)
			pendingMsgs = append(pendingMsgs, msgs...)
			if stuck {
				finalContent = content
				loopStuck = true
			}
		} else {
			msgs, stuck, content := l.runToolsParallel(ctx, req, resp.ToolCalls, &loopDetector)
			messages = append(messages, msgs...)
			pendingMsgs = append(pendingMsgs, msgs...)
			if stuck {
				finalContent = content
				loopStuck = true
			}
		}
		if loopStuck {
			break
		}
	}

	if iteration >= l.maxIterations && finalContent == "" {
		finalContent = "I reached the iteration limit for this turn. Ask me to continue if more work is needed."
		l.sessions.SetCompactionRequired(req.SessionKey, true)
	}

	finalContent = SanitizeAssistantContent(finalContent)
	isSilent := IsSilentReply(finalContent)

	if finalContent == "" {
		finalContent = "..."
	}

	pendingMsgs = append(pendingMsgs, providers.Message{Role: "assistant", Content: finalContent})

	for _, msg := range pendingMsgs {
		l.sessions.AddMessage(req.SessionKey, msg)
	}

	l.sessions.UpdateMetadata(req.SessionKey, l.model, l.provider.Name(), req.Channel)
	l.sessions.AccumulateTokens(req.SessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))
	if totalUsage.PromptTokens > 0 {
		msgCount := len(history) + len(pendingMsgs)
		l.sessions.SetLastPromptTokens(req.SessionKey, totalUsage.PromptTokens, msgCount)
	}
	l.sessions.Save(req.SessionKey)
	l.emit(AgentEvent{
		Type:    protocol.AgentEventSessionUpdate,
		AgentID: l.id,
		RunID:   req.RunID,
		Payload: map[string]interface{}{"sessionKey": req.SessionKey},
	})

	if isSilent {
		slog.Info("agent loop: NO_REPLY detected, suppressing delivery", "agent", l.id, "session", req.SessionKey)
		finalContent = ""
	}

	l.maybeSummarize(ctx, req.SessionKey)

	return &RunResult{
		Content:    finalContent,
		RunID:      req.RunID,
		Iterations: iteration,
		Usage:      &totalUsage,
	}, nil
}

// runOneTool executes a single tool call sequentially and returns the
// messages to append (assistant's tool call is appended by the caller;
// this returns only the tool result message plus any loop-warning message).
func (l *Loop) runOneTool(ctx context.Context, req RunRequest, tc providers.ToolCall, loopDetector *toolLoopState) (msgs []providers.Message, stuck bool, stuckContent string) {
	l.emit(AgentEvent{
		Type:    protocol.AgentEventToolCall,
		AgentID: l.id,
		RunID:   req.RunID,
		Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID},
	})

	argsJSON, _ := json.Marshal(tc.Arguments)
	slog.Info("tool call", "agent", l.id, "tool", tc.Name, "args_len", len(argsJSON))

	argsHash := loopDetector.record(tc.Name, tc.Arguments)

	toolSpanStart := time.Now().UTC()
	result := l.tools.Execute(ctx, tc.Name, tc.Arguments)
	l.emitToolSpan(ctx, toolSpanStart, tc.Name, tc.ID, string(argsJSON), result)

	loopDetector.recordResult(argsHash, result.ForLLM)

	if result.IsError {
		errMsg := result.ForLLM
		if len(errMsg) > 200 {
			errMsg = errMsg[:200] + "..."
		}
		slog.Warn("tool error", "agent", l.id, "tool", tc.Name, "error", errMsg)
	}

	l.emit(AgentEvent{
		Type:    protocol.AgentEventToolResult,
		AgentID: l.id,
		RunID:   req.RunID,
		Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID, "is_error": result.IsError},
	})

	msgs = append(msgs, providers.Message{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID})

	if level, msg := loopDetector.detect(tc.Name, argsHash); level != "" {
		if level == "critical" {
			slog.Warn("tool loop critical", "agent", l.id, "tool", tc.Name, "message", msg)
			return msgs, true, "I was unable to complete this task — I got stuck repeatedly calling " + tc.Name + " without making progress. Please try rephrasing your request."
		}
		slog.Warn("tool loop warning", "agent", l.id, "tool", tc.Name, "message", msg)
		msgs = append(msgs, providers.Message{Role: "user", Content: msg})
	}

	return msgs, false, ""
}

// runToolsParallel executes multiple tool calls concurrently (tool instances
// are immutable and context-scoped, so concurrent access is safe) then
// replays the results in original call order for deterministic transcripts.
func (l *Loop) runToolsParallel(ctx context.Context, req RunRequest, calls []providers.ToolCall, loopDetector *toolLoopState) (msgs []providers.Message, stuck bool, stuckContent string) {
	type indexedResult struct {
		idx       int
		tc        providers.ToolCall
		result    *tools.Result
		argsJSON  string
		spanStart time.Time
	}

	for _, tc := range calls {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventToolCall,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID},
		})
	}

	resultCh := make(chan indexedResult, len(calls))
	var wg sync.WaitGroup

	for i, tc := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			argsJSON, _ := json.Marshal(tc.Arguments)
			slog.Info("tool call", "agent", l.id, "tool", tc.Name, "args_len", len(argsJSON), "parallel", true)
			spanStart := time.Now().UTC()
			result := l.tools.Execute(ctx, tc.Name, tc.Arguments)
			resultCh <- indexedResult{idx: idx, tc: tc, result: result, argsJSON: string(argsJSON), spanStart: spanStart}
		}(i, tc)
	}

	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexedResult, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	for _, r := range collected {
		l.emitToolSpan(ctx, r.spanStart, r.tc.Name, r.tc.ID, r.argsJSON, r.result)

		argsHash := loopDetector.record(r.tc.Name, r.tc.Arguments)
		loopDetector.recordResult(argsHash, r.result.ForLLM)

		if r.result.IsError {
			errMsg := r.result.ForLLM
			if len(errMsg) > 200 {
				errMsg = errMsg[:200] + "..."
			}
			slog.Warn("tool error", "agent", l.id, "tool", r.tc.Name, "error", errMsg)
		}

		l.emit(AgentEvent{
			Type:    protocol.AgentEventToolResult,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]interface{}{"name": r.tc.Name, "id": r.tc.ID, "is_error": r.result.IsError},
		})

		msgs = append(msgs, providers.Message{Role: "tool", Content: r.result.ForLLM, ToolCallID: r.tc.ID})

		if level, msg := loopDetector.detect(r.tc.Name, argsHash); level != "" {
			if level == "critical" {
				slog.Warn("tool loop critical", "agent", l.id, "tool", r.tc.Name, "message", msg)
				return msgs, true, "I was unable to complete this task — I got stuck repeatedly calling " + r.tc.Name + " without making progress. Please try rephrasing your request."
			}
			slog.Warn("tool loop warning", "agent", l.id, "tool", r.tc.Name, "message", msg)
			msgs = append(msgs, providers.Message{Role: "user", Content: msg})
		}
	}

	return msgs, false, ""
}
