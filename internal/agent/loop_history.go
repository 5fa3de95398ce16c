package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsnomad/gatewayd/internal/providers"
	"github.com/opsnomad/gatewayd/pkg/protocol"
)

// buildMessages constructs the full message list for an LLM request: system
// prompt, optional summary of earlier history, the trimmed/repaired history
// window, and the current user message.
func (l *Loop) buildMessages(history []providers.Message, summary, userMessage, extraSystemPrompt, channel string, historyLimit int) []providers.Message {
	var messages []providers.Message

	systemPrompt := BuildSystemPrompt(SystemPromptConfig{
		AgentID:     l.id,
		Model:       l.model,
		Workspace:   l.workspace,
		Channel:     channel,
		OwnerIDs:    l.ownerIDs,
		ToolNames:   l.tools.List(),
		ExtraPrompt: extraSystemPrompt,
	})
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})

	if summary != "" {
		messages = append(messages, providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("[Previous conversation summary]\n%s", summary),
		})
		messages = append(messages, providers.Message{
			Role:    "assistant",
			Content: "I understand the context from our previous conversation. How can I help you?",
		})
	}

	trimmed := limitHistoryTurns(history, historyLimit)
	messages = append(messages, sanitizeHistory(trimmed)...)

	messages = append(messages, providers.Message{Role: "user", Content: userMessage})

	return messages
}

// limitHistoryTurns keeps only the last N user turns (and their associated
// assistant/tool messages) from history. A "turn" = one user message plus
// all subsequent non-user messages until the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}

	return msgs
}

// sanitizeHistory repairs tool_use/tool_result pairing in session history.
//
// Problems this fixes:
//   - Orphaned tool messages at start of history (after truncation)
//   - tool_result without matching tool_use in preceding assistant message
//   - assistant with tool_calls but missing tool_results
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start",
			"tool_call_id", msgs[start].ToolCallID)
		start++
	}

	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expectedIDs := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expectedIDs[tc.ID] = true
			}

			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expectedIDs[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expectedIDs, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result",
						"tool_call_id", toolMsg.ToolCallID)
				}
			}

			for id := range expectedIDs {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — session was compacted]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history",
				"tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}

	return result
}

// maybeSummarize compacts session history once it crosses the configured
// token ceiling, replacing the oldest messages with an LLM-generated summary.
func (l *Loop) maybeSummarize(ctx context.Context, sessionKey string) {
	history := l.sessions.GetHistory(sessionKey)

	floor := l.compactionFloor
	if floor <= 0 {
		floor = int(float64(l.contextWindow) * 0.75)
	}
	if EstimateTokens(history) <= floor {
		return
	}

	// Per-session lock: prevent concurrent summarize goroutines for the same
	// session. TryLock is non-blocking — if a summarize is already in flight,
	// skip; the next run re-checks the threshold.
	muI, _ := l.summarizeMu.LoadOrStore(sessionKey, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	if !sessionMu.TryLock() {
		slog.Debug("summarization already in progress, skipping", "session", sessionKey)
		return
	}

	keepLast := l.keepRecent
	if keepLast <= 0 {
		keepLast = 4
	}

	go func() {
		defer sessionMu.Unlock()

		history := l.sessions.GetHistory(sessionKey)
		if len(history) <= keepLast {
			return
		}

		sctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		summary := l.sessions.GetSummary(sessionKey)
		toSummarize := history[:len(history)-keepLast]

		var sb string
		for _, m := range toSummarize {
			switch m.Role {
			case "user":
				sb += fmt.Sprintf("user: %s\n", m.Content)
			case "assistant":
				sb += fmt.Sprintf("assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}

		prompt := "Provide a concise summary of this conversation, preserving key context:\n"
		if summary != "" {
			prompt += "Existing context: " + summary + "\n"
		}
		prompt += "\n" + sb

		resp, err := l.provider.Chat(sctx, providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: prompt}},
			Model:    l.model,
			Options:  map[string]interface{}{providers.OptMaxTokens: 1024, providers.OptTemperature: 0.3},
		})
		if err != nil {
			slog.Warn("summarization failed", "session", sessionKey, "error", err)
			return
		}

		l.sessions.SetSummary(sessionKey, SanitizeAssistantContent(resp.Content))
		l.sessions.TruncateHistory(sessionKey, keepLast)
		l.sessions.IncrementCompaction(sessionKey)
		l.sessions.Save(sessionKey)

		l.emit(AgentEvent{
			Type:    protocol.AgentEventSessionCompact,
			AgentID: l.id,
			Payload: map[string]interface{}{"sessionKey": sessionKey, "keptMessages": keepLast},
		})
	}()
}
