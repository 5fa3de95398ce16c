package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsnomad/gatewayd/internal/agent"
	"github.com/opsnomad/gatewayd/internal/sessions"
	"github.com/opsnomad/gatewayd/internal/store"
	"github.com/opsnomad/gatewayd/pkg/protocol"
)

// registerDefaultMethods installs the handlers every gateway instance
// exposes regardless of which channels or cron jobs are configured.
func registerDefaultMethods(r *MethodRouter, s *Server) {
	r.Register(protocol.MethodConnect, handleConnect)
	r.Register(protocol.MethodHealth, handleHealth)
	r.Register(protocol.MethodStatus, s.handleStatusMethod)

	r.Register(protocol.MethodChatSend, s.handleChatSend)
	r.Register(protocol.MethodChatHistory, s.handleChatHistory)

	r.Register(protocol.MethodSessionsList, s.handleSessionsList)
	r.Register(protocol.MethodSessionsPreview, s.handleSessionsPreview)
	r.Register(protocol.MethodSessionsDelete, s.handleSessionsDelete)
	r.Register(protocol.MethodSessionsReset, s.handleSessionsReset)

	r.Register(protocol.MethodCronList, s.handleCronList)
	r.Register(protocol.MethodCronCreate, s.handleCronCreate)
	r.Register(protocol.MethodCronUpdate, s.handleCronUpdate)
	r.Register(protocol.MethodCronDelete, s.handleCronDelete)
	r.Register(protocol.MethodCronToggle, s.handleCronToggle)
	r.Register(protocol.MethodCronRun, s.handleCronRun)
	r.Register(protocol.MethodCronRuns, s.handleCronRuns)

	// Memory indexing never shipped in this gateway; every memory.* call
	// reports UNKNOWN_METHOD instead of silently no-opping.
}

type connectParams struct {
	Token  string `json:"token"`
	Role   string `json:"role,omitempty"`
	Device string `json:"device,omitempty"`
}

func handleConnect(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p connectParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, NewMethodError(protocol.ErrInvalidFrame, "malformed connect params")
		}
	}
	if c.server.cfg.Gateway.Token != "" && p.Token != c.server.cfg.Gateway.Token {
		return nil, NewMethodError(protocol.ErrAuthInvalid, "invalid token")
	}
	role := p.Role
	if role == "" {
		role = "client"
	}
	c.Authenticate(role, p.Device)
	return map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"agentId":  c.server.cfg.Agent.ID,
		"role":     role,
	}, nil
}

func handleHealth(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	return map[string]string{"status": "ok"}, nil
}

func (s *Server) handleStatusMethod(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()
	return map[string]interface{}{
		"agentId": s.cfg.Agent.ID,
		"clients": clientCount,
	}, nil
}

type chatSendParams struct {
	SessionKey string `json:"sessionKey"`
	Message    string `json:"message"`
	Channel    string `json:"channel,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
	PeerKind   string `json:"peerKind,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

func (s *Server) handleChatSend(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p chatSendParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Message == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "message is required")
	}
	if s.loop == nil {
		return nil, NewMethodError(protocol.ErrInternal, "agent loop is not configured")
	}

	sessionKey := p.SessionKey
	if sessionKey == "" {
		// No explicit key: derive one from channel/chatId under the
		// configured DM scope, same as a channel-delivered message would.
		if p.ChatID == "" {
			return nil, NewMethodError(protocol.ErrMissingParams, "sessionKey or chatId is required")
		}
		kind := sessions.PeerKindFromGroup(p.PeerKind == string(sessions.PeerGroup))
		accountID := sessions.ResolveIdentity(s.cfg.Sessions.IdentityLinks, p.Channel, p.UserID)
		sessionKey = sessions.BuildScopedSessionKey(s.cfg.Agent.ID, p.Channel, kind, p.ChatID, string(s.cfg.Sessions.DMScope), "main", accountID)
	}

	result, err := s.loop.Run(ctx, agent.RunRequest{
		SessionKey: sessionKey,
		Message:    p.Message,
		Channel:    p.Channel,
		ChatID:     p.ChatID,
		PeerKind:   p.PeerKind,
		UserID:     p.UserID,
		RunID:      fmt.Sprintf("ws-%d", time.Now().UnixNano()),
	})
	if err != nil {
		if err == agent.ErrSessionBusy {
			return nil, NewMethodError(protocol.ErrAgentBusy, "session is already processing a turn")
		}
		return nil, NewMethodError(protocol.ErrInternal, err.Error())
	}
	return result, nil
}

type sessionKeyParams struct {
	SessionKey string `json:"sessionKey"`
}

func (s *Server) handleChatHistory(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "sessionKey is required")
	}
	return s.sessions.GetHistory(p.SessionKey), nil
}

func (s *Server) handleSessionsList(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
		Limit   int    `json:"limit,omitempty"`
		Offset  int    `json:"offset,omitempty"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return s.sessions.ListPaged(store.SessionListOpts{AgentID: p.AgentID, Limit: p.Limit, Offset: p.Offset}), nil
}

func (s *Server) handleSessionsPreview(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "sessionKey is required")
	}
	data := s.sessions.GetOrCreate(p.SessionKey)
	return data, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "sessionKey is required")
	}
	if err := s.sessions.Delete(p.SessionKey); err != nil {
		return nil, NewMethodError(protocol.ErrSessionNotFound, err.Error())
	}
	return map[string]bool{"deleted": true}, nil
}

func (s *Server) handleSessionsReset(ctx context.Context, c *Client, raw json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionKey == "" {
		return nil, NewMethodError(protocol.ErrMissingParams, "sessionKey is required")
	}
	s.sessions.Reset(p.SessionKey)
	return map[string]bool{"reset": true}, nil
}
