package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Config is the root configuration for the gateway orchestrator.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Tools     ToolsConfig     `json:"tools"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Cron      CronConfig      `json:"cron"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Mcp       McpConfig       `json:"mcp,omitempty"`
	Bindings  []AgentBinding  `json:"bindings,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig identifies the agent this gateway instance drives and its
// model defaults. Session keys are built from Agent.ID (see internal/sessions).
type AgentConfig struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Workspace         string  `json:"workspace"`
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"`
	ContextWindow     int     `json:"context_window"`
	ThinkingLevel     string  `json:"thinking_level,omitempty"` // "off", "low", "medium", "high"
}

// GatewayConfig configures the wire protocol listener.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"-"` // shared-secret auth; from env only
	StateDir        string   `json:"stateDir"`
	WorkspaceDir    string   `json:"workspaceDir"`
	MaxMessageChars int      `json:"maxMessageChars,omitempty"`
	OwnerIDs        []string `json:"ownerIds,omitempty"`
	RateLimitPerSec float64  `json:"rateLimitPerSec,omitempty"` // token bucket refill rate
	RateLimitBurst  int      `json:"rateLimitBurst,omitempty"`  // token bucket capacity
}

// DMScopePolicy selects how direct-message session keys are derived. See
// internal/sessions/key.go for the derivation table.
type DMScopePolicy string

const (
	DMScopeSingleGlobal          DMScopePolicy = "single-global"
	DMScopePerPeer               DMScopePolicy = "per-peer"
	DMScopePerChannelPeer        DMScopePolicy = "per-channel-peer"
	DMScopePerAccountChannelPeer DMScopePolicy = "per-account-channel-peer"
)

// ResetMode selects when a session is considered expired.
type ResetMode string

const (
	ResetModeDaily ResetMode = "daily"
	ResetModeIdle  ResetMode = "idle"
	ResetModeBoth  ResetMode = "both"
)

// ResetPolicy is a reset descriptor: mode plus its parameters.
type ResetPolicy struct {
	Mode        ResetMode `json:"mode,omitempty"`
	AtHour      int       `json:"atHour,omitempty"`      // hour-of-day for daily mode, 0-24 (24 = end of day)
	Timezone    string    `json:"timezone,omitempty"`     // IANA timezone; empty = host local
	IdleMinutes int       `json:"idleMinutes,omitempty"` // idle threshold in minutes for idle mode
}

// SessionsConfig configures the session/transcript store.
type SessionsConfig struct {
	Storage         string                 `json:"storage"`                   // state root for sessions
	Backend         string                 `json:"backend,omitempty"`         // "file" (default) or "postgres"
	DMScope         DMScopePolicy          `json:"dmScope,omitempty"`
	Reset           ResetPolicy            `json:"reset,omitempty"`
	ResetByType     map[string]ResetPolicy `json:"resetByType,omitempty"`
	ResetByChannel  map[string]ResetPolicy `json:"resetByChannel,omitempty"`
	IdentityLinks   map[string]string      `json:"identityLinks,omitempty"`   // alternate peer id -> canonical peer id
	CompactionFloor int                    `json:"compactionFloor,omitempty"` // token ceiling that triggers compaction
	KeepRecent      int                    `json:"keepRecent,omitempty"`      // entries retained after compaction
}

// ToolPolicySpec describes an allow/deny/alsoAllow tool list, optionally
// overridden per provider.
type ToolPolicySpec struct {
	Profile    string                      `json:"profile,omitempty"`
	Allow      []string                    `json:"allow,omitempty"`
	Deny       []string                    `json:"deny,omitempty"`
	AlsoAllow  []string                    `json:"alsoAllow,omitempty"`
	ByProvider map[string]ToolPolicySpec   `json:"byProvider,omitempty"`
}

// ToolsConfig is the global tool policy plus the tool-count cap applied
// when a provider's catalogue-size limit is exceeded.
type ToolsConfig struct {
	ToolPolicySpec
	MaxToolsPerCall int      `json:"maxToolsPerCall,omitempty"` // 0 = unbounded
	PriorityPrefix  []string `json:"priorityPrefix,omitempty"`  // e.g. ["trading","memory","filesystem","status"]
}

// ChannelsConfig holds static credentials for the channel delivery adapters.
type ChannelsConfig struct {
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// DiscordConfig configures the Discord delivery adapter.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"-"` // from env only
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// TelegramConfig configures the Telegram delivery adapter.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	Token     string   `json:"-"` // from env only
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// ProviderConfig holds connection settings for one LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"-"` // from env only
	APIBase string `json:"apiBase,omitempty"`
}

// ProvidersConfig holds per-provider connection settings.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
	DashScope ProviderConfig `json:"dashscope,omitempty"`
}

// HeartbeatConfig configures the heartbeat runner.
type HeartbeatConfig struct {
	Enabled     bool               `json:"enabled"`
	Every       string             `json:"every,omitempty"`       // duration string, e.g. "30m"
	ActiveHours *ActiveHoursConfig `json:"activeHours,omitempty"`
	Session     string             `json:"session,omitempty"`     // "main" (default) or explicit session key
	Target      string             `json:"target,omitempty"`      // delivery channel for alerts
	Prompt      string             `json:"prompt,omitempty"`      // custom heartbeat prompt
	AckMaxChars int                `json:"ackMaxChars,omitempty"` // leniency around the HEARTBEAT_OK token
}

// ActiveHoursConfig restricts heartbeats to a wall-clock window.
type ActiveHoursConfig struct {
	Start    string `json:"start"`              // "HH:MM" inclusive
	End      string `json:"end"`                // "HH:MM" exclusive; "24:00" = end of day
	Timezone string `json:"timezone,omitempty"` // IANA timezone; empty = host local
}

// CronConfig configures the cron scheduler.
type CronConfig struct {
	Enabled           bool   `json:"enabled"`
	MaxConcurrentRuns int    `json:"maxConcurrentRuns,omitempty"` // global concurrency ceiling, default 3
	TickInterval      string `json:"tickInterval,omitempty"`      // dispatch loop cadence, default "10s"
	HistoryTail       int    `json:"historyTail,omitempty"`       // runs retained per job, default 100
	MaxRetries        int    `json:"maxRetries,omitempty"`        // resolved by ToRetryConfig; the cron store retries per job's payload retry, not from this field
	RetryBaseDelay    string `json:"retryBaseDelay,omitempty"`
	RetryMaxDelay     string `json:"retryMaxDelay,omitempty"`
}

// RetryConfig is the resolved (defaults-applied) retry policy for a cron run.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  string
	MaxDelay   string
}

// DatabaseConfig configures the optional Postgres store backend.
type DatabaseConfig struct {
	DSN string `json:"-"` // from env only
}

// TelemetryConfig holds OpenTelemetry export settings. They are loaded from
// the config file and environment, but no exporter is installed from them.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// McpConfig configures exposure of the tool registry over MCP.
type McpConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"` // listen address for the MCP SSE endpoint
}

// AgentBinding maps a channel/peer pattern to a specific agent identity.
type AgentBinding struct {
	AgentID string       `json:"agentId"`
	Match   BindingMatch `json:"match"`
}

// BindingMatch specifies which messages a binding applies to.
type BindingMatch struct {
	Channel   string       `json:"channel"`
	AccountID string       `json:"accountId,omitempty"`
	Peer      *BindingPeer `json:"peer,omitempty"`
}

// BindingPeer specifies a specific chat target.
type BindingPeer struct {
	Kind string `json:"kind"` // "direct" or "group"
	ID   string `json:"id"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Tools = src.Tools
	c.Channels = src.Channels
	c.Providers = src.Providers
	c.Heartbeat = src.Heartbeat
	c.Cron = src.Cron
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Mcp = src.Mcp
	c.Bindings = src.Bindings
}

// Hash returns a short SHA-256 prefix of the config for optimistic concurrency
// checks on reload.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	return fmt.Sprintf("%x", shortHash(data))
}
