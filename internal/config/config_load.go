package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// DefaultAgentID is used when no agent id is configured.
const DefaultAgentID = "default"

// Default returns a Config with sensible defaults, matching the shape the
// teacher codebase ships (layered: code defaults -> file -> env).
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID:                DefaultAgentID,
			Name:              "assistant",
			Workspace:         "~/.gatewayd/workspace",
			Provider:          "anthropic",
			Model:             "claude-sonnet-4-5-20250929",
			MaxTokens:         8192,
			Temperature:       0.7,
			MaxToolIterations: 10,
			ContextWindow:     200000,
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18790,
			StateDir:        "~/.gatewayd/state",
			WorkspaceDir:    "~/.gatewayd/workspace",
			MaxMessageChars: 32000,
			RateLimitPerSec: 5,
			RateLimitBurst:  20,
		},
		Sessions: SessionsConfig{
			Storage:         "~/.gatewayd/state/agents",
			Backend:         "file",
			DMScope:         DMScopePerChannelPeer,
			Reset:           ResetPolicy{Mode: ResetModeDaily, AtHour: 4},
			CompactionFloor: 150000,
			KeepRecent:      20,
		},
		Tools: ToolsConfig{
			PriorityPrefix: []string{"trading", "memory", "filesystem", "status", "configuration"},
		},
		Heartbeat: HeartbeatConfig{
			Enabled:     false,
			Every:       "30m",
			AckMaxChars: 300,
		},
		Cron: CronConfig{
			Enabled:           true,
			MaxConcurrentRuns: 3,
			TickInterval:      "10s",
			HistoryTail:       100,
			MaxRetries:        0,
			RetryBaseDelay:    "2s",
			RetryMaxDelay:     "30s",
		},
	}
}

// Load reads config from a JSON5 file (comments/trailing commas tolerated),
// then overlays environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets live only in env, never in the file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("GATEWAYD_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("GATEWAYD_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("GATEWAYD_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("GATEWAYD_OPENAI_BASE_URL", &c.Providers.OpenAI.APIBase)
	envStr("GATEWAYD_DASHSCOPE_API_KEY", &c.Providers.DashScope.APIKey)
	envStr("GATEWAYD_DASHSCOPE_BASE_URL", &c.Providers.DashScope.APIBase)

	envStr("GATEWAYD_TOKEN", &c.Gateway.Token)
	envStr("GATEWAYD_HOST", &c.Gateway.Host)
	if v := os.Getenv("GATEWAYD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("GATEWAYD_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	envStr("GATEWAYD_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	envStr("GATEWAYD_DISCORD_TOKEN", &c.Channels.Discord.Token)
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("GATEWAYD_WORKSPACE", &c.Agent.Workspace)
	envStr("GATEWAYD_AGENT_ID", &c.Agent.ID)
	envStr("GATEWAYD_AGENT_NAME", &c.Agent.Name)
	envStr("GATEWAYD_SESSIONS_STORAGE", &c.Sessions.Storage)

	envStr("GATEWAYD_POSTGRES_DSN", &c.Database.DSN)

	envStr("GATEWAYD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("GATEWAYD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("GATEWAYD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("GATEWAYD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// ToRetryConfig resolves CronConfig's retry fields with defaults applied.
func (cc CronConfig) ToRetryConfig() RetryConfig {
	rc := RetryConfig{MaxRetries: cc.MaxRetries, BaseDelay: "2s", MaxDelay: "30s"}
	if cc.RetryBaseDelay != "" {
		if _, err := time.ParseDuration(cc.RetryBaseDelay); err == nil {
			rc.BaseDelay = cc.RetryBaseDelay
		}
	}
	if cc.RetryMaxDelay != "" {
		if _, err := time.ParseDuration(cc.RetryMaxDelay); err == nil {
			rc.MaxDelay = cc.RetryMaxDelay
		}
	}
	return rc
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

// StateDirPath returns the expanded state root path.
func (c *Config) StateDirPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Gateway.StateDir)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

func shortHash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:8]
}
