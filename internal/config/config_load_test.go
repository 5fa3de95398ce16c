package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_HasSaneBaselineValues(t *testing.T) {
	cfg := Default()
	if cfg.Agent.ID != DefaultAgentID {
		t.Errorf("Agent.ID = %q, want %q", cfg.Agent.ID, DefaultAgentID)
	}
	if cfg.Gateway.Port != 18790 {
		t.Errorf("Gateway.Port = %d, want 18790", cfg.Gateway.Port)
	}
	if cfg.Sessions.Backend != "file" {
		t.Errorf("Sessions.Backend = %q, want %q", cfg.Sessions.Backend, "file")
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json5"))
	if err != nil {
		t.Fatalf("Load() error = %v, want nil for a missing file", err)
	}
	if cfg.Agent.ID != DefaultAgentID {
		t.Errorf("Load() on missing file did not fall back to defaults")
	}
}

func TestLoad_ParsesJSON5File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	content := `{
  // a comment json5 tolerates
  "agent": { "id": "custom-agent", "name": "custom" },
}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.ID != "custom-agent" {
		t.Errorf("Agent.ID = %q, want %q", cfg.Agent.ID, "custom-agent")
	}
}

func TestApplyEnvOverrides_SetsAPIKeyAndTokenEnablesTelegram(t *testing.T) {
	t.Setenv("GATEWAYD_ANTHROPIC_API_KEY", "env-key")
	t.Setenv("GATEWAYD_TELEGRAM_TOKEN", "tg-token")

	cfg := Default()
	cfg.applyEnvOverrides()

	if cfg.Providers.Anthropic.APIKey != "env-key" {
		t.Errorf("Providers.Anthropic.APIKey = %q, want %q", cfg.Providers.Anthropic.APIKey, "env-key")
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("setting GATEWAYD_TELEGRAM_TOKEN did not enable the telegram channel")
	}
}

func TestApplyEnvOverrides_InvalidPortIgnored(t *testing.T) {
	t.Setenv("GATEWAYD_PORT", "not-a-number")
	cfg := Default()
	want := cfg.Gateway.Port
	cfg.applyEnvOverrides()
	if cfg.Gateway.Port != want {
		t.Errorf("Gateway.Port = %d after invalid GATEWAYD_PORT, want unchanged %d", cfg.Gateway.Port, want)
	}
}

func TestCronConfig_ToRetryConfig_DefaultsInvalidDurations(t *testing.T) {
	cc := CronConfig{MaxRetries: 3, RetryBaseDelay: "not-a-duration", RetryMaxDelay: "5s"}
	rc := cc.ToRetryConfig()
	if rc.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", rc.MaxRetries)
	}
	if rc.BaseDelay != "2s" {
		t.Errorf("BaseDelay = %q, want fallback %q for an invalid duration string", rc.BaseDelay, "2s")
	}
	if rc.MaxDelay != "5s" {
		t.Errorf("MaxDelay = %q, want %q", rc.MaxDelay, "5s")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/absolute/path", "/absolute/path"},
		{"~/workspace", home + "/workspace"},
		{"~", home},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWorkspacePathAndStateDirPath_ExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		Agent:   AgentConfig{Workspace: "~/ws"},
		Gateway: GatewayConfig{StateDir: "~/state"},
	}
	if got := cfg.WorkspacePath(); got != home+"/ws" {
		t.Errorf("WorkspacePath() = %q, want %q", got, home+"/ws")
	}
	if got := cfg.StateDirPath(); got != home+"/state" {
		t.Errorf("StateDirPath() = %q, want %q", got, home+"/state")
	}
}
