package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opsnomad/gatewayd/internal/config"
	"github.com/opsnomad/gatewayd/internal/providers"
)

func TestManagerSaveAppendsTranscriptWithoutRewrite(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, config.ResetPolicy{}, nil, nil)

	key := "agent:default:telegram:direct:1"
	m.AddMessage(key, providers.Message{Role: "user", Content: "hello"})
	if err := m.Save(key); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	path := m.transcriptPath(key)
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading transcript: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("expected transcript file to contain the first message")
	}

	m.AddMessage(key, providers.Message{Role: "assistant", Content: "hi there"})
	if err := m.Save(key); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading transcript after second save: %v", err)
	}
	if string(second[:len(first)]) != string(first) {
		t.Error("transcript file's first message was rewritten instead of only appended to")
	}
	if len(second) <= len(first) {
		t.Error("expected transcript file to grow after the second message")
	}

	if _, err := os.Stat(filepath.Join(dir, metaFileName)); err != nil {
		t.Errorf("expected %s to exist: %v", metaFileName, err)
	}
}

func TestManagerLoadAllReplaysTranscript(t *testing.T) {
	dir := t.TempDir()
	key := "agent:default:telegram:direct:1"

	m := NewManager(dir, config.ResetPolicy{}, nil, nil)
	m.AddMessage(key, providers.Message{Role: "user", Content: "one"})
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "two"})
	m.SetSummary(key, "a summary")
	if err := m.Save(key); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded := NewManager(dir, config.ResetPolicy{}, nil, nil)
	history := reloaded.GetHistory(key)
	if len(history) != 2 {
		t.Fatalf("GetHistory() after reload returned %d messages, want 2", len(history))
	}
	if history[0].Content != "one" || history[1].Content != "two" {
		t.Errorf("GetHistory() after reload = %+v, want [one, two]", history)
	}
	if got := reloaded.GetSummary(key); got != "a summary" {
		t.Errorf("GetSummary() after reload = %q, want %q", got, "a summary")
	}
}

func TestManagerResetArchivesTranscript(t *testing.T) {
	dir := t.TempDir()
	key := "agent:default:telegram:direct:1"

	m := NewManager(dir, config.ResetPolicy{}, nil, nil)
	m.AddMessage(key, providers.Message{Role: "user", Content: "before reset"})
	if err := m.Save(key); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	m.Reset(key)

	if history := m.GetHistory(key); len(history) != 0 {
		t.Errorf("GetHistory() after Reset() = %+v, want empty", history)
	}

	archiveDir := filepath.Join(dir, archiveDirName)
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatalf("reading archive dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("archive dir has %d entries, want 1", len(entries))
	}

	// Fresh messages after reset go to a new transcript file, untouched by
	// the archived one.
	m.AddMessage(key, providers.Message{Role: "user", Content: "after reset"})
	if err := m.Save(key); err != nil {
		t.Fatalf("Save() after reset error = %v", err)
	}
	if history := m.GetHistory(key); len(history) != 1 || history[0].Content != "after reset" {
		t.Errorf("GetHistory() after post-reset save = %+v", history)
	}
}

func TestManagerGetOrCreateExpiresIdleSessions(t *testing.T) {
	dir := t.TempDir()
	key := "agent:default:telegram:direct:1"

	policy := config.ResetPolicy{Mode: config.ResetModeIdle, IdleMinutes: 30}
	m := NewManager(dir, policy, nil, nil)

	m.AddMessage(key, providers.Message{Role: "user", Content: "stale"})
	m.mu.Lock()
	m.sessions[key].Updated = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	s := m.GetOrCreate(key)
	if len(s.Messages) != 0 {
		t.Errorf("GetOrCreate() on an idle-expired session returned %d messages, want 0", len(s.Messages))
	}
}

func TestManagerGetOrCreateKeepsFreshSessions(t *testing.T) {
	dir := t.TempDir()
	key := "agent:default:telegram:direct:1"

	policy := config.ResetPolicy{Mode: config.ResetModeIdle, IdleMinutes: 30}
	m := NewManager(dir, policy, nil, nil)

	m.AddMessage(key, providers.Message{Role: "user", Content: "fresh"})

	s := m.GetOrCreate(key)
	if len(s.Messages) != 1 {
		t.Errorf("GetOrCreate() on a fresh session returned %d messages, want 1", len(s.Messages))
	}
}

func TestManagerResetByTypeOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	cronKey := "agent:default:cron:reminder:run:abc123"

	m := NewManager(dir, config.ResetPolicy{}, map[string]config.ResetPolicy{
		"cron": {Mode: config.ResetModeIdle, IdleMinutes: 1},
	}, nil)

	m.AddMessage(cronKey, providers.Message{Role: "user", Content: "old run"})
	m.mu.Lock()
	m.sessions[cronKey].Updated = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	s := m.GetOrCreate(cronKey)
	if len(s.Messages) != 0 {
		t.Error("expected resetByType[\"cron\"] idle policy to expire the stale cron session")
	}
}

func TestSessionType(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"agent:default:cron:reminder:run:abc123", "cron"},
		{"agent:default:subagent:my-task", "subagent"},
		{"agent:default:telegram:direct:1", "direct"},
		{"agent:default:telegram:group:-100", "group"},
		{"agent:default:shared", ""},
	}
	for _, tt := range tests {
		if got := sessionType(tt.key); got != tt.want {
			t.Errorf("sessionType(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
