package sessions

import "testing"

func TestBuildSessionKey(t *testing.T) {
	tests := []struct {
		name    string
		agentID string
		channel string
		kind    PeerKind
		chatID  string
		want    string
	}{
		{"direct", "default", "telegram", PeerDirect, "386246614", "agent:default:telegram:direct:386246614"},
		{"group", "default", "telegram", PeerGroup, "-100123456", "agent:default:telegram:group:-100123456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildSessionKey(tt.agentID, tt.channel, tt.kind, tt.chatID); got != tt.want {
				t.Errorf("BuildSessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildGroupTopicSessionKey(t *testing.T) {
	got := BuildGroupTopicSessionKey("default", "telegram", "-100123456", 99)
	want := "agent:default:telegram:group:-100123456:topic:99"
	if got != want {
		t.Errorf("BuildGroupTopicSessionKey() = %q, want %q", got, want)
	}
}

func TestBuildCronSessionKey(t *testing.T) {
	tests := []struct {
		name  string
		jobID string
		want  string
	}{
		{"plain job id", "reminder", "agent:default:cron:reminder:run:abc123"},
		{"already-canonical job id avoids double prefix", "agent:default:cron:reminder", "agent:default:cron:cron:reminder:run:abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildCronSessionKey("default", tt.jobID, "abc123"); got != tt.want {
				t.Errorf("BuildCronSessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildAgentMainSessionKey(t *testing.T) {
	if got := BuildAgentMainSessionKey("default", ""); got != "agent:default:main" {
		t.Errorf("BuildAgentMainSessionKey with empty mainKey = %q, want agent:default:main", got)
	}
	if got := BuildAgentMainSessionKey("default", "shared"); got != "agent:default:shared" {
		t.Errorf("BuildAgentMainSessionKey = %q, want agent:default:shared", got)
	}
}

func TestBuildScopedSessionKey(t *testing.T) {
	tests := []struct {
		name      string
		channel   string
		kind      PeerKind
		chatID    string
		dmScope   string
		mainKey   string
		accountID string
		want      string
	}{
		{"group always full key regardless of dmScope", "telegram", PeerGroup, "-100", "single-global", "", "", "agent:default:telegram:group:-100"},
		{"dm single-global scope", "telegram", PeerDirect, "1", "single-global", "shared", "", "agent:default:shared"},
		{"dm per-peer scope", "telegram", PeerDirect, "1", "per-peer", "", "", "agent:default:direct:1"},
		{"dm default per-channel-peer scope", "telegram", PeerDirect, "1", "", "", "", "agent:default:telegram:direct:1"},
		{"dm per-account-channel-peer scope with resolved account", "telegram", PeerDirect, "1", "per-account-channel-peer", "", "acct-42", "agent:default:telegram:acct-42:direct:1"},
		{"dm per-account-channel-peer scope with unresolved account falls back", "telegram", PeerDirect, "1", "per-account-channel-peer", "", "", "agent:default:telegram:direct:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildScopedSessionKey("default", tt.channel, tt.kind, tt.chatID, tt.dmScope, tt.mainKey, tt.accountID)
			if got != tt.want {
				t.Errorf("BuildScopedSessionKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveIdentity(t *testing.T) {
	links := map[string]string{"discord:987": "acct-42", "telegram:386246614": "acct-42"}

	if got := ResolveIdentity(links, "telegram", "386246614"); got != "acct-42" {
		t.Errorf("ResolveIdentity() = %q, want %q", got, "acct-42")
	}
	if got := ResolveIdentity(links, "discord", "987"); got != "acct-42" {
		t.Errorf("ResolveIdentity() = %q, want %q", got, "acct-42")
	}
	if got := ResolveIdentity(links, "telegram", "unlinked-peer"); got != "unlinked-peer" {
		t.Errorf("ResolveIdentity() for an unlinked peer = %q, want it to canonicalize to itself", got)
	}
	if got := ResolveIdentity(nil, "telegram", "1"); got != "1" {
		t.Errorf("ResolveIdentity() with nil links = %q, want %q", got, "1")
	}
}

func TestParseSessionKey(t *testing.T) {
	agentID, rest := ParseSessionKey("agent:default:telegram:direct:1")
	if agentID != "default" || rest != "telegram:direct:1" {
		t.Errorf("ParseSessionKey() = (%q, %q), want (\"default\", \"telegram:direct:1\")", agentID, rest)
	}

	agentID, rest = ParseSessionKey("not-a-session-key")
	if agentID != "" || rest != "" {
		t.Errorf("ParseSessionKey(malformed) = (%q, %q), want (\"\", \"\")", agentID, rest)
	}
}

func TestIsSubagentSession(t *testing.T) {
	if !IsSubagentSession("agent:default:subagent:my-task") {
		t.Error("IsSubagentSession() = false, want true")
	}
	if IsSubagentSession("agent:default:telegram:direct:1") {
		t.Error("IsSubagentSession() = true, want false")
	}
}

func TestIsCronSession(t *testing.T) {
	if !IsCronSession("agent:default:cron:reminder:run:abc123") {
		t.Error("IsCronSession() = false, want true")
	}
	if IsCronSession("agent:default:telegram:direct:1") {
		t.Error("IsCronSession() = true, want false")
	}
}

func TestPeerKindFromGroup(t *testing.T) {
	if PeerKindFromGroup(true) != PeerGroup {
		t.Error("PeerKindFromGroup(true) != PeerGroup")
	}
	if PeerKindFromGroup(false) != PeerDirect {
		t.Error("PeerKindFromGroup(false) != PeerDirect")
	}
}
