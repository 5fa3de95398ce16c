package heartbeat

import (
	"testing"
	"time"

	"github.com/opsnomad/gatewayd/internal/config"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		maxChars int
		want     Classification
	}{
		{"exact token", "HEARTBEAT_OK", 10, ClassAck},
		{"exact token with surrounding whitespace", "  HEARTBEAT_OK  ", 10, ClassAck},
		{"token prefix with short trailer", "HEARTBEAT_OK, nothing to report.", 30, ClassAck},
		{"token suffix with short leader", "All clear. HEARTBEAT_OK", 30, ClassAck},
		{"token prefix with trailer exceeding budget", "HEARTBEAT_OK " + longText(50), 10, ClassAlert},
		{"no token at all", "Something needs your attention.", 300, ClassAlert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.reply, tt.maxChars); got != tt.want {
				t.Errorf("classify(%q, %d) = %q, want %q", tt.reply, tt.maxChars, got, tt.want)
			}
		})
	}
}

func longText(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestRunner_InWindow_NoWindowConfiguredAlwaysTrue(t *testing.T) {
	r := &Runner{cfg: config.HeartbeatConfig{}}
	if !r.inWindow(time.Now()) {
		t.Error("inWindow() with no ActiveHours = false, want true")
	}
}

func TestRunner_InWindow_SameDayWindow(t *testing.T) {
	r := &Runner{cfg: config.HeartbeatConfig{
		ActiveHours: &config.ActiveHoursConfig{Start: "09:00", End: "17:00", Timezone: "UTC"},
	}}

	inside := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	if !r.inWindow(inside) {
		t.Error("inWindow(12:00) within 09:00-17:00 = false, want true")
	}

	outside := time.Date(2026, 7, 31, 20, 0, 0, 0, time.UTC)
	if r.inWindow(outside) {
		t.Error("inWindow(20:00) within 09:00-17:00 = true, want false")
	}
}

func TestRunner_InWindow_WrapsPastMidnight(t *testing.T) {
	r := &Runner{cfg: config.HeartbeatConfig{
		ActiveHours: &config.ActiveHoursConfig{Start: "22:00", End: "06:00", Timezone: "UTC"},
	}}

	lateNight := time.Date(2026, 7, 31, 23, 30, 0, 0, time.UTC)
	if !r.inWindow(lateNight) {
		t.Error("inWindow(23:30) within wrapping 22:00-06:00 = false, want true")
	}

	earlyMorning := time.Date(2026, 7, 31, 4, 0, 0, 0, time.UTC)
	if !r.inWindow(earlyMorning) {
		t.Error("inWindow(04:00) within wrapping 22:00-06:00 = false, want true")
	}

	midday := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	if r.inWindow(midday) {
		t.Error("inWindow(12:00) within wrapping 22:00-06:00 = true, want false")
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want int
		err  bool
	}{
		{"09:00", 540, false},
		{"24:00", 1440, false},
		{"00:00", 0, false},
		{"bad", 0, true},
		{"1:2:3", 0, true},
	}
	for _, tt := range tests {
		got, err := parseClock(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("parseClock(%q) error = nil, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseClock(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
