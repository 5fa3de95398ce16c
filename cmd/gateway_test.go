package cmd

import "testing"

func TestSplitDeliveryTarget(t *testing.T) {
	tests := []struct {
		name        string
		target      string
		wantChannel string
		wantChatID  string
		wantOK      bool
	}{
		{"well formed", "telegram:123456", "telegram", "123456", true},
		{"chat id contains colon", "discord:guild:channel", "discord", "guild:channel", true},
		{"missing separator", "telegram", "", "", false},
		{"empty string", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channel, chatID, ok := splitDeliveryTarget(tt.target)
			if channel != tt.wantChannel || chatID != tt.wantChatID || ok != tt.wantOK {
				t.Errorf("splitDeliveryTarget(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.target, channel, chatID, ok, tt.wantChannel, tt.wantChatID, tt.wantOK)
			}
		})
	}
}
