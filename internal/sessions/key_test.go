package sessions

import (
	"errors"
	"testing"
)

func TestBuildKey(t *testing.T) {
	got := BuildKey("default", "telegram", ScopeDM, "386246614")
	if want := "agent:default:telegram:dm:386246614"; got != want {
		t.Errorf("BuildKey() = %q, want %q", got, want)
	}
}

func TestBuildThreadKey(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		want    string
	}{
		{
			name:    "forum channel uses topic token",
			channel: "telegram",
			want:    "agent:default:telegram:group:-100123:topic:99",
		},
		{
			name:    "other channels use thread token",
			channel: "discord",
			want:    "agent:default:discord:group:-100123:thread:99",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildThreadKey("default", tt.channel, ScopeGroup, "-100123", "99")
			if got != tt.want {
				t.Errorf("BuildThreadKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseKey_RoundTrip(t *testing.T) {
	tests := []string{
		"agent:default:telegram:dm:386246614",
		"agent:main:discord:channel:9912",
		"agent:default:telegram:group:-100123456:topic:99",
		"agent:default:discord:group:9912:thread:7741",
	}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			k, err := ParseKey(key)
			if err != nil {
				t.Fatalf("ParseKey(%q): %v", key, err)
			}
			var rebuilt string
			if k.ThreadID != "" {
				rebuilt = BuildThreadKey(k.AgentID, k.Channel, k.Scope, k.ScopeID, k.ThreadID)
			} else {
				rebuilt = BuildKey(k.AgentID, k.Channel, k.Scope, k.ScopeID)
			}
			if rebuilt != key {
				t.Errorf("round trip = %q, want %q", rebuilt, key)
			}
		})
	}
}

func TestParseKey_Invalid(t *testing.T) {
	tests := []string{
		"",
		"agent:default",
		"agent:default:telegram:dm",
		"bogus:default:telegram:dm:1",
		"agent:default:telegram:weird:1",
		"agent:default:telegram:dm:1:thread",
		"agent:default:telegram:dm:1:thread:",
		"agent:default:telegram:dm:1:suffix:2",
		"agent::telegram:dm:1",
	}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			if _, err := ParseKey(key); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("ParseKey(%q) err = %v, want ErrInvalidKey", key, err)
			}
		})
	}
}

func TestParseKey_TopicScope(t *testing.T) {
	k, err := ParseKey("agent:default:telegram:topic:-100:topic:5")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if k.Scope != ScopeTopic || k.ThreadID != "5" {
		t.Errorf("parsed = %+v", k)
	}
}

func TestAgentID(t *testing.T) {
	if got := AgentID("agent:ops:telegram:dm:1"); got != "ops" {
		t.Errorf("AgentID() = %q, want %q", got, "ops")
	}
	if got := AgentID("nope"); got != "" {
		t.Errorf("AgentID(malformed) = %q, want empty", got)
	}
}
