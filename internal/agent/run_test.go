package agent

import "testing"

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY\n", true},
		{"NO_REPLY.", true},
		{"NO_REPLY, nothing to add", true},
		{"All done. NO_REPLY", true},
		{"NO_REPLYING", false},
		{"SAY_NO_REPLY", false},
		{"no_reply", false},
		{"", false},
		{"a normal answer", false},
		{"the NO_REPLY token mid-sentence", false},
	}
	for _, tt := range tests {
		if got := IsSilentReply(tt.text); got != tt.want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
