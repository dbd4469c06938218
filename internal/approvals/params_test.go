package approvals

import (
	"reflect"
	"testing"
)

func TestRebuildParams_Allowlist(t *testing.T) {
	client := map[string]any{
		"command":          []any{"ls", "-la"},
		"cwd":              "/tmp",
		"timeoutMs":        5000,
		"approved":         true,
		"approvalDecision": "allow-always",
		"injected":         "evil",
		"runId":            "r1",
	}

	out, err := RebuildParams(client, DecisionAllowOnce)
	if err != nil {
		t.Fatalf("RebuildParams: %v", err)
	}
	if _, ok := out["injected"]; ok {
		t.Error("non-allowlisted field forwarded")
	}
	if out["approved"] != true || out["approvalDecision"] != "allow-once" {
		t.Errorf("decision fields = %v / %v", out["approved"], out["approvalDecision"])
	}
	if out["cwd"] != "/tmp" || out["runId"] != "r1" {
		t.Errorf("allowlisted fields dropped: %v", out)
	}
}

func TestRebuildParams_ClientDecisionNeverForwarded(t *testing.T) {
	client := map[string]any{
		"command":          []any{"ls"},
		"approvalDecision": "allow-always",
	}
	out, err := RebuildParams(client, DecisionAllowOnce)
	if err != nil {
		t.Fatalf("RebuildParams: %v", err)
	}
	if out["approvalDecision"] != "allow-once" {
		t.Errorf("client decision leaked: %v", out["approvalDecision"])
	}
}

func TestRebuildParams_RawCommandConsistent(t *testing.T) {
	client := map[string]any{
		"command":    []any{"echo", "hello world"},
		"rawCommand": `echo "hello world"`,
	}
	if _, err := RebuildParams(client, DecisionAllowOnce); err != nil {
		t.Errorf("consistent rawCommand rejected: %v", err)
	}
}

func TestRebuildParams_RawCommandMismatch(t *testing.T) {
	client := map[string]any{
		"command":    []any{"ls", "-la"},
		"rawCommand": "rm -rf /",
	}
	_, err := RebuildParams(client, DecisionAllowOnce)
	if err == nil {
		t.Fatal("mismatched rawCommand accepted")
	}
	ae, ok := err.(*Error)
	if !ok || ae.Code != "RAW_COMMAND_MISMATCH" {
		t.Errorf("err = %v", err)
	}
}

func TestSplitShellTokens(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{`ls -la`, []string{"ls", "-la"}},
		{`echo "hello world"`, []string{"echo", "hello world"}},
		{`echo 'a b' c`, []string{"echo", "a b", "c"}},
		{`printf "a\"b"`, []string{"printf", `a"b`}},
		{`touch a\ b`, []string{"touch", "a b"}},
		{`  spaced   out  `, []string{"spaced", "out"}},
	}
	for _, tt := range tests {
		got, err := SplitShellTokens(tt.line)
		if err != nil {
			t.Errorf("SplitShellTokens(%q): %v", tt.line, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SplitShellTokens(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestSplitShellTokens_UnterminatedQuote(t *testing.T) {
	if _, err := SplitShellTokens(`echo "unterminated`); err == nil {
		t.Error("unterminated quote accepted")
	}
}
