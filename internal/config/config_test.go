package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewManager(path)
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	m := writeConfig(t, "")
	snap, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !snap.Valid || snap.Config.Gateway.Port != 18789 || snap.Config.Queue.Mode != "collect" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestLoad_JSON5CommentsAccepted(t *testing.T) {
	m := writeConfig(t, `{
  // operator surface
  gateway: { port: 9000 },
}`)
	snap, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Config.Gateway.Port != 9000 {
		t.Errorf("port = %d", snap.Config.Gateway.Port)
	}
}

func TestLoad_ValidationIssuesReported(t *testing.T) {
	m := writeConfig(t, `{"queue": {"mode": "bogus"}, "gateway": {"auth": {"mode": "nope"}}}`)
	snap, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Valid || len(snap.Issues) != 2 {
		t.Errorf("valid=%v issues=%v", snap.Valid, snap.Issues)
	}
}

func TestSet_RoundTripWithHashGuard(t *testing.T) {
	m := writeConfig(t, `{"gateway": {"port": 9000}}`)
	snap, _ := m.Load()

	edited := `{"gateway": {"port": 9001}}`
	next, err := m.Set(edited, snap.Hash)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if next.Config.Gateway.Port != 9001 || next.Hash == snap.Hash {
		t.Errorf("next = %+v", next)
	}

	// A writer still holding the old hash is rejected.
	if _, err := m.Set(`{"gateway": {"port": 9002}}`, snap.Hash); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("stale Set err = %v", err)
	}
}

func TestSet_RejectsUnparseable(t *testing.T) {
	m := writeConfig(t, `{}`)
	snap, _ := m.Load()
	if _, err := m.Set(`{not valid`, snap.Hash); err == nil {
		t.Error("unparseable raw accepted")
	}
}

func TestPatch_MergeSemantics(t *testing.T) {
	m := writeConfig(t, `{"gateway": {"port": 9000, "host": "0.0.0.0"}, "queue": {"cap": 5}}`)
	snap, _ := m.Load()

	next, err := m.Patch(json.RawMessage(`{"gateway": {"port": 9100}, "queue": null}`), snap.Hash)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if next.Config.Gateway.Port != 9100 {
		t.Errorf("port = %d", next.Config.Gateway.Port)
	}
	if next.Config.Gateway.Host != "0.0.0.0" {
		t.Errorf("sibling key lost: host = %q", next.Config.Gateway.Host)
	}
	// null deleted the queue section; defaults fill back in.
	if strings.Contains(next.Raw, `"cap": 5`) {
		t.Errorf("null did not delete: %s", next.Raw)
	}
}

func TestMergePatch_RFC7386Cases(t *testing.T) {
	tests := []struct {
		name          string
		target, patch string
		want          string
	}{
		{"replace scalar", `{"a":"b"}`, `{"a":"c"}`, `{"a":"c"}`},
		{"add key", `{"a":"b"}`, `{"b":"c"}`, `{"a":"b","b":"c"}`},
		{"null deletes", `{"a":"b"}`, `{"a":null}`, `{}`},
		{"nested merge", `{"a":{"b":"c","d":"e"}}`, `{"a":{"b":"x"}}`, `{"a":{"b":"x","d":"e"}}`},
		{"array replaces", `{"a":[1,2]}`, `{"a":[3]}`, `{"a":[3]}`},
		{"object replaces scalar", `{"a":"b"}`, `{"a":{"c":1}}`, `{"a":{"c":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var target, patch, want any
			json.Unmarshal([]byte(tt.target), &target)
			json.Unmarshal([]byte(tt.patch), &patch)
			json.Unmarshal([]byte(tt.want), &want)
			got := MergePatch(target, patch)
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("MergePatch = %s, want %s", gotJSON, wantJSON)
			}
		})
	}
}

func TestRedact_SecretsBecomePlaceholders(t *testing.T) {
	raw := `{"gateway": {"auth": {"password": "hunter2"}}, "channels": {"telegram": {"webhook_path": "/t"}}}`
	got := Redact(raw)
	if strings.Contains(got, "hunter2") {
		t.Errorf("secret survived redaction: %s", got)
	}
	if !strings.Contains(got, RedactedPlaceholder) {
		t.Errorf("no placeholder in output: %s", got)
	}
	if !strings.Contains(got, "/t") {
		t.Errorf("non-secret value lost: %s", got)
	}
}

func TestRestoreRedactions_RoundTrip(t *testing.T) {
	stored := `{"gateway": {"auth": {"password": "hunter2"}, "port": 9000}}`
	edited := Redact(stored)
	edited = strings.Replace(edited, "9000", "9001", 1)

	restored, err := RestoreRedactions(edited, stored)
	if err != nil {
		t.Fatalf("RestoreRedactions: %v", err)
	}
	if !strings.Contains(restored, "hunter2") {
		t.Errorf("secret not restored: %s", restored)
	}
	if !strings.Contains(restored, "9001") {
		t.Errorf("edit lost: %s", restored)
	}
}

func TestRestoreRedactions_PassthroughWithoutPlaceholder(t *testing.T) {
	edited := `{ /* comment kept */ gateway: { port: 1 } }`
	restored, err := RestoreRedactions(edited, `{}`)
	if err != nil || restored != edited {
		t.Errorf("restored = %q err = %v", restored, err)
	}
}

func TestRestoreRedactions_OrphanPlaceholderFails(t *testing.T) {
	edited := `{"gateway": {"auth": {"password": "` + RedactedPlaceholder + `"}}}`
	if _, err := RestoreRedactions(edited, `{}`); err == nil {
		t.Error("placeholder with no stored value accepted")
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	var f FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["a", 123]`), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(f) != 2 || f[0] != "a" || f[1] != "123" {
		t.Errorf("f = %v", f)
	}
}
