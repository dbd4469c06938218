package approvals

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "exec-approvals.json"))
}

func TestFileStore_MissingFileIsEmptyDocument(t *testing.T) {
	s := newTestFileStore(t)
	f, hash, err := s.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if f.Version != 1 || hash == "" {
		t.Errorf("file = %+v hash = %q", f, hash)
	}
}

func TestFileStore_HashGuardedWrite(t *testing.T) {
	s := newTestFileStore(t)
	f, hash, _ := s.Get()

	f.Agents = map[string]AgentApprovals{
		"default": {Allowlist: []AllowlistEntry{{Pattern: "ls *"}}},
	}
	newHash, err := s.Set(f, hash)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if newHash == hash {
		t.Error("hash did not change after write")
	}

	// A writer holding the old hash must be rejected.
	if _, err := s.Set(f, hash); !errors.Is(err, ErrHashMismatch) {
		t.Errorf("stale write err = %v, want ErrHashMismatch", err)
	}

	// Fresh store instance reads the persisted document.
	reread := NewFileStore(s.path)
	got, _, err := reread.Get()
	if err != nil {
		t.Fatalf("reread Get: %v", err)
	}
	if len(got.Agents["default"].Allowlist) != 1 {
		t.Errorf("reread = %+v", got)
	}
}

func TestFileStore_MatchAllowlistStampsUsage(t *testing.T) {
	s := newTestFileStore(t)
	f, hash, _ := s.Get()
	f.Agents = map[string]AgentApprovals{
		"default": {Allowlist: []AllowlistEntry{{Pattern: "ls *"}}},
	}
	if _, err := s.Set(f, hash); err != nil {
		t.Fatalf("Set: %v", err)
	}

	matched, err := s.MatchAllowlist("default", []string{"ls", "-la"})
	if err != nil {
		t.Fatalf("MatchAllowlist: %v", err)
	}
	if !matched {
		t.Fatal("allowlisted command did not match")
	}

	got, _, _ := s.Get()
	entry := got.Agents["default"].Allowlist[0]
	if entry.LastUsedAt == 0 || entry.LastUsedCommand != "ls -la" || entry.LastResolvedPath == "" {
		t.Errorf("usage not stamped: %+v", entry)
	}
}

func TestFileStore_MatchAllowlist_CaseInsensitive(t *testing.T) {
	s := newTestFileStore(t)
	f, hash, _ := s.Get()
	f.Agents = map[string]AgentApprovals{
		"default": {Allowlist: []AllowlistEntry{{Pattern: "LS *"}}},
	}
	s.Set(f, hash)

	matched, err := s.MatchAllowlist("default", []string{"ls", "-l"})
	if err != nil || !matched {
		t.Errorf("matched = %v err = %v", matched, err)
	}
}

func TestFileStore_MatchAllowlist_UnsafeBinaryNeverMatches(t *testing.T) {
	s := newTestFileStore(t)
	f, hash, _ := s.Get()
	f.Agents = map[string]AgentApprovals{
		"default": {Allowlist: []AllowlistEntry{{Pattern: "*"}}},
	}
	s.Set(f, hash)

	matched, err := s.MatchAllowlist("default", []string{"/tmp/evil", "arg"})
	if err != nil {
		t.Fatalf("MatchAllowlist: %v", err)
	}
	if matched {
		t.Error("binary outside safe directories matched allowlist")
	}
}

func TestFileStore_MatchAllowlist_NoAgentSection(t *testing.T) {
	s := newTestFileStore(t)
	matched, err := s.MatchAllowlist("ghost", []string{"ls"})
	if err != nil || matched {
		t.Errorf("matched = %v err = %v", matched, err)
	}
}
