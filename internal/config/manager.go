package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/titanous/json5"
)

// Snapshot is the result of a config read: the typed tree, validation
// outcome, the raw file text, and its content hash for optimistic writes.
type Snapshot struct {
	Config *Config
	Valid  bool
	Issues []string
	Raw    string
	Hash   string
}

// ErrHashMismatch rejects a write whose baseHash is stale.
var ErrHashMismatch = fmt.Errorf("config changed; re-run config.get and retry")

// Manager serializes reads and hash-guarded writes of the config file.
type Manager struct {
	path string

	mu sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Path returns the config file location.
func (m *Manager) Path() string { return m.path }

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load reads and parses the file. A missing file yields defaults with an
// empty raw text.
func (m *Manager) Load() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (Snapshot, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.LoadSecretsFromEnv()
			return Snapshot{Config: cfg, Valid: true, Raw: "", Hash: contentHash(nil)}, nil
		}
		return Snapshot{}, fmt.Errorf("config read: %w", err)
	}

	cfg := &Config{}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return Snapshot{
			Config: Default(),
			Valid:  false,
			Issues: []string{fmt.Sprintf("parse error: %v", err)},
			Raw:    string(data),
			Hash:   contentHash(data),
		}, nil
	}
	cfg.ApplyDefaults()
	cfg.LoadSecretsFromEnv()
	issues := cfg.Validate()
	return Snapshot{
		Config: cfg,
		Valid:  len(issues) == 0,
		Issues: issues,
		Raw:    string(data),
		Hash:   contentHash(data),
	}, nil
}

// Set replaces the raw file content iff baseHash matches the current file
// hash. The new content must parse; validation issues are returned but do
// not block the write. Secrets redacted in raw are restored from the stored
// file before persisting.
func (m *Manager) Set(raw string, baseHash string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.loadLocked()
	if err != nil {
		return Snapshot{}, err
	}
	if baseHash != cur.Hash {
		return Snapshot{}, ErrHashMismatch
	}

	restored, err := RestoreRedactions(raw, cur.Raw)
	if err != nil {
		return Snapshot{}, err
	}

	cfg := &Config{}
	if err := json5.Unmarshal([]byte(restored), cfg); err != nil {
		return Snapshot{}, fmt.Errorf("config parse: %w", err)
	}

	if err := m.writeLocked([]byte(restored)); err != nil {
		return Snapshot{}, err
	}
	return m.loadLocked()
}

// Patch applies an RFC 7386 merge-patch to the current document and writes
// the result under the same hash guard as Set.
func (m *Manager) Patch(patch json.RawMessage, baseHash string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.loadLocked()
	if err != nil {
		return Snapshot{}, err
	}
	if baseHash != cur.Hash {
		return Snapshot{}, ErrHashMismatch
	}

	var doc any
	if cur.Raw != "" {
		if err := json5.Unmarshal([]byte(cur.Raw), &doc); err != nil {
			return Snapshot{}, fmt.Errorf("config parse: %w", err)
		}
	}
	var p any
	if err := json.Unmarshal(patch, &p); err != nil {
		return Snapshot{}, fmt.Errorf("patch parse: %w", err)
	}
	merged := MergePatch(doc, p)

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return Snapshot{}, err
	}
	if err := m.writeLocked(data); err != nil {
		return Snapshot{}, err
	}
	return m.loadLocked()
}

func (m *Manager) writeLocked(data []byte) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// MergePatch implements RFC 7386: objects merge recursively, null deletes,
// everything else replaces.
func MergePatch(target, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	targetObj, ok := target.(map[string]any)
	if !ok {
		targetObj = map[string]any{}
	}
	out := make(map[string]any, len(targetObj))
	for k, v := range targetObj {
		out[k] = v
	}
	for k, v := range patchObj {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = MergePatch(out[k], v)
	}
	return out
}
