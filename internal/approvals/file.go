package approvals

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AllowlistEntry is one agent-scoped shell pattern. Pattern is a
// case-insensitive glob matched against the normalized command line.
type AllowlistEntry struct {
	Pattern string `json:"pattern"`

	LastUsedAt       int64  `json:"lastUsedAt,omitempty"` // unix ms
	LastUsedCommand  string `json:"lastUsedCommand,omitempty"`
	LastResolvedPath string `json:"lastResolvedPath,omitempty"`
}

// AgentApprovals is the per-agent section of the approvals file.
type AgentApprovals struct {
	Allowlist []AllowlistEntry `json:"allowlist,omitempty"`
}

// FileDefaults applies when an agent has no section of its own.
type FileDefaults struct {
	Ask        bool   `json:"ask"`
	AskTimeout string `json:"askTimeout,omitempty"`
}

// File is the on-disk approvals document node hosts consult.
type File struct {
	Version  int                       `json:"version"`
	Defaults FileDefaults              `json:"defaults"`
	Agents   map[string]AgentApprovals `json:"agents,omitempty"`
	Socket   string                    `json:"socket,omitempty"`
}

// FileStore persists the approvals file with hash-guarded optimistic writes.
type FileStore struct {
	path string

	mu   sync.Mutex
	file File
	hash string
	read bool
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// ErrHashMismatch is returned when a writer's baseHash is stale.
var ErrHashMismatch = fmt.Errorf("approvals file changed; reload and retry")

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Get returns the current file and its content hash. A missing file yields
// an empty version-1 document.
func (s *FileStore) Get() (File, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return File{}, "", err
	}
	return s.file, s.hash, nil
}

func (s *FileStore) loadLocked() error {
	if s.read {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.file = File{Version: 1}
			empty, _ := json.Marshal(s.file)
			s.hash = hashBytes(empty)
			s.read = true
			return nil
		}
		return fmt.Errorf("approvals file read: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("approvals file parse: %w", err)
	}
	s.file = f
	s.hash = hashBytes(data)
	s.read = true
	return nil
}

// Set replaces the document iff baseHash matches the stored hash. The write
// is atomic (tmp then rename) and returns the new hash.
func (s *FileStore) Set(next File, baseHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", err
	}
	if baseHash != s.hash {
		return "", ErrHashMismatch
	}
	return s.writeLocked(next)
}

func (s *FileStore) writeLocked(next File) (string, error) {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "approvals-*.tmp")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	s.file = next
	s.hash = hashBytes(data)
	return s.hash, nil
}

// safeBins are the directories argv[0] may resolve into for an allowlist
// bypass. A binary outside these never bypasses the ask step.
var safeBins = []string{"/bin", "/usr/bin", "/usr/local/bin", "/opt/homebrew/bin", "/sbin", "/usr/sbin"}

// lookPath resolves argv0 against PATH restricted to safeBins. Absolute
// paths must already sit inside a safe directory.
func resolveArgv0(argv0 string) (string, bool) {
	if strings.ContainsRune(argv0, os.PathSeparator) {
		abs, err := filepath.Abs(argv0)
		if err != nil {
			return "", false
		}
		for _, dir := range safeBins {
			if filepath.Dir(abs) == dir {
				return abs, true
			}
		}
		return "", false
	}
	for _, dir := range safeBins {
		candidate := filepath.Join(dir, argv0)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, true
		}
	}
	return "", false
}

// MatchAllowlist reports whether command matches an allowlist pattern for
// agentID. On match the entry is stamped with usage metadata and persisted
// best-effort.
func (s *FileStore) MatchAllowlist(agentID string, command []string) (bool, error) {
	if len(command) == 0 {
		return false, nil
	}
	resolved, ok := resolveArgv0(command[0])
	if !ok {
		return false, nil
	}

	line := strings.ToLower(strings.Join(command, " "))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return false, err
	}
	agent, ok := s.file.Agents[agentID]
	if !ok {
		return false, nil
	}
	for i := range agent.Allowlist {
		entry := &agent.Allowlist[i]
		matched, err := filepath.Match(strings.ToLower(entry.Pattern), line)
		if err != nil || !matched {
			continue
		}
		entry.LastUsedAt = time.Now().UnixMilli()
		entry.LastUsedCommand = strings.Join(command, " ")
		entry.LastResolvedPath = resolved
		next := s.file
		next.Agents[agentID] = agent
		if _, err := s.writeLocked(next); err != nil {
			// Stamping is advisory; the match still stands.
			return true, nil
		}
		return true, nil
	}
	return false, nil
}
