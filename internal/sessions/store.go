package sessions

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is the durable per-session metadata record. The store is the only
// authority mapping session-key → SessionID; transcripts are addressed via
// SessionID only.
type Entry struct {
	SessionID string    `json:"sessionId"`
	UpdatedAt time.Time `json:"updatedAt"`

	TotalTokens      int64 `json:"totalTokens,omitempty"`
	TotalTokensFresh bool  `json:"totalTokensFresh,omitempty"`
	InputTokens      int64 `json:"inputTokens,omitempty"`
	OutputTokens     int64 `json:"outputTokens,omitempty"`

	CompactionCount            int   `json:"compactionCount,omitempty"`
	MemoryFlushAt              int64 `json:"memoryFlushAt,omitempty"` // unix ms
	MemoryFlushCompactionCount int   `json:"memoryFlushCompactionCount,omitempty"`

	VerboseLevel int    `json:"verboseLevel,omitempty"`
	LastChannel  string `json:"lastChannel,omitempty"`
	LastTo       string `json:"lastTo,omitempty"`
	SessionFile  string `json:"sessionFile,omitempty"` // transcript path (canonical)

	// Queue settings mutated by /queue and read by the scheduler lane.
	QueueMode       string `json:"queueMode,omitempty"`
	QueueDebounceMs int    `json:"queueDebounceMs,omitempty"`
	QueueCap        int    `json:"queueCap,omitempty"`
	QueueDrop       string `json:"queueDrop,omitempty"`
}

// ArchiveReason labels transcript archives.
type ArchiveReason string

const (
	ArchiveReset   ArchiveReason = "reset"
	ArchiveDeleted ArchiveReason = "deleted"
	ArchiveBak     ArchiveReason = "bak"
)

// Store is the JSON-file-backed session metadata store. One writer per
// process; Mutate serializes read-modify-write cycles under an in-memory
// mutex and persists with an atomic tmp+rename.
type Store struct {
	path    string // session store file (JSON map keyed by session-key)
	baseDir string // agent-scoped transcript root
	mu      sync.Mutex
	entries map[string]*Entry
	loaded  bool
}

// NewStore creates a store persisting to path, with transcripts under
// baseDir/agents/{agentId}/sessions/.
func NewStore(path, baseDir string) *Store {
	return &Store{
		path:    path,
		baseDir: baseDir,
		entries: make(map[string]*Entry),
	}
}

// Load reads the store file into memory. Missing file is an empty store.
func (s *Store) Load() (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(s.entries))
	for k, e := range s.entries {
		out[k] = *e
	}
	return out, nil
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("session store read: %w", err)
	}
	entries := make(map[string]*Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("session store parse: %w", err)
	}
	s.entries = entries
	s.loaded = true
	return nil
}

// Get returns a copy of the entry for key, and whether it exists.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Entry{}, false
	}
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Mutate runs fn under the single-writer lock. fn receives the current entry
// (nil when absent) and returns the next; returning nil deletes the entry.
// Any I/O failure is fatal to the call and surfaced to the caller.
func (s *Store) Mutate(key string, fn func(cur *Entry) *Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Entry{}, err
	}

	var cur *Entry
	if e, ok := s.entries[key]; ok {
		cp := *e
		cur = &cp
	}
	next := fn(cur)
	if next == nil {
		delete(s.entries, key)
	} else {
		next.UpdatedAt = time.Now().UTC()
		s.entries[key] = next
	}
	if err := s.saveLocked(); err != nil {
		return Entry{}, err
	}
	if next == nil {
		return Entry{}, nil
	}
	return *next, nil
}

// EnsureSession returns the entry for key, minting a fresh SessionID and
// canonical transcript path on first use.
func (s *Store) EnsureSession(key, agentID string) (Entry, error) {
	return s.Mutate(key, func(cur *Entry) *Entry {
		if cur != nil && cur.SessionID != "" {
			return cur
		}
		id := uuid.NewString()
		return &Entry{
			SessionID:   id,
			SessionFile: s.TranscriptPath(id, agentID),
		}
	})
}

// ResetSession archives the current transcript and mints a new SessionID.
// Used for context-overflow and corrupt-history recovery.
func (s *Store) ResetSession(key, agentID string, reason ArchiveReason) (Entry, error) {
	old, _ := s.Get(key)
	if old.SessionID != "" {
		s.Archive(old.SessionID, agentID, reason)
	}
	return s.Mutate(key, func(*Entry) *Entry {
		id := uuid.NewString()
		return &Entry{
			SessionID:   id,
			SessionFile: s.TranscriptPath(id, agentID),
		}
	})
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// TranscriptPath is the canonical write path for a transcript.
func (s *Store) TranscriptPath(sessionID, agentID string) string {
	if agentID == "" {
		agentID = "default"
	}
	return filepath.Join(s.baseDir, "agents", agentID, "sessions", sessionID+".jsonl")
}

// TranscriptCandidates returns the ordered set of paths to probe when
// reading a transcript: the canonical agent-scoped path, the store-directory
// neighbor, then the legacy home dot-directory path. Writes always use the
// canonical path.
func (s *Store) TranscriptCandidates(sessionID, agentID string) []string {
	candidates := []string{
		s.TranscriptPath(sessionID, agentID),
		filepath.Join(filepath.Dir(s.path), sessionID+".jsonl"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".clawgate", "sessions", sessionID+".jsonl"))
	}
	return candidates
}

// OpenTranscript opens the first existing transcript candidate for reading.
func (s *Store) OpenTranscript(sessionID, agentID string) (*os.File, error) {
	var firstErr error
	for _, p := range s.TranscriptCandidates(sessionID, agentID) {
		f, err := os.Open(p)
		if err == nil {
			return f, nil
		}
		if firstErr == nil && !os.IsNotExist(err) {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, os.ErrNotExist
}

// AppendTranscript writes one JSONL record to the canonical transcript.
func (s *Store) AppendTranscript(sessionID, agentID string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("transcript encode: %w", err)
	}
	path := s.TranscriptPath(sessionID, agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// ReadTranscriptTail returns the last limit JSONL records of the transcript,
// oldest first. A missing transcript yields an empty slice.
func (s *Store) ReadTranscriptTail(sessionID, agentID string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	f, err := s.OpenTranscript(sessionID, agentID)
	if err != nil {
		if os.IsNotExist(err) {
			return []json.RawMessage{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tail []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		tail = append(tail, json.RawMessage(append([]byte(nil), line...)))
		if len(tail) > limit {
			tail = tail[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if tail == nil {
		tail = []json.RawMessage{}
	}
	return tail, nil
}

// Archive renames transcript files in place with a reason + ISO timestamp
// suffix, best-effort across all candidates. A failed archive is logged by
// the caller and otherwise ignored.
func (s *Store) Archive(sessionID, agentID string, reason ArchiveReason) {
	suffix := fmt.Sprintf(".%s.%s", reason, time.Now().UTC().Format("2006-01-02T15-04-05"))
	for _, p := range s.TranscriptCandidates(sessionID, agentID) {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		_ = os.Rename(p, p+suffix)
	}
}
