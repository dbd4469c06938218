package gateway

import (
	"encoding/json"
	"sync"
)

// IdempotencyStatus is the lifecycle of a deduplicated request.
type IdempotencyStatus string

const (
	StatusInFlight IdempotencyStatus = "in_flight"
	StatusOK       IdempotencyStatus = "ok"
	StatusFailed   IdempotencyStatus = "failed"
)

type idempotencyRecord struct {
	status  IdempotencyStatus
	payload json.RawMessage
}

// IdempotencyMap deduplicates requests per session-key. A repeated key while
// the first request runs returns in_flight; after completion the terminal
// status is sticky and replays never re-execute.
type IdempotencyMap struct {
	mu      sync.Mutex
	records map[string]map[string]*idempotencyRecord
}

func NewIdempotencyMap() *IdempotencyMap {
	return &IdempotencyMap{records: make(map[string]map[string]*idempotencyRecord)}
}

// Begin claims sessionKey+key. first=true means the caller owns execution;
// otherwise status and payload reflect the original request.
func (m *IdempotencyMap) Begin(sessionKey, key string) (status IdempotencyStatus, payload json.RawMessage, first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.records[sessionKey]
	if !ok {
		session = make(map[string]*idempotencyRecord)
		m.records[sessionKey] = session
	}
	if rec, ok := session[key]; ok {
		return rec.status, rec.payload, false
	}
	session[key] = &idempotencyRecord{status: StatusInFlight}
	return StatusInFlight, nil, true
}

// Complete records the terminal outcome for sessionKey+key.
func (m *IdempotencyMap) Complete(sessionKey, key string, ok bool, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, exists := m.records[sessionKey]
	if !exists {
		return
	}
	rec, exists := session[key]
	if !exists {
		return
	}
	if ok {
		rec.status = StatusOK
	} else {
		rec.status = StatusFailed
	}
	rec.payload = payload
}

// Forget drops all keys for a session, used when the session resets.
func (m *IdempotencyMap) Forget(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sessionKey)
}
