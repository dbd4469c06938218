// Package approvals mediates dangerous command execution. A run that wants
// system.run must first obtain an approval record; the ledger binds the later
// invoke to the exact request and device that asked, and is the authority
// behind the on-disk allowlist file node hosts consult.
package approvals

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Decision is an operator's verdict on an approval request.
type Decision string

const (
	DecisionAllowOnce   Decision = "allow-once"
	DecisionAllowAlways Decision = "allow-always"
	DecisionDeny        Decision = "deny"
)

// Request is the command context an approval binds to. All fields must match
// exactly at invoke time.
type Request struct {
	Host       string   `json:"host"`
	Command    []string `json:"command"`
	RawCommand string   `json:"rawCommand,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	AgentID    string   `json:"agentId"`
	SessionKey string   `json:"sessionKey"`

	// DeviceID pins the approval to the requesting operator device. Stable
	// across reconnects; connection id is the fallback when absent.
	DeviceID string `json:"deviceId,omitempty"`
}

// Record is one ledger entry.
type Record struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	Decision   Decision  `json:"decision,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
	TimedOut   bool      `json:"timedOut,omitempty"`

	// fallbackUsed marks that the once-only timed-out allow-once path has
	// been consumed.
	fallbackUsed bool
}

// Resolved reports whether an operator decision or timeout has landed.
func (r *Record) Resolved() bool { return !r.ResolvedAt.IsZero() }

// DefaultTTL applies when the requester gives no expiry.
const DefaultTTL = 30 * time.Second

// Ledger holds in-memory approval records.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*Record), now: time.Now}
}

// Request registers a new record and returns it. Empty id mints one; zero
// ttl applies DefaultTTL.
func (l *Ledger) Request(id string, req Request, ttl time.Duration) *Record {
	if id == "" {
		id = uuid.NewString()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.now()
	rec := &Record{
		ID:        id,
		Request:   req,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	l.mu.Lock()
	l.records[id] = rec
	l.mu.Unlock()
	return rec
}

// Resolve records the operator decision. Only the first resolution lands.
func (l *Ledger) Resolve(id string, decision Decision) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("unknown approval %q", id)
	}
	if rec.Resolved() {
		return nil, fmt.Errorf("approval %q already resolved", id)
	}
	rec.Decision = decision
	rec.ResolvedAt = l.now()
	cp := *rec
	return &cp, nil
}

// Timeout marks the record resolved with no decision. The caller may later
// supply allow-once exactly once if it holds the approvals capability.
func (l *Ledger) Timeout(id string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("unknown approval %q", id)
	}
	if rec.Resolved() {
		return nil, fmt.Errorf("approval %q already resolved", id)
	}
	rec.ResolvedAt = l.now()
	rec.TimedOut = true
	cp := *rec
	return &cp, nil
}

// GetSnapshot returns a copy of the record.
func (l *Ledger) GetSnapshot(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Sweep drops records whose expiry passed more than grace ago.
func (l *Ledger) Sweep(grace time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for id, rec := range l.records {
		if now.After(rec.ExpiresAt.Add(grace)) {
			delete(l.records, id)
			n++
		}
	}
	return n
}

// Error is an approval rejection with a machine-readable detail code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func rejection(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Caller identifies the invoking connection for device binding and
// capability checks.
type Caller struct {
	DeviceID     string
	ConnectionID string
	CanApprove   bool // holds operator.approvals
}

// InvokeParams are the client-supplied system.run override fields.
type InvokeParams struct {
	RunID            string
	Approved         bool
	ApprovalDecision Decision

	Host       string
	Command    []string
	RawCommand string
	Cwd        string
	AgentID    string
	SessionKey string
}

// Authorize validates a system.run override against the ledger and returns
// the decision to forward. Every rejection carries a distinct code.
func (l *Ledger) Authorize(p InvokeParams, caller Caller) (Decision, error) {
	if p.RunID == "" {
		return "", rejection(protocol.ApprovalMissingRunID, "approval override without runId")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[p.RunID]
	if !ok {
		return "", rejection(protocol.ApprovalUnknownID, "no approval record %q", p.RunID)
	}
	if l.now().After(rec.ExpiresAt) {
		return "", rejection(protocol.ApprovalExpired, "approval %q expired", p.RunID)
	}

	if rec.Request.DeviceID != "" {
		if caller.DeviceID != rec.Request.DeviceID {
			return "", rejection(protocol.ApprovalDeviceMismatch, "approval %q bound to another device", p.RunID)
		}
	} else if caller.ConnectionID == "" {
		return "", rejection(protocol.ApprovalDeviceMismatch, "caller has no identity for approval %q", p.RunID)
	}

	if !requestMatches(rec.Request, p) {
		return "", rejection(protocol.ApprovalRequestMismatch, "approval %q bound to a different request", p.RunID)
	}

	if rec.Decision == DecisionAllowOnce || rec.Decision == DecisionAllowAlways {
		return rec.Decision, nil
	}
	if rec.Decision == DecisionDeny {
		return "", rejection(protocol.ApprovalRequired, "approval %q was denied", p.RunID)
	}

	// Timed out with no decision: the UI ask-fallback may supply
	// allow-once exactly once, and only with the approvals capability.
	if rec.TimedOut && p.ApprovalDecision == DecisionAllowOnce && caller.CanApprove && !rec.fallbackUsed {
		rec.fallbackUsed = true
		return DecisionAllowOnce, nil
	}

	return "", rejection(protocol.ApprovalRequired, "approval %q has no decision", p.RunID)
}

func requestMatches(rec Request, p InvokeParams) bool {
	if rec.Host != p.Host || rec.Cwd != p.Cwd ||
		rec.AgentID != p.AgentID || rec.SessionKey != p.SessionKey {
		return false
	}
	return normalizeCommand(rec.Command) == normalizeCommand(p.Command)
}

func normalizeCommand(cmd []string) string {
	parts := make([]string, 0, len(cmd))
	for _, c := range cmd {
		parts = append(parts, strings.TrimSpace(c))
	}
	return strings.Join(parts, "\x00")
}
