// Package store persists the operator audit trail: exec-approval outcomes
// and config mutations, append-only in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Audit entry kinds.
const (
	KindApprovalRequested = "approval.requested"
	KindApprovalResolved  = "approval.resolved"
	KindExecDenied        = "exec.denied"
	KindConfigChanged     = "config.changed"
	KindRestartPending    = "restart.pending"
)

// Entry is one audit record.
type Entry struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Actor    string    `json:"actor,omitempty"`
	DeviceID string    `json:"deviceId,omitempty"`
	Target   string    `json:"target,omitempty"`
	Detail   any       `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// AuditLog is the SQLite-backed audit store.
type AuditLog struct {
	db  *sql.DB
	log *slog.Logger
}

// NewAuditLog opens or creates the audit database at path. Parent
// directories are created as needed.
func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			actor       TEXT,
			device_id   TEXT,
			target      TEXT,
			detail_json TEXT,
			at          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_log(kind, at DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	a := &AuditLog{db: db, log: slog.Default().With("component", "audit")}
	a.log.Info("audit log opened", "path", path)
	return a, nil
}

func (a *AuditLog) Close() error {
	return a.db.Close()
}

// Record appends one entry. A missing id or timestamp is filled in.
func (a *AuditLog) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	var detail any
	if e.Detail != nil {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encoding audit detail: %w", err)
		}
		detail = string(raw)
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, actor, device_id, target, detail_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, nullString(e.Actor), nullString(e.DeviceID),
		nullString(e.Target), detail, e.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Recent lists entries newest first. An empty kind matches all kinds; a
// non-positive limit defaults to 100.
func (a *AuditLog) Recent(ctx context.Context, kind string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, kind, actor, device_id, target, detail_json, at
		FROM audit_log
	`
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var actor, deviceID, target, detail sql.NullString
		var at string
		if err := rows.Scan(&e.ID, &e.Kind, &actor, &deviceID, &target, &detail, &at); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		e.Actor = actor.String
		e.DeviceID = deviceID.String
		e.Target = target.String
		if detail.Valid && detail.String != "" {
			var d any
			if err := json.Unmarshal([]byte(detail.String), &d); err == nil {
				e.Detail = d
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// auditedEvents maps broadcast event names onto audit kinds. Events outside
// this set are not persisted.
var auditedEvents = map[string]string{
	protocol.EventExecApprovalReq: KindApprovalRequested,
	protocol.EventExecApprovalRes: KindApprovalResolved,
	protocol.EventExecDenied:      KindExecDenied,
	protocol.EventConfigChanged:   KindConfigChanged,
	protocol.EventRestartPending:  KindRestartPending,
}

// EventRecorder adapts the audit log to the bus event stream so approval and
// config events are persisted as a side effect of being broadcast.
func (a *AuditLog) EventRecorder() bus.EventHandler {
	return func(event bus.Event) {
		kind, ok := auditedEvents[event.Name]
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Record(ctx, Entry{Kind: kind, Target: event.Name, Detail: event.Payload}); err != nil {
			a.log.Warn("audit record failed", "event", event.Name, "error", err)
		}
	}
}
