// Package restart gates reconfigure-induced restarts on in-flight work. A
// restart signal is deferred until every scheduler lane is drained and every
// dispatcher reservation has released, or the timeout elapses.
package restart

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Gate polls the busy counters. Poll interval stays at or below 50ms so the
// deferral window after the last delivery is short.
type Gate struct {
	QueueSize      func() int
	PendingReplies func() int
	Interval       time.Duration
}

func NewGate(queueSize, pendingReplies func() int) *Gate {
	return &Gate{
		QueueSize:      queueSize,
		PendingReplies: pendingReplies,
		Interval:       50 * time.Millisecond,
	}
}

// CanRestart reports whether no work is in flight right now.
func (g *Gate) CanRestart() bool {
	return g.QueueSize()+g.PendingReplies() == 0
}

// Wait blocks until CanRestart or timeout. Returns true when the gate
// opened, false when the timeout elapsed (the restart proceeds anyway; the
// caller logs the forced path).
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	interval := g.Interval
	if interval <= 0 || interval > 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if g.CanRestart() {
			return true
		}
		if timeout > 0 && time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Sentinel is written before the process signals itself, so the next
// incarnation can announce the restart in the conversation that caused it.
type Sentinel struct {
	Kind            string `json:"kind"`
	Ts              int64  `json:"ts"` // unix ms
	SessionKey      string `json:"sessionKey,omitempty"`
	DeliveryContext string `json:"deliveryContext,omitempty"`
	ThreadID        string `json:"threadId,omitempty"`
	Message         string `json:"message,omitempty"`
}

// WriteSentinel persists the sentinel atomically.
func WriteSentinel(path string, s Sentinel) error {
	if s.Ts == 0 {
		s.Ts = time.Now().UnixMilli()
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "restart-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ReadSentinel loads and removes the sentinel left by the previous
// incarnation. Returns ok=false when none exists.
func ReadSentinel(path string) (Sentinel, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Sentinel{}, false
	}
	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		os.Remove(path)
		return Sentinel{}, false
	}
	os.Remove(path)
	return s, true
}

// Scheduler coordinates one deferred restart at a time.
type Scheduler struct {
	gate         *Gate
	sentinelPath string
	timeout      time.Duration
	log          *slog.Logger

	// signal is swappable for tests; default sends SIGUSR1 to the process.
	signal func() error
}

func NewScheduler(gate *Gate, sentinelPath string, timeout time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		gate:         gate,
		sentinelPath: sentinelPath,
		timeout:      timeout,
		log:          log,
		signal: func() error {
			return syscall.Kill(os.Getpid(), syscall.SIGUSR1)
		},
	}
}

// Schedule waits delay, then defers on the gate, writes the sentinel, and
// signals the process. Runs in its own goroutine; the gateway's SIGUSR1
// handler performs the actual re-exec.
func (s *Scheduler) Schedule(ctx context.Context, delay time.Duration, sentinel Sentinel) {
	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if !s.gate.Wait(ctx, s.timeout) {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("restart gate timed out; restarting with work in flight",
				"queued", s.gate.QueueSize(), "pendingReplies", s.gate.PendingReplies())
		}
		if err := WriteSentinel(s.sentinelPath, sentinel); err != nil {
			s.log.Error("restart sentinel write failed", "error", err)
		}
		if err := s.signal(); err != nil {
			s.log.Error("restart signal failed", "error", err)
		}
	}()
}
