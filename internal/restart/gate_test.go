package restart

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestGate_CanRestart(t *testing.T) {
	var queued, pending atomic.Int64
	g := NewGate(
		func() int { return int(queued.Load()) },
		func() int { return int(pending.Load()) },
	)

	if !g.CanRestart() {
		t.Error("empty gate not restartable")
	}
	pending.Store(1)
	if g.CanRestart() {
		t.Error("gate open with pending replies")
	}
}

func TestGate_WaitDefersUntilDrained(t *testing.T) {
	var pending atomic.Int64
	pending.Store(2)
	g := NewGate(func() int { return 0 }, func() int { return int(pending.Load()) })
	g.Interval = 5 * time.Millisecond

	go func() {
		time.Sleep(20 * time.Millisecond)
		pending.Store(1)
		time.Sleep(20 * time.Millisecond)
		pending.Store(0)
	}()

	start := time.Now()
	if !g.Wait(context.Background(), time.Second) {
		t.Fatal("Wait timed out")
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Wait returned before counters drained")
	}
}

func TestGate_WaitTimeout(t *testing.T) {
	g := NewGate(func() int { return 1 }, func() int { return 0 })
	g.Interval = 5 * time.Millisecond
	if g.Wait(context.Background(), 30*time.Millisecond) {
		t.Error("Wait reported drained while busy")
	}
}

func TestSentinel_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.json")
	in := Sentinel{
		Kind:       "config-apply",
		SessionKey: "agent:default:telegram:dm:1",
		ThreadID:   "9",
		Message:    "gateway restarting to apply config",
	}
	if err := WriteSentinel(path, in); err != nil {
		t.Fatalf("WriteSentinel: %v", err)
	}

	out, ok := ReadSentinel(path)
	if !ok {
		t.Fatal("sentinel not found")
	}
	if out.Kind != in.Kind || out.SessionKey != in.SessionKey || out.Ts == 0 {
		t.Errorf("sentinel = %+v", out)
	}

	// Read consumes the file.
	if _, ok := ReadSentinel(path); ok {
		t.Error("sentinel survived read")
	}
}

func TestScheduler_SignalsAfterGateOpens(t *testing.T) {
	var pending atomic.Int64
	pending.Store(1)
	g := NewGate(func() int { return 0 }, func() int { return int(pending.Load()) })
	g.Interval = 5 * time.Millisecond

	path := filepath.Join(t.TempDir(), "restart.json")
	s := NewScheduler(g, path, time.Second, nil)
	signalled := make(chan struct{})
	s.signal = func() error {
		close(signalled)
		return nil
	}

	s.Schedule(context.Background(), 0, Sentinel{Kind: "config-apply"})

	select {
	case <-signalled:
		t.Fatal("signalled while pending replies outstanding")
	case <-time.After(30 * time.Millisecond):
	}

	pending.Store(0)
	select {
	case <-signalled:
	case <-time.After(time.Second):
		t.Fatal("never signalled after gate opened")
	}

	if _, ok := ReadSentinel(path); !ok {
		t.Error("sentinel missing after restart signal")
	}
}
