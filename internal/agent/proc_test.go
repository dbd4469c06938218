package agent

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewProcessRunner_EmptyCommand(t *testing.T) {
	if _, err := NewProcessRunner(nil, "", 0); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestProcessRunner_RoundTrip(t *testing.T) {
	r, err := NewProcessRunner([]string{"sh", "-c", "cat"}, "", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background(), RunRequest{Prompt: "hello agent"}, RunHooks{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hello agent" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestProcessRunner_SteeringAppended(t *testing.T) {
	r, _ := NewProcessRunner([]string{"sh", "-c", "cat"}, "", time.Minute)
	res, err := r.Run(context.Background(),
		RunRequest{Prompt: "first", SteeringInput: "second"}, RunHooks{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "first\nsecond" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestProcessRunner_StderrSurfacesInError(t *testing.T) {
	r, _ := NewProcessRunner([]string{"sh", "-c", "echo boom >&2; exit 3"}, "", time.Minute)
	_, err := r.Run(context.Background(), RunRequest{Prompt: "x"}, RunHooks{})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want stderr line surfaced", err)
	}
}

func TestProcessRunner_CancelAborts(t *testing.T) {
	r, _ := NewProcessRunner([]string{"sh", "-c", "sleep 10"}, "", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	res, err := r.Run(ctx, RunRequest{Prompt: "x"}, RunHooks{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted {
		t.Error("expected aborted result on parent cancel")
	}
}

func TestProcessRunner_Timeout(t *testing.T) {
	r, _ := NewProcessRunner([]string{"sh", "-c", "sleep 10"}, "", 0)
	r.Timeout = 100 * time.Millisecond
	_, err := r.Run(context.Background(), RunRequest{Prompt: "x"}, RunHooks{})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout error", err)
	}
}
