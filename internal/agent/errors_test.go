package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrorOther},
		{"overflow", errors.New("400: prompt is too long: 210000 tokens"), ErrorContextOverflow},
		{"role ordering", errors.New("messages: roles must alternate"), ErrorRoleOrdering},
		{"corrupt", errors.New("unable to parse session file"), ErrorCorruptTranscript},
		{"rate limit", errors.New("429 rate limit exceeded"), ErrorTransient},
		{"server error", errors.New("upstream returned 503"), ErrorTransient},
		{"unknown", errors.New("something else broke"), ErrorOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRunWithRetry_RetriesTransient(t *testing.T) {
	calls := 0
	run := func(context.Context, RunRequest, RunHooks) (RunResult, error) {
		calls++
		if calls < 3 {
			return RunResult{}, errors.New("429 rate limit")
		}
		return RunResult{Text: "ok"}, nil
	}

	res, err := RunWithRetry(context.Background(), run, RunRequest{}, RunHooks{})
	if err != nil {
		t.Fatalf("RunWithRetry: %v", err)
	}
	if res.Text != "ok" || calls != 3 {
		t.Errorf("res = %+v, calls = %d", res, calls)
	}
}

func TestRunWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	run := func(context.Context, RunRequest, RunHooks) (RunResult, error) {
		calls++
		return RunResult{}, errors.New("503 unavailable")
	}

	_, err := RunWithRetry(context.Background(), run, RunRequest{}, RunHooks{})
	if err == nil || calls != maxAttempts {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestRunWithRetry_NoRetryOnNonTransient(t *testing.T) {
	calls := 0
	run := func(context.Context, RunRequest, RunHooks) (RunResult, error) {
		calls++
		return RunResult{}, errors.New("prompt is too long")
	}

	_, err := RunWithRetry(context.Background(), run, RunRequest{}, RunHooks{})
	if err == nil || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
	if Classify(err) != ErrorContextOverflow {
		t.Errorf("classification lost through retry wrapper: %v", err)
	}
}

func TestRunWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	run := func(context.Context, RunRequest, RunHooks) (RunResult, error) {
		cancel()
		return RunResult{}, errors.New("connection reset")
	}

	_, err := RunWithRetry(ctx, run, RunRequest{}, RunHooks{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestFriendlyMessage(t *testing.T) {
	got := FriendlyMessage(errors.New("socket: connection was closed unexpectedly"))
	if !strings.Contains(got, "LLM connection failed") || !strings.Contains(got, "connection was closed unexpectedly") {
		t.Errorf("FriendlyMessage = %q", got)
	}

	got = FriendlyMessage(errors.New("prompt is too long"))
	if !strings.Contains(got, "Context limit exceeded") || !strings.Contains(got, "reset") {
		t.Errorf("FriendlyMessage(overflow) = %q", got)
	}
}
