package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/execguard"
)

// ProcessRunner executes one agent turn per subprocess invocation: the
// prompt is written to stdin and the reply read from stdout. Session
// identity rides on the environment so the runner binary can locate its own
// state. The environment is sanitized the same way guarded exec is.
type ProcessRunner struct {
	Command []string
	Dir     string
	Timeout time.Duration
}

// NewProcessRunner validates the runner argv. A zero timeout defaults to
// five minutes.
func NewProcessRunner(command []string, dir string, timeout time.Duration) (*ProcessRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent runner: empty command")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ProcessRunner{Command: command, Dir: dir, Timeout: timeout}, nil
}

// Run implements RunFunc. Parent-context cancellation reports an aborted
// run; the runner's own deadline reports an error.
func (r *ProcessRunner) Run(ctx context.Context, req RunRequest, hooks RunHooks) (RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	prompt := req.Prompt
	if req.SteeringInput != "" {
		prompt = prompt + "\n" + req.SteeringInput
	}

	cmd := exec.CommandContext(runCtx, r.Command[0], r.Command[1:]...)
	cmd.Dir = r.Dir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = execguard.SanitizeEnv(map[string]string{
		"CLAWGATE_SESSION_ID":  req.SessionID,
		"CLAWGATE_SESSION_KEY": req.SessionKey,
		"CLAWGATE_AGENT_ID":    req.AgentID,
	})

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if hooks.OnAssistantMessageStart != nil {
		hooks.OnAssistantMessageStart()
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return RunResult{Aborted: true}, nil
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return RunResult{}, fmt.Errorf("agent runner timed out after %s", r.Timeout)
		}
		if msg := firstLine(stderr.String()); msg != "" {
			return RunResult{}, fmt.Errorf("agent runner: %s: %w", msg, err)
		}
		return RunResult{}, fmt.Errorf("agent runner: %w", err)
	}

	return RunResult{Text: strings.TrimSpace(stdout.String())}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
