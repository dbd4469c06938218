// Package execguard runs node-host commands with a sanitized environment,
// bounded output, and a deny-pattern safety net. It is the last line of
// defense after the approval ledger has said yes.
package execguard

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

// strippedEnvKeys are interpreter hijack vectors removed from every sub-exec
// regardless of caller intent.
var strippedEnvKeys = map[string]bool{
	"NODE_OPTIONS": true,
	"PYTHONHOME":   true,
	"PYTHONPATH":   true,
	"PERL5LIB":     true,
	"PERL5OPT":     true,
	"RUBYOPT":      true,
}

var strippedEnvPrefixes = []string{"DYLD_", "LD_"}

// defaultDenyPatterns cover the flag-injection and env-injection families
// that turn an innocuous-looking argv into code execution.
var defaultDenyPatterns = []*regexp.Regexp{
	// Environment variable injection
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bDYLD_INSERT_LIBRARIES\s*=`),
	regexp.MustCompile(`\bLD_LIBRARY_PATH\s*=`),
	regexp.MustCompile(`\bBASH_ENV\s*=`),
	regexp.MustCompile(`\bGIT_EXTERNAL_DIFF\s*=`),

	// Flag injection turning benign tools into exec primitives
	regexp.MustCompile(`\bgit\b.*(--upload-pack|--receive-pack|--exec)=`),
	regexp.MustCompile(`\bsort\b.*--compress-program`),
	regexp.MustCompile(`\b(rg|grep)\b.*--pre=`),
	regexp.MustCompile(`\bsed\b.*['"]/e\b`),
	regexp.MustCompile(`\bman\b.*--html=`),

	// Fork bomb
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

// Guard validates and executes commands for one node host.
type Guard struct {
	timeout   time.Duration
	outputCap int
	deny      []*regexp.Regexp
}

// Options configure a Guard. Zero values get defaults.
type Options struct {
	Timeout      time.Duration // default 60s
	OutputCap    int           // bytes, default 256 KiB
	DenyPatterns []string      // extra patterns from config; invalid ones are rejected
}

func New(opts Options) (*Guard, error) {
	g := &Guard{
		timeout:   opts.Timeout,
		outputCap: opts.OutputCap,
		deny:      defaultDenyPatterns,
	}
	if g.timeout <= 0 {
		g.timeout = 60 * time.Second
	}
	if g.outputCap <= 0 {
		g.outputCap = 256 << 10
	}
	for _, p := range opts.DenyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
		g.deny = append(g.deny, re)
	}
	return g, nil
}

// CheckDeny reports the first deny pattern a command line matches.
func (g *Guard) CheckDeny(commandLine string) error {
	for _, re := range g.deny {
		if re.MatchString(commandLine) {
			return fmt.Errorf("command denied by safety policy: matches %s", re.String())
		}
	}
	return nil
}

// SanitizeEnv merges caller overrides onto the process environment with the
// hijack vectors removed. PATH overrides are ignored; the process PATH wins.
func SanitizeEnv(overrides map[string]string) []string {
	out := make([]string, 0, len(os.Environ())+len(overrides))
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if envKeyStripped(key) {
			continue
		}
		out = append(out, kv)
	}
	for key, val := range overrides {
		if key == "PATH" || envKeyStripped(key) {
			continue
		}
		out = append(out, key+"="+val)
	}
	return out
}

func envKeyStripped(key string) bool {
	if strippedEnvKeys[key] {
		return true
	}
	for _, prefix := range strippedEnvPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// Result is the outcome of one guarded execution.
type Result struct {
	Output    string `json:"output"`
	ExitCode  int    `json:"exitCode"`
	TimedOut  bool   `json:"timedOut,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Run executes argv with the guard's limits. The deny check runs on the
// joined command line; callers that accepted a rawCommand must have verified
// token equality already.
func (g *Guard) Run(ctx context.Context, argv []string, cwd string, env map[string]string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}
	if err := g.CheckDeny(strings.Join(argv, " ")); err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = SanitizeEnv(env)
	// CommandContext sends SIGKILL on context expiry; no grace period.

	buf := newCappedBuffer(g.outputCap)
	cmd.Stdout = buf
	cmd.Stderr = buf

	err := cmd.Run()

	res := Result{
		Output:    buf.String(),
		Truncated: buf.Truncated(),
	}
	if res.Truncated {
		res.Output += "\n... (truncated)"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("exec %s: %w", argv[0], err)
	}
	return res, nil
}

// cappedBuffer keeps the first cap bytes and counts the rest as truncated.
// Safe for the concurrent stdout/stderr writes exec produces.
type cappedBuffer struct {
	mu        sync.Mutex
	data      []byte
	cap       int
	truncated bool
}

func newCappedBuffer(cap int) *cappedBuffer {
	return &cappedBuffer{cap: cap}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.cap - len(b.data)
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.data = append(b.data, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
