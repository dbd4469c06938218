// Package scheduler serializes agent invocations per session lane. Parallel
// across sessions, cooperative within one: each session-key owns a
// single-writer lane running at most one agent invocation at a time, with
// configurable behavior for messages that arrive mid-run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/envelope"
)

// Mode controls what a lane does with messages arriving while a run is live.
type Mode string

const (
	// ModeCollect buffers arrivals and flushes them as one synthetic
	// envelope after the run completes.
	ModeCollect Mode = "collect"
	// ModeFollowup buffers arrivals and processes each sequentially after
	// the run completes.
	ModeFollowup Mode = "followup"
	// ModeSteer cancels the live run, passing the new text through the
	// cancellation channel, and starts a fresh run including it.
	ModeSteer Mode = "steer"
	// ModeSteerBacklog is steer plus the cancelled run's in-flight tool
	// output and any buffered inputs in the steered prompt.
	ModeSteerBacklog Mode = "steer-backlog"
	// ModeInterrupt cancels the live run, discards its partial output, and
	// runs only the new message.
	ModeInterrupt Mode = "interrupt"
)

// DropPolicy decides what happens when the lane buffer exceeds its cap.
type DropPolicy string

const (
	DropOld       DropPolicy = "old"       // evict oldest buffered entries
	DropNew       DropPolicy = "new"       // reject the just-arrived entry
	DropSummarize DropPolicy = "summarize" // compact oldest into a digest
)

// Settings are the per-lane queue knobs, mutable via the queue command and
// persisted to session metadata by the caller.
type Settings struct {
	Mode       Mode
	Cap        int
	Drop       DropPolicy
	DebounceMs int
}

// DefaultSettings applies config defaults for unset fields.
func (s Settings) withDefaults(d Settings) Settings {
	if s.Mode == "" {
		s.Mode = d.Mode
	}
	if s.Cap <= 0 {
		s.Cap = d.Cap
	}
	if s.Drop == "" {
		s.Drop = d.Drop
	}
	if s.DebounceMs <= 0 {
		s.DebounceMs = d.DebounceMs
	}
	return s
}

// ParseMode validates a user-supplied mode token.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCollect:
		return ModeCollect, nil
	case ModeFollowup:
		return ModeFollowup, nil
	case ModeSteer:
		return ModeSteer, nil
	case ModeSteerBacklog, "steer+backlog":
		return ModeSteerBacklog, nil
	case ModeInterrupt:
		return ModeInterrupt, nil
	}
	return "", fmt.Errorf("unknown queue mode %q", s)
}

// ParseDropPolicy validates a user-supplied drop policy token.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch DropPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case DropOld:
		return DropOld, nil
	case DropNew:
		return DropNew, nil
	case DropSummarize:
		return DropSummarize, nil
	}
	return "", fmt.Errorf("unknown drop policy %q", s)
}

// Outcome reports what a completed invocation produced. PartialToolOutput is
// captured so steer-backlog can feed it to the next run.
type Outcome struct {
	PartialToolOutput string
}

// Invoke executes one agent turn for env on the lane identified by key. ctx
// is cancelled when the lane steers or interrupts; token carries the steering
// channel and partial-output disposition.
type Invoke func(ctx context.Context, key string, env envelope.Envelope, token *CancelToken) (Outcome, error)

// ErrBufferFull is returned to the arrival when DropNew rejects it.
var ErrBufferFull = fmt.Errorf("queue buffer full")

// Scheduler owns all lanes.
type Scheduler struct {
	invoke   Invoke
	defaults Settings
	onError  func(key string, env envelope.Envelope, err error)
	log      *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// Options configures a Scheduler.
type Options struct {
	Invoke   Invoke
	Defaults Settings
	// OnError receives invocation failures; the scheduler never crashes on
	// them. Optional.
	OnError func(key string, env envelope.Envelope, err error)
	Logger  *slog.Logger
}

func New(opts Options) *Scheduler {
	d := opts.Defaults
	if d.Mode == "" {
		d.Mode = ModeCollect
	}
	if d.Cap <= 0 {
		d.Cap = 10
	}
	if d.Drop == "" {
		d.Drop = DropOld
	}
	if d.DebounceMs <= 0 {
		d.DebounceMs = 500
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		invoke:   opts.Invoke,
		defaults: d,
		onError:  opts.OnError,
		log:      log,
		lanes:    make(map[string]*lane),
	}
}

func (s *Scheduler) lane(key string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[key]
	if !ok {
		l = newLane(key, s)
		s.lanes[key] = l
	}
	return l
}

// Schedule routes env into the lane for key. The error reports only admission
// failures (DropNew rejection); invocation failures go to OnError.
func (s *Scheduler) Schedule(key string, env envelope.Envelope) error {
	return s.lane(key).enqueue(env)
}

// SetSettings overrides the lane's queue settings. Zero fields keep defaults.
func (s *Scheduler) SetSettings(key string, settings Settings) {
	l := s.lane(key)
	l.mu.Lock()
	l.settings = settings.withDefaults(s.defaults)
	l.mu.Unlock()
}

// SettingsFor reports the effective settings for key.
func (s *Scheduler) SettingsFor(key string) Settings {
	l := s.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settings
}

// Cancel aborts the live run on key's lane, if any, and drops its buffer.
// Reports whether a run was live.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	l, ok := s.lanes[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return l.cancelRun(true)
}

// CancelAll aborts every live run and reports how many were live.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	n := 0
	for _, l := range lanes {
		if l.cancelRun(true) {
			n++
		}
	}
	return n
}

// TotalQueueSize sums buffered envelopes plus live runs across all lanes.
// The restart gate polls this together with dispatcher reservations.
func (s *Scheduler) TotalQueueSize() int {
	s.mu.Lock()
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	total := 0
	for _, l := range lanes {
		l.mu.Lock()
		total += len(l.buffer)
		if l.state != Idle {
			total++
		}
		l.mu.Unlock()
	}
	return total
}
