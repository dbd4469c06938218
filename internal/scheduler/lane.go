package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/envelope"
)

// State is the lane lifecycle.
type State int

const (
	Idle State = iota
	Running
	Steering
	Queueing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Steering:
		return "steering"
	case Queueing:
		return "queueing"
	}
	return "unknown"
}

// CancelToken is held by a cancellable run. Steering text travels through
// Steering; DiscardPartial tells the runner whether pending partial output
// should be suppressed (interrupt) or preserved (steer-backlog).
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc

	steerMu  sync.Mutex
	steering []string

	DiscardPartial bool
}

func newCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Context is cancelled when the run is steered, interrupted, or aborted.
func (t *CancelToken) Context() context.Context { return t.ctx }

// Steer records a steering message and fires cancellation.
func (t *CancelToken) Steer(text string) {
	t.steerMu.Lock()
	t.steering = append(t.steering, text)
	t.steerMu.Unlock()
	t.cancel()
}

// Abort fires cancellation without steering context.
func (t *CancelToken) Abort(discardPartial bool) {
	t.DiscardPartial = discardPartial
	t.cancel()
}

// SteeringMessages drains the accumulated steering texts.
func (t *CancelToken) SteeringMessages() []string {
	t.steerMu.Lock()
	defer t.steerMu.Unlock()
	out := t.steering
	t.steering = nil
	return out
}

type lane struct {
	key   string
	sched *Scheduler

	mu       sync.Mutex
	state    State
	settings Settings
	buffer   []envelope.Envelope
	token    *CancelToken

	// steerNext holds the arrival that triggered steering; pendingPartial
	// carries the cancelled run's tool output for steer-backlog.
	steerNext      *envelope.Envelope
	pendingPartial string
}

func newLane(key string, s *Scheduler) *lane {
	return &lane{key: key, sched: s, settings: s.defaults}
}

func (l *lane) enqueue(env envelope.Envelope) error {
	l.mu.Lock()
	switch l.state {
	case Idle:
		l.state = Running
		token := newCancelToken(context.Background())
		l.token = token
		l.mu.Unlock()
		go l.runLoop(env, token)
		return nil

	case Running, Queueing:
		switch l.settings.Mode {
		case ModeSteer, ModeSteerBacklog:
			l.state = Steering
			cp := env
			l.steerNext = &cp
			token := l.token
			l.mu.Unlock()
			if token != nil {
				token.Steer(env.Text)
			}
			return nil
		case ModeInterrupt:
			l.state = Steering
			cp := env
			l.steerNext = &cp
			l.buffer = nil
			token := l.token
			l.mu.Unlock()
			if token != nil {
				token.Abort(true)
			}
			return nil
		default: // collect, followup
			if err := l.bufferLocked(env); err != nil {
				l.mu.Unlock()
				return err
			}
			l.state = Queueing
			l.mu.Unlock()
			return nil
		}

	case Steering:
		// A steer is already in flight; later arrivals join the backlog.
		err := l.bufferLocked(env)
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()
	return nil
}

// bufferLocked appends env, applying the drop policy at cap.
func (l *lane) bufferLocked(env envelope.Envelope) error {
	if len(l.buffer) >= l.settings.Cap {
		switch l.settings.Drop {
		case DropNew:
			return ErrBufferFull
		case DropSummarize:
			l.buffer = summarizeOldest(l.buffer, l.settings.Cap/2)
		default: // DropOld
			l.buffer = l.buffer[1:]
		}
	}
	l.buffer = append(l.buffer, env)
	return nil
}

// summarizeOldest compacts the first keepFrom entries into one lossy digest
// envelope so the buffer shrinks while retaining a trace of what was dropped.
func summarizeOldest(buf []envelope.Envelope, keepFrom int) []envelope.Envelope {
	if keepFrom < 1 {
		keepFrom = 1
	}
	if keepFrom >= len(buf) {
		return buf
	}
	old := buf[:keepFrom]
	var lines []string
	for _, e := range old {
		text := strings.TrimSpace(e.Text)
		if len(text) > 80 {
			text = text[:80] + "…"
		}
		if text != "" {
			lines = append(lines, text)
		}
	}
	digest := old[0]
	digest.Text = fmt.Sprintf("[queued messages summarized: %d earlier messages] %s",
		len(old), strings.Join(lines, " | "))
	digest.Attachments = nil
	return append([]envelope.Envelope{digest}, buf[keepFrom:]...)
}

// runLoop executes env and then drains steering and buffered work until the
// lane goes idle. Only this goroutine moves the lane out of non-idle states.
func (l *lane) runLoop(env envelope.Envelope, token *CancelToken) {
	for {
		outcome, err := l.sched.invoke(token.Context(), l.key, env, token)
		if err != nil && token.Context().Err() == nil {
			if l.sched.onError != nil {
				l.sched.onError(l.key, env, err)
			} else {
				l.sched.log.Error("agent invocation failed", "sessionKey", l.key, "error", err)
			}
		}

		l.mu.Lock()
		if l.state == Steering && l.steerNext != nil {
			next := *l.steerNext
			l.steerNext = nil
			mode := l.settings.Mode
			if mode == ModeSteerBacklog {
				l.pendingPartial = outcome.PartialToolOutput
				next = l.mergeBacklogLocked(next)
			}
			l.state = Running
			token = newCancelToken(context.Background())
			l.token = token
			l.mu.Unlock()
			env = next
			continue
		}

		if len(l.buffer) > 0 {
			mode := l.settings.Mode
			if mode == ModeCollect {
				env = collectBuffer(l.buffer)
				l.buffer = nil
			} else {
				env = l.buffer[0]
				l.buffer = l.buffer[1:]
			}
			l.state = Running
			token = newCancelToken(context.Background())
			l.token = token
			l.mu.Unlock()
			continue
		}

		l.state = Idle
		l.token = nil
		l.mu.Unlock()
		return
	}
}

// mergeBacklogLocked folds the cancelled run's partial tool output and any
// buffered inputs into the steering envelope's text.
func (l *lane) mergeBacklogLocked(next envelope.Envelope) envelope.Envelope {
	var parts []string
	if l.pendingPartial != "" {
		parts = append(parts, "[interrupted run output]\n"+l.pendingPartial)
		l.pendingPartial = ""
	}
	for _, e := range l.buffer {
		if t := strings.TrimSpace(e.Text); t != "" {
			parts = append(parts, t)
		}
		next.Attachments = append(next.Attachments, e.Attachments...)
	}
	l.buffer = nil
	if len(parts) > 0 {
		next.Text = strings.Join(append(parts, next.Text), "\n")
	}
	return next
}

// collectBuffer flattens buffered envelopes into one synthetic envelope:
// texts concatenated in arrival order, attachments unioned.
func collectBuffer(buf []envelope.Envelope) envelope.Envelope {
	out := buf[0]
	var parts []string
	var attachments []envelope.Attachment
	for _, e := range buf {
		if t := strings.TrimSpace(e.Text); t != "" {
			parts = append(parts, t)
		}
		for _, a := range e.Attachments {
			a.Index = len(attachments)
			attachments = append(attachments, a)
		}
		if e.ReceivedAt.After(out.ReceivedAt) {
			out.ReceivedAt = e.ReceivedAt
		}
	}
	out.Text = strings.Join(parts, "\n")
	out.Attachments = attachments
	return out
}

// cancelRun aborts the live run. Reports whether one was live.
func (l *lane) cancelRun(discardBuffer bool) bool {
	l.mu.Lock()
	token := l.token
	live := l.state == Running || l.state == Steering || l.state == Queueing
	if discardBuffer {
		l.buffer = nil
		l.steerNext = nil
	}
	if l.state == Steering {
		l.state = Running
	}
	l.mu.Unlock()

	if token != nil {
		token.Abort(true)
	}
	return live && token != nil
}
