// Package dispatch delivers agent replies to channel adapters. One Dispatcher
// exists per agent run; it owns an outbound queue and a reservation counter
// that keeps the restart gate open until the last delivery has settled.
package dispatch

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
)

// ReplyToMode filters threading per channel capability.
type ReplyToMode string

const (
	// ReplyToOff strips all threading.
	ReplyToOff ReplyToMode = "off"
	// ReplyToFirst threads only the first delivery of a run.
	ReplyToFirst ReplyToMode = "first"
	// ReplyToAll threads every delivery.
	ReplyToAll ReplyToMode = "all"
)

// DeliverFunc performs the adapter side effect for one payload.
type DeliverFunc func(payload bus.ReplyPayload) error

// Options configures a Dispatcher.
type Options struct {
	// Deliver is required.
	Deliver DeliverFunc
	// OriginMessageID is the inbound message the run answers; used for
	// implicit threading and the [[reply:current]] tag.
	OriginMessageID string
	// ImplicitThreading sets replyToId to the origin when the payload has
	// no explicit target.
	ImplicitThreading bool
	ReplyToMode       ReplyToMode
	Logger            *slog.Logger
}

// Dispatcher serializes deliveries for one run. Deliveries across dispatchers
// may overlap.
type Dispatcher struct {
	opts     Options
	registry *Registry
	log      *slog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	reservation int
	queue       []bus.ReplyPayload
	delivering  bool
	completed   bool
	threaded    bool
	sentTexts   []string
}

// New creates a Dispatcher with reservation 1 and registers it, so a command
// that completes before any reply enqueues still holds the restart gate.
func New(opts Options, registry *Registry) *Dispatcher {
	if opts.ReplyToMode == "" {
		opts.ReplyToMode = ReplyToAll
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		opts:        opts,
		registry:    registry,
		log:         log,
		reservation: 1,
	}
	d.cond = sync.NewCond(&d.mu)
	if registry != nil {
		registry.register(d)
	}
	return d
}

var replyTagPattern = regexp.MustCompile(`\[\[reply:([^\]\s]+)\]\]`)

// prepare applies threading policy and tag parsing, returning the payload to
// deliver and whether it should be delivered at all.
func (d *Dispatcher) prepare(payload bus.ReplyPayload) (bus.ReplyPayload, bool) {
	if agent.IsSilentReply(payload.Text) {
		return payload, false
	}

	// Implicit threading first; an explicit tag below overrides it.
	if payload.ReplyToID == "" && d.opts.ImplicitThreading && d.opts.OriginMessageID != "" {
		payload.ReplyToID = d.opts.OriginMessageID
	}

	if m := replyTagPattern.FindStringSubmatch(payload.Text); m != nil {
		target := m[1]
		if target == "current" {
			payload.ReplyToID = d.opts.OriginMessageID
		} else {
			payload.ReplyToID = target
		}
		payload.Text = strings.TrimSpace(replyTagPattern.ReplaceAllString(payload.Text, ""))
	}

	switch d.opts.ReplyToMode {
	case ReplyToOff:
		payload.ReplyToID = ""
	case ReplyToFirst:
		d.mu.Lock()
		if d.threaded {
			payload.ReplyToID = ""
		} else if payload.ReplyToID != "" {
			d.threaded = true
		}
		d.mu.Unlock()
	}

	if !payload.Renderable() {
		return payload, false
	}
	if d.isDuplicate(payload.Text) {
		d.log.Debug("suppressing duplicate reply", "text", payload.Text)
		return payload, false
	}
	return payload, true
}

// NoteSentText records text the agent already delivered through its own
// messaging tool, so the terminal reply does not repeat it.
func (d *Dispatcher) NoteSentText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	d.mu.Lock()
	d.sentTexts = append(d.sentTexts, text)
	d.mu.Unlock()
}

// isDuplicate is a prefix-match heuristic on trimmed texts. On doubt it
// fails closed: the duplicate is suppressed.
func (d *Dispatcher) isDuplicate(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sent := range d.sentTexts {
		if strings.HasPrefix(sent, text) || strings.HasPrefix(text, sent) {
			return true
		}
	}
	return false
}

// SendFinalReply enqueues a terminal payload and starts a delivery task.
func (d *Dispatcher) SendFinalReply(payload bus.ReplyPayload) {
	prepared, ok := d.prepare(payload)
	if !ok {
		d.maybeReleaseIdle()
		return
	}
	d.enqueue(prepared)
}

// SendPartialReply enqueues an interim payload. Partial replies never thread
// implicitly; channels treat them as progress messages.
func (d *Dispatcher) SendPartialReply(payload bus.ReplyPayload) {
	if agent.IsSilentReply(payload.Text) || !payload.Renderable() {
		return
	}
	d.enqueue(payload)
}

func (d *Dispatcher) enqueue(payload bus.ReplyPayload) {
	d.mu.Lock()
	d.queue = append(d.queue, payload)
	start := !d.delivering
	if start {
		d.delivering = true
	}
	d.mu.Unlock()
	if start {
		go d.drain()
	}
}

// drain delivers queued payloads in order. The release check runs in a defer
// per delivery so reservations settle even when the adapter fails.
func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.delivering = false
			d.releaseIfSettledLocked()
			d.mu.Unlock()
			return
		}
		payload := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliverOne(payload)
	}
}

func (d *Dispatcher) deliverOne(payload bus.ReplyPayload) {
	defer func() {
		d.mu.Lock()
		d.releaseIfSettledLocked()
		d.mu.Unlock()
	}()
	if err := d.opts.Deliver(payload); err != nil {
		d.log.Error("reply delivery failed", "error", err)
	}
}

// MarkComplete declares that no further replies will enqueue. The
// reservation releases once the queue settles.
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	d.completed = true
	d.releaseIfSettledLocked()
	d.mu.Unlock()
}

func (d *Dispatcher) maybeReleaseIdle() {
	d.mu.Lock()
	d.releaseIfSettledLocked()
	d.mu.Unlock()
}

func (d *Dispatcher) releaseIfSettledLocked() {
	if d.completed && len(d.queue) == 0 && !d.delivering && d.reservation > 0 {
		d.reservation = 0
	}
	d.cond.Broadcast()
}

// Pending counts the reservation plus queued-but-not-delivered payloads.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reservation + len(d.queue)
}

// WaitForIdle blocks until Pending reaches zero.
func (d *Dispatcher) WaitForIdle() {
	d.mu.Lock()
	for d.reservation+len(d.queue) > 0 || d.delivering {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

// Unregister removes the dispatcher from its registry. Call after
// WaitForIdle when the run's bookkeeping is finished.
func (d *Dispatcher) Unregister() {
	if d.registry != nil {
		d.registry.unregister(d)
	}
}
