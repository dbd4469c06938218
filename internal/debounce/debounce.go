// Package debounce coalesces rapid-fire inbound webhook fragments, such as a
// text part and its link-preview balloon arriving as separate events, into one
// logical message before the scheduler sees it.
package debounce

import (
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/envelope"
)

// Entry pairs an inbound envelope with the opaque delivery target the flush
// will use. All entries sharing a bucket key share the same target.
type Entry struct {
	Env    envelope.Envelope
	Target any
}

// Options configures a Debouncer. BuildKey, OnFlush are required; the rest
// have defaults.
type Options struct {
	// Window is the sliding coalescing window. Defaults to 500ms.
	Window time.Duration

	// WindowFor overrides Window per entry, so a session's /queue debounce
	// setting takes effect. A zero or negative return falls back to Window.
	WindowFor func(Entry) time.Duration

	// BuildKey derives the bucket key for an entry.
	BuildKey func(Entry) string

	// ShouldDebounce reports whether the entry joins a bucket. When false
	// the entry bypasses the window and flushes alone immediately.
	// Defaults to DefaultShouldDebounce.
	ShouldDebounce func(Entry) bool

	// OnFlush receives a detached bucket in arrival order.
	OnFlush func([]Entry) error

	// OnError receives flush failures. Optional.
	OnError func(error)
}

// Debouncer buckets entries per key and flushes each bucket after its window
// has been quiet for the configured duration. New input for a key resets the
// key's timer.
type Debouncer struct {
	opts Options

	mu      sync.Mutex
	buckets map[string][]Entry
	timers  map[string]*time.Timer
	stopped bool
}

func New(opts Options) *Debouncer {
	if opts.Window <= 0 {
		opts.Window = 500 * time.Millisecond
	}
	if opts.ShouldDebounce == nil {
		opts.ShouldDebounce = DefaultShouldDebounce
	}
	return &Debouncer{
		opts:    opts,
		buckets: make(map[string][]Entry),
		timers:  make(map[string]*time.Timer),
	}
}

// DefaultShouldDebounce bypasses the window for bot-authored messages and for
// slash-prefixed control commands, which must dispatch immediately.
func DefaultShouldDebounce(e Entry) bool {
	if e.Env.FromMe {
		return false
	}
	if strings.HasPrefix(strings.TrimSpace(e.Env.Text), "/") {
		return false
	}
	return true
}

// Enqueue routes an entry into its bucket, or flushes it immediately when
// ShouldDebounce declines it.
func (d *Debouncer) Enqueue(entry Entry) {
	if !d.opts.ShouldDebounce(entry) {
		d.flush([]Entry{entry})
		return
	}

	key := d.opts.BuildKey(entry)
	window := d.opts.Window
	if d.opts.WindowFor != nil {
		if w := d.opts.WindowFor(entry); w > 0 {
			window = w
		}
	}

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flush([]Entry{entry})
		return
	}
	d.buckets[key] = append(d.buckets[key], entry)
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(window, func() { d.fire(key) })
	d.mu.Unlock()
}

// fire detaches the bucket for key and flushes it.
func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	bucket := d.buckets[key]
	delete(d.buckets, key)
	delete(d.timers, key)
	d.mu.Unlock()

	if len(bucket) == 0 {
		return
	}
	d.flush(bucket)
}

func (d *Debouncer) flush(bucket []Entry) {
	if err := d.opts.OnFlush(bucket); err != nil && d.opts.OnError != nil {
		d.opts.OnError(err)
	}
}

// Stop cancels pending timers and flushes every non-empty bucket right away.
// Entries enqueued after Stop bypass the window.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	pending := make([][]Entry, 0, len(d.buckets))
	for key, t := range d.timers {
		t.Stop()
		if bucket := d.buckets[key]; len(bucket) > 0 {
			pending = append(pending, bucket)
		}
	}
	d.buckets = make(map[string][]Entry)
	d.timers = make(map[string]*time.Timer)
	d.mu.Unlock()

	for _, bucket := range pending {
		d.flush(bucket)
	}
}
