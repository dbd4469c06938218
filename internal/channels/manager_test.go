package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/envelope"
)

type fakeAdapter struct {
	name      string
	envs      []envelope.Envelope
	parseErr  error
	delivered []bus.ReplyPayload
	running   bool
}

func (f *fakeAdapter) Name() string                { return f.name }
func (f *fakeAdapter) Start(context.Context) error { f.running = true; return nil }
func (f *fakeAdapter) Stop(context.Context) error  { f.running = false; return nil }
func (f *fakeAdapter) Running() bool               { return f.running }
func (f *fakeAdapter) Parse([]byte) ([]envelope.Envelope, error) {
	return f.envs, f.parseErr
}
func (f *fakeAdapter) Deliver(_ context.Context, _ Delivery, p bus.ReplyPayload) error {
	f.delivered = append(f.delivered, p)
	return nil
}

func drainInbound(t *testing.T, b *bus.MessageBus) []envelope.Envelope {
	t.Helper()
	var out []envelope.Envelope
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		env, ok := b.ConsumeInbound(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, env)
	}
}

func TestHandleWebhook_PublishesEnvelopes(t *testing.T) {
	msgBus := bus.NewMessageBus()
	m := NewManager(msgBus)
	m.Register(&fakeAdapter{name: "telegram", envs: []envelope.Envelope{
		{Channel: "telegram", SenderID: "1", ChatID: "100", MessageID: "a", Text: "hi"},
		{Channel: "telegram", SenderID: "2", ChatID: "100", MessageID: "b", Text: "yo"},
	}}, config.ChannelConfig{})

	if err := m.HandleWebhook("telegram", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	got := drainInbound(t, msgBus)
	if len(got) != 2 {
		t.Fatalf("published %d envelopes, want 2", len(got))
	}
}

func TestHandleWebhook_UnknownChannel(t *testing.T) {
	m := NewManager(bus.NewMessageBus())
	if err := m.HandleWebhook("nope", []byte(`{}`)); err == nil {
		t.Error("unknown channel accepted")
	}
}

func TestHandleWebhook_AllowlistFilters(t *testing.T) {
	msgBus := bus.NewMessageBus()
	m := NewManager(msgBus)
	m.Register(&fakeAdapter{name: "telegram", envs: []envelope.Envelope{
		{Channel: "telegram", SenderID: "42", SenderName: "alice", ChatID: "1", MessageID: "a"},
		{Channel: "telegram", SenderID: "99", SenderName: "mallory", ChatID: "1", MessageID: "b"},
	}}, config.ChannelConfig{AllowFrom: config.FlexibleStringSlice{"@alice"}})

	if err := m.HandleWebhook("telegram", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	got := drainInbound(t, msgBus)
	if len(got) != 1 || got[0].SenderID != "42" {
		t.Fatalf("got %+v, want only sender 42", got)
	}
}

func TestHandleWebhook_DedupesByMessageID(t *testing.T) {
	msgBus := bus.NewMessageBus()
	m := NewManager(msgBus)
	env := envelope.Envelope{Channel: "telegram", SenderID: "1", ChatID: "1", MessageID: "dup"}
	m.Register(&fakeAdapter{name: "telegram", envs: []envelope.Envelope{env}}, config.ChannelConfig{})

	for i := 0; i < 3; i++ {
		if err := m.HandleWebhook("telegram", []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	if got := drainInbound(t, msgBus); len(got) != 1 {
		t.Fatalf("published %d envelopes, want 1 after dedupe", len(got))
	}
}

func TestDeliver_RoutesToAdapter(t *testing.T) {
	m := NewManager(bus.NewMessageBus())
	adapter := &fakeAdapter{name: "telegram"}
	m.Register(adapter, config.ChannelConfig{})

	err := m.Deliver(context.Background(), "telegram", Delivery{ChatID: "1"}, bus.ReplyPayload{Text: "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if len(adapter.delivered) != 1 || adapter.delivered[0].Text != "ok" {
		t.Fatalf("delivered = %+v", adapter.delivered)
	}
	if err := m.Deliver(context.Background(), "missing", Delivery{}, bus.ReplyPayload{}); err == nil {
		t.Error("unknown channel delivery accepted")
	}
}

func TestSenderAllowed(t *testing.T) {
	tests := []struct {
		name   string
		allow  []string
		sender string
		want   bool
	}{
		{"empty list allows all", nil, "123", true},
		{"plain id match", []string{"123"}, "123", true},
		{"plain id mismatch", []string{"123"}, "456", false},
		{"compound sender matches id", []string{"123"}, "123|alice", true},
		{"compound sender matches username", []string{"@alice"}, "123|alice", true},
		{"compound allowlist entry", []string{"123|alice"}, "123|alice", true},
		{"compound entry matches bare id", []string{"123|alice"}, "123", true},
		{"at-prefix stripped", []string{"@123"}, "123", true},
		{"username only, wrong user", []string{"@alice"}, "99|bob", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SenderAllowed(tt.allow, tt.sender); got != tt.want {
				t.Errorf("SenderAllowed(%v, %q) = %v, want %v", tt.allow, tt.sender, got, tt.want)
			}
		})
	}
}

func TestManager_StatusAndLifecycle(t *testing.T) {
	m := NewManager(bus.NewMessageBus())
	adapter := &fakeAdapter{name: "telegram"}
	m.Register(adapter, config.ChannelConfig{})

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	status := m.Status()
	tg, ok := status["telegram"].(map[string]any)
	if !ok || tg["running"] != true {
		t.Fatalf("status = %+v", status)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if adapter.Running() {
		t.Error("adapter still running after StopAll")
	}
}
