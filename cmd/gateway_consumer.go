package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/debounce"
	"github.com/nextlevelbuilder/clawgate/internal/dispatch"
	"github.com/nextlevelbuilder/clawgate/internal/envelope"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/restart"
	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const deliverTimeout = 60 * time.Second

// consumer drains the inbound bus into the scheduler and turns completed
// agent runs into channel deliveries. It also backs the gateway's chat
// methods.
type consumer struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	sessions *sessions.Store
	channels *channels.Manager
	registry *dispatch.Registry
	run      agent.RunFunc
	tracer   trace.Tracer
	log      *slog.Logger

	dedupe     *bus.DedupeCache
	classifier *scheduler.Classifier

	// Set after construction; the scheduler's Invoke closes over the
	// consumer and the consumer's command handling needs the scheduler.
	sched     *scheduler.Scheduler
	debouncer *debounce.Debouncer
}

type consumerDeps struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	sessions *sessions.Store
	channels *channels.Manager
	registry *dispatch.Registry
	run      agent.RunFunc
	tracer   trace.Tracer
	log      *slog.Logger
}

func newConsumer(deps consumerDeps) *consumer {
	return &consumer{
		cfg:        deps.cfg,
		bus:        deps.bus,
		sessions:   deps.sessions,
		channels:   deps.channels,
		registry:   deps.registry,
		run:        deps.run,
		tracer:     deps.tracer,
		log:        deps.log,
		dedupe:     bus.NewDedupeCache(0, 0),
		classifier: scheduler.NewClassifier(nil, nil),
	}
}

// loop drains the inbound bus until ctx is done.
func (c *consumer) loop(ctx context.Context) {
	for {
		env, ok := c.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		c.accept(env)
	}
}

// accept applies inbound policy, then routes control commands synchronously
// and everything else through the debouncer.
func (c *consumer) accept(env envelope.Envelope) {
	if env.FromMe {
		return
	}
	if key := env.DedupeKey(); key != "" && c.dedupe.Seen(key) {
		c.log.Debug("inbound: duplicate dropped", "channel", env.Channel, "messageId", env.MessageID)
		return
	}
	if env.IsGroup() && !env.WasMentioned && env.ReplyTo == nil {
		c.log.Debug("inbound: unaddressed group message ignored",
			"channel", env.Channel, "group", env.GroupID)
		return
	}
	if cmd, ok := c.classifier.Classify(env.Text); ok {
		c.handleCommand(env, cmd)
		return
	}
	c.debouncer.Enqueue(debounce.Entry{Env: env})
}

// flush coalesces a debounce bucket into one envelope and admits it to the
// session lane.
func (c *consumer) flush(entries []debounce.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	env := debounce.Combine(entries)
	key := c.sessionKeyFor(env)
	c.applyLaneSettings(key)
	if err := c.sched.Schedule(key, env); err != nil {
		c.feedback(env, "Too many queued messages; try again in a moment.")
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	return nil
}

// debounceWindow resolves the coalescing window for an inbound entry from
// the session's persisted /queue override. Zero defers to the global window.
func (c *consumer) debounceWindow(e debounce.Entry) time.Duration {
	entry, ok := c.sessions.Get(c.sessionKeyFor(e.Env))
	if !ok || entry.QueueDebounceMs <= 0 {
		return 0
	}
	return time.Duration(entry.QueueDebounceMs) * time.Millisecond
}

// applyLaneSettings pushes persisted /queue overrides into the lane before
// the next admission.
func (c *consumer) applyLaneSettings(key string) {
	entry, ok := c.sessions.Get(key)
	if !ok {
		return
	}
	if entry.QueueMode == "" && entry.QueueCap == 0 && entry.QueueDrop == "" && entry.QueueDebounceMs == 0 {
		return
	}
	c.sched.SetSettings(key, scheduler.Settings{
		Mode:       scheduler.Mode(entry.QueueMode),
		Cap:        entry.QueueCap,
		Drop:       scheduler.DropPolicy(entry.QueueDrop),
		DebounceMs: entry.QueueDebounceMs,
	})
}

// invoke runs one agent turn for a lane. It is the scheduler's Invoke.
func (c *consumer) invoke(ctx context.Context, key string, env envelope.Envelope, token *scheduler.CancelToken) (scheduler.Outcome, error) {
	agentID := sessions.AgentID(key)
	if agentID == "" {
		agentID = c.resolveAgent(env)
	}
	entry, err := c.sessions.EnsureSession(key, agentID)
	if err != nil {
		return scheduler.Outcome{}, fmt.Errorf("session %s: %w", key, err)
	}

	runID := uuid.NewString()
	d := c.dispatcherFor(env)
	defer d.MarkComplete()

	ctx, span := c.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session.key", key),
		attribute.String("channel", env.Channel),
		attribute.String("run.id", runID),
	))
	defer span.End()

	c.broadcastAgent(protocol.AgentEventRunStarted, runID, key, nil)

	prompt := promptFor(env)
	if err := c.sessions.AppendTranscript(entry.SessionID, agentID, transcriptRecord{
		Role: "user", Text: prompt, At: time.Now().UnixMilli(),
	}); err != nil {
		c.log.Warn("transcript append failed", "sessionId", entry.SessionID, "error", err)
	}

	hooks := agent.RunHooks{
		OnPartialReply: func(text string) {
			d.SendPartialReply(bus.ReplyPayload{Text: text})
			c.bus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: map[string]any{
				"type": protocol.ChatEventChunk, "runId": runID, "sessionKey": key, "text": text,
			}})
		},
		OnBlockReply: func(text string) {
			d.SendPartialReply(bus.ReplyPayload{Text: text})
			c.bus.Broadcast(bus.Event{Name: protocol.EventChat, Payload: map[string]any{
				"type": protocol.ChatEventBlock, "runId": runID, "sessionKey": key, "text": text,
			}})
		},
		OnToolResult: func(name, output string) {
			d.SendPartialReply(bus.ReplyPayload{Text: fmt.Sprintf("[%s]\n%s", name, output)})
			c.broadcastAgent(protocol.AgentEventToolResult, runID, key, map[string]any{"tool": name})
		},
		ShouldEmitToolResult: func() bool {
			cur, _ := c.sessions.Get(key)
			return cur.VerboseLevel > 0
		},
	}

	req := agent.RunRequest{
		SessionKey:    key,
		SessionID:     entry.SessionID,
		AgentID:       agentID,
		Prompt:        prompt,
		SteeringInput: strings.Join(token.SteeringMessages(), "\n"),
	}
	res, err := agent.RunWithRetry(ctx, c.run, req, hooks)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		c.broadcastAgent(protocol.AgentEventRunFailed, runID, key, map[string]any{"error": err.Error()})
		c.recoverRunError(env, key, agentID, err, d)
		return scheduler.Outcome{}, err
	}

	if res.Aborted {
		if !token.DiscardPartial && res.Text != "" {
			if partial := agent.SanitizeAssistantContent(res.Text); partial != "" {
				d.SendFinalReply(bus.ReplyPayload{Text: partial})
			}
		}
		return scheduler.Outcome{PartialToolOutput: res.Text}, nil
	}

	text, media := agent.ExtractMediaDirectives(agent.SanitizeAssistantContent(res.Text))

	if err := c.sessions.AppendTranscript(entry.SessionID, agentID, transcriptRecord{
		Role: "assistant", Text: text, At: time.Now().UnixMilli(),
	}); err != nil {
		c.log.Warn("transcript append failed", "sessionId", entry.SessionID, "error", err)
	}
	if _, err := c.sessions.Mutate(key, func(cur *sessions.Entry) *sessions.Entry {
		if cur == nil {
			cur = &sessions.Entry{SessionID: entry.SessionID}
		}
		cur.InputTokens += res.InputTokens
		cur.OutputTokens += res.OutputTokens
		cur.TotalTokens = cur.InputTokens + cur.OutputTokens
		cur.LastChannel = env.Channel
		cur.LastTo = deliveryChatID(env)
		return cur
	}); err != nil {
		c.log.Warn("session update failed", "sessionKey", key, "error", err)
	}

	d.SendFinalReply(bus.ReplyPayload{
		Text:         text,
		MediaURLs:    media.URLs,
		AudioAsVoice: media.AudioAsVoice,
	})
	c.broadcastAgent(protocol.AgentEventRunCompleted, runID, key, map[string]any{
		"inputTokens":  res.InputTokens,
		"outputTokens": res.OutputTokens,
	})
	return scheduler.Outcome{}, nil
}

func (c *consumer) onRunError(key string, env envelope.Envelope, err error) {
	c.log.Error("agent run failed", "sessionKey", key, "channel", env.Channel, "error", err)
}

// recoverRunError applies the error taxonomy: overflow and history
// corruption reset the session; everything else reports a friendly line.
func (c *consumer) recoverRunError(env envelope.Envelope, key, agentID string, err error, d *dispatch.Dispatcher) {
	switch agent.Classify(err) {
	case agent.ErrorContextOverflow, agent.ErrorRoleOrdering, agent.ErrorCorruptTranscript:
		if _, resetErr := c.sessions.ResetSession(key, agentID, sessions.ArchiveReset); resetErr != nil {
			c.log.Error("session reset failed", "sessionKey", key, "error", resetErr)
		}
	}
	d.SendFinalReply(bus.ReplyPayload{Text: agent.FriendlyMessage(err)})
}

func (c *consumer) broadcastAgent(eventType, runID, key string, extra map[string]any) {
	payload := map[string]any{"type": eventType, "runId": runID, "sessionKey": key}
	for k, v := range extra {
		payload[k] = v
	}
	c.bus.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: payload})
}

// dispatcherFor builds the per-run reply dispatcher bound to the envelope's
// conversation.
func (c *consumer) dispatcherFor(env envelope.Envelope) *dispatch.Dispatcher {
	chCfg := c.cfg.Channels[env.Channel]
	to := channels.Delivery{ChatID: deliveryChatID(env), ThreadID: env.ThreadID}
	channel := env.Channel
	return dispatch.New(dispatch.Options{
		Deliver: func(p bus.ReplyPayload) error {
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			defer cancel()
			ctx, span := c.tracer.Start(ctx, "channel.deliver", trace.WithAttributes(
				attribute.String("channel", channel),
				attribute.String("chat.id", to.ChatID),
			))
			defer span.End()
			return c.channels.Deliver(ctx, channel, to, p)
		},
		OriginMessageID:   env.MessageID,
		ImplicitThreading: env.IsGroup(),
		ReplyToMode:       dispatch.ReplyToMode(chCfg.ReplyToMode),
		Logger:            c.log,
	}, c.registry)
}

// feedback delivers one short line to the envelope's conversation through a
// dispatcher so the restart gate sees the pending reply.
func (c *consumer) feedback(env envelope.Envelope, text string) {
	d := c.dispatcherFor(env)
	d.SendFinalReply(bus.ReplyPayload{Text: text})
	d.MarkComplete()
}

const helpText = "Commands: /help /status /stop /stopall /reset /verbose [on|off] " +
	"/queue [mode:... debounce:... cap:... drop:...]"

// handleCommand services slash control commands synchronously, outside the
// agent lane.
func (c *consumer) handleCommand(env envelope.Envelope, cmd scheduler.Command) {
	key := c.sessionKeyFor(env)
	agentID := sessions.AgentID(key)

	switch cmd.Name {
	case "help":
		c.feedback(env, helpText)

	case "status":
		entry, _ := c.sessions.Get(key)
		c.feedback(env, fmt.Sprintf("session %s\nqueued %d, pending replies %d, tokens in/out %d/%d",
			key, c.sched.TotalQueueSize(), c.registry.TotalPendingReplies(),
			entry.InputTokens, entry.OutputTokens))

	case "stop":
		if c.sched.Cancel(key) {
			c.feedback(env, "Stopped.")
		} else {
			c.feedback(env, "Nothing is running.")
		}

	case "stopall":
		n := c.sched.CancelAll()
		c.feedback(env, fmt.Sprintf("Stopped %d run(s).", n))

	case "reset", "new":
		if _, err := c.sessions.ResetSession(key, agentID, sessions.ArchiveReset); err != nil {
			c.feedback(env, "Reset failed: "+err.Error())
			return
		}
		c.feedback(env, "Session reset.")

	case "verbose":
		level := 0
		arg := ""
		if len(cmd.Args) > 0 {
			arg = strings.ToLower(cmd.Args[0])
		}
		entry, _ := c.sessions.Get(key)
		switch arg {
		case "on":
			level = 1
		case "off":
			level = 0
		default:
			if entry.VerboseLevel == 0 {
				level = 1
			}
		}
		c.sessions.Mutate(key, func(cur *sessions.Entry) *sessions.Entry {
			if cur == nil {
				cur = &sessions.Entry{}
			}
			cur.VerboseLevel = level
			return cur
		})
		if level > 0 {
			c.feedback(env, "Verbose tool output on.")
		} else {
			c.feedback(env, "Verbose tool output off.")
		}

	case "queue":
		c.handleQueueCommand(env, key, cmd.Args)

	default:
		c.feedback(env, "Unknown command /"+cmd.Name+". "+helpText)
	}
}

func (c *consumer) handleQueueCommand(env envelope.Envelope, key string, args []string) {
	parsed, err := scheduler.ParseQueueArgs(args)
	if err != nil {
		c.feedback(env, "Usage: /queue mode:<m> debounce:<d> cap:<n> drop:<p> ("+err.Error()+")")
		return
	}
	if parsed.Empty() {
		s := c.sched.SettingsFor(key)
		c.feedback(env, fmt.Sprintf("queue mode:%s debounce:%dms cap:%d drop:%s",
			s.Mode, s.DebounceMs, s.Cap, s.Drop))
		return
	}

	s := c.sched.SettingsFor(key)
	if parsed.Mode != nil {
		s.Mode = *parsed.Mode
	}
	if parsed.Debounce != nil {
		s.DebounceMs = int(parsed.Debounce.Milliseconds())
	}
	if parsed.Cap != nil {
		s.Cap = *parsed.Cap
	}
	if parsed.Drop != nil {
		s.Drop = *parsed.Drop
	}
	c.sched.SetSettings(key, s)
	c.sessions.Mutate(key, func(cur *sessions.Entry) *sessions.Entry {
		if cur == nil {
			cur = &sessions.Entry{}
		}
		cur.QueueMode = string(s.Mode)
		cur.QueueDebounceMs = s.DebounceMs
		cur.QueueCap = s.Cap
		cur.QueueDrop = string(s.Drop)
		return cur
	})
	c.feedback(env, fmt.Sprintf("Queue updated: mode:%s debounce:%dms cap:%d drop:%s",
		s.Mode, s.DebounceMs, s.Cap, s.Drop))
}

// announceRestart posts the sentinel message into the conversation that
// caused the restart.
func (c *consumer) announceRestart(ctx context.Context, sentinel restart.Sentinel) {
	msg := sentinel.Message
	if msg == "" {
		msg = "Gateway restarted."
	}
	if sentinel.SessionKey == "" {
		c.log.Info("restart sentinel consumed", "kind", sentinel.Kind)
		return
	}
	k, err := sessions.ParseKey(sentinel.SessionKey)
	if err != nil {
		c.log.Warn("restart sentinel has malformed session key", "sessionKey", sentinel.SessionKey)
		return
	}
	entry, _ := c.sessions.Get(sentinel.SessionKey)
	to := channels.Delivery{ChatID: entry.LastTo, ThreadID: sentinel.ThreadID}
	if to.ChatID == "" {
		to.ChatID = k.ScopeID
	}
	deliverCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()
	if err := c.channels.Deliver(deliverCtx, k.Channel, to, bus.ReplyPayload{Text: msg}); err != nil {
		c.log.Warn("restart announcement failed", "channel", k.Channel, "error", err)
	}
}

// Send implements gateway.ChatService: an operator-injected message runs on
// the session's lane exactly like an inbound one.
func (c *consumer) Send(ctx context.Context, req gateway.ChatSendRequest) (gateway.ChatSendResult, error) {
	k, err := sessions.ParseKey(req.SessionKey)
	if err != nil {
		return gateway.ChatSendResult{}, err
	}
	env := envelope.Envelope{
		Channel:    k.Channel,
		SenderID:   "operator",
		Scope:      envelope.Scope(k.Scope),
		ChatID:     k.ScopeID,
		ThreadID:   k.ThreadID,
		Text:       req.Text,
		ReceivedAt: time.Now(),
	}
	if env.IsGroup() {
		env.GroupID = k.ScopeID
	}
	c.applyLaneSettings(req.SessionKey)
	if err := c.sched.Schedule(req.SessionKey, env); err != nil {
		return gateway.ChatSendResult{}, err
	}
	return gateway.ChatSendResult{RunID: uuid.NewString(), Status: "started"}, nil
}

// Abort implements gateway.ChatService.
func (c *consumer) Abort(sessionKey, runID string) bool {
	return c.sched.Cancel(sessionKey)
}

// History implements gateway.ChatService.
func (c *consumer) History(sessionKey string, limit int) ([]json.RawMessage, error) {
	entry, ok := c.sessions.Get(sessionKey)
	if !ok || entry.SessionID == "" {
		return []json.RawMessage{}, nil
	}
	return c.sessions.ReadTranscriptTail(entry.SessionID, sessions.AgentID(sessionKey), limit)
}

// transcriptRecord is one JSONL line of a session transcript.
type transcriptRecord struct {
	Role string `json:"role"`
	Text string `json:"text"`
	At   int64  `json:"at"` // unix ms
}

// sessionKeyFor derives the lane/session key for an inbound envelope.
func (c *consumer) sessionKeyFor(env envelope.Envelope) string {
	agentID := c.resolveAgent(env)
	scope := sessions.Scope(env.Scope)
	scopeID := env.ChatID
	switch env.Scope {
	case envelope.ScopeGroup, envelope.ScopeTopic, envelope.ScopeChannel:
		if env.GroupID != "" {
			scopeID = env.GroupID
		}
	case envelope.ScopeDM:
		if scopeID == "" {
			scopeID = env.SenderID
		}
	}
	if env.ThreadID != "" {
		return sessions.BuildThreadKey(agentID, env.Channel, scope, scopeID, env.ThreadID)
	}
	return sessions.BuildKey(agentID, env.Channel, scope, scopeID)
}

// resolveAgent walks the ordered bindings; first match wins, the default
// agent backstops.
func (c *consumer) resolveAgent(env envelope.Envelope) string {
	for _, b := range c.cfg.Agents.Bindings {
		m := b.Match
		if m.Channel != "" && m.Channel != env.Channel {
			continue
		}
		if m.AccountID != "" && m.AccountID != env.AccountID {
			continue
		}
		if p := m.Peer; p != nil {
			switch p.Kind {
			case "direct":
				if env.IsGroup() || (p.ID != env.ChatID && p.ID != env.SenderID) {
					continue
				}
			case "group":
				if !env.IsGroup() || (p.ID != env.GroupID && p.ID != env.ChatID) {
					continue
				}
			default:
				continue
			}
		}
		if b.AgentID != "" {
			return b.AgentID
		}
	}
	if c.cfg.Agents.Default != "" {
		return c.cfg.Agents.Default
	}
	return "default"
}

func deliveryChatID(env envelope.Envelope) string {
	if env.ChatID != "" {
		return env.ChatID
	}
	if env.GroupID != "" {
		return env.GroupID
	}
	return env.SenderID
}

// promptFor renders an envelope into the agent prompt: reply context first,
// group sender attribution, then text and attachment references.
func promptFor(env envelope.Envelope) string {
	var b strings.Builder
	if env.ReplyTo != nil && env.ReplyTo.Body != "" {
		fmt.Fprintf(&b, "[replying to %s: %s]\n", env.ReplyTo.Sender, env.ReplyTo.Body)
	}
	if env.IsGroup() && env.SenderName != "" {
		fmt.Fprintf(&b, "%s: ", env.SenderName)
	}
	b.WriteString(env.Text)
	for _, a := range env.Attachments {
		ref := a.Path
		if ref == "" {
			ref = a.URL
		}
		if ref != "" {
			fmt.Fprintf(&b, "\n[attachment %s: %s]", a.Kind, ref)
		}
	}
	return b.String()
}
