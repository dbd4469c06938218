package telegram

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/envelope"
)

func testAdapter() *Adapter {
	return &Adapter{botUsername: "clawbot"}
}

func parseOne(t *testing.T, a *Adapter, body string) envelope.Envelope {
	t.Helper()
	envs, err := a.Parse([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 {
		t.Fatalf("got %d envelopes, want 1", len(envs))
	}
	return envs[0]
}

func TestParse_DirectMessage(t *testing.T) {
	env := parseOne(t, testAdapter(), `{
		"update_id": 10,
		"message": {
			"message_id": 77,
			"date": 1700000000,
			"chat": {"id": 555, "type": "private"},
			"from": {"id": 555, "username": "alice", "first_name": "Alice"},
			"text": "hello there"
		}
	}`)

	if env.Channel != "telegram" {
		t.Errorf("channel = %q", env.Channel)
	}
	if env.Scope != envelope.ScopeDM {
		t.Errorf("scope = %q, want dm", env.Scope)
	}
	if env.SenderID != "555" || env.SenderName != "alice" {
		t.Errorf("sender = %q|%q", env.SenderID, env.SenderName)
	}
	if env.ChatID != "555" || env.MessageID != "77" {
		t.Errorf("chat = %q, message = %q", env.ChatID, env.MessageID)
	}
	if env.Text != "hello there" {
		t.Errorf("text = %q", env.Text)
	}
	if env.ReceivedAt.Unix() != 1700000000 {
		t.Errorf("receivedAt = %v", env.ReceivedAt)
	}
}

func TestParse_GroupMention(t *testing.T) {
	env := parseOne(t, testAdapter(), `{
		"message": {
			"message_id": 1,
			"date": 1700000000,
			"chat": {"id": -100200, "type": "supergroup"},
			"from": {"id": 9, "username": "bob"},
			"text": "@clawbot run the report",
			"entities": [{"type": "mention", "offset": 0, "length": 8}]
		}
	}`)

	if env.Scope != envelope.ScopeGroup {
		t.Errorf("scope = %q, want group", env.Scope)
	}
	if env.GroupID != "-100200" {
		t.Errorf("groupId = %q", env.GroupID)
	}
	if !env.WasMentioned {
		t.Error("mention not detected")
	}
}

func TestParse_GroupWithoutMention(t *testing.T) {
	env := parseOne(t, testAdapter(), `{
		"message": {
			"message_id": 2,
			"date": 1700000000,
			"chat": {"id": -100200, "type": "group"},
			"from": {"id": 9, "username": "bob"},
			"text": "just chatting"
		}
	}`)
	if env.WasMentioned {
		t.Error("mention detected in plain group message")
	}
}

func TestParse_ReplyToBotIsImplicitMention(t *testing.T) {
	env := parseOne(t, testAdapter(), `{
		"message": {
			"message_id": 3,
			"date": 1700000000,
			"chat": {"id": -1, "type": "group"},
			"from": {"id": 9, "username": "bob"},
			"text": "yes do that",
			"reply_to_message": {
				"message_id": 2,
				"date": 1699999999,
				"chat": {"id": -1, "type": "group"},
				"from": {"id": 111, "is_bot": true, "username": "clawbot"},
				"text": "Should I run it?"
			}
		}
	}`)
	if !env.WasMentioned {
		t.Error("reply to bot not treated as mention")
	}
	if env.ReplyTo == nil || env.ReplyTo.ID != "2" || env.ReplyTo.Body != "Should I run it?" {
		t.Errorf("replyTo = %+v", env.ReplyTo)
	}
}

func TestParse_ForumTopic(t *testing.T) {
	env := parseOne(t, testAdapter(), `{
		"message": {
			"message_id": 4,
			"date": 1700000000,
			"message_thread_id": 42,
			"chat": {"id": -5, "type": "supergroup", "is_forum": true},
			"from": {"id": 9, "username": "bob"},
			"text": "topic post"
		}
	}`)
	if env.Scope != envelope.ScopeTopic {
		t.Errorf("scope = %q, want topic", env.Scope)
	}
	if env.ThreadID != "42" {
		t.Errorf("threadId = %q, want 42", env.ThreadID)
	}
}

func TestParse_ForumGeneralTopicDefault(t *testing.T) {
	env := parseOne(t, testAdapter(), `{
		"message": {
			"message_id": 5,
			"date": 1700000000,
			"chat": {"id": -5, "type": "supergroup", "is_forum": true},
			"from": {"id": 9, "username": "bob"},
			"text": "general chatter"
		}
	}`)
	if env.ThreadID != "1" {
		t.Errorf("threadId = %q, want General topic id 1", env.ThreadID)
	}
}

func TestParse_NonForumThreadIDIgnored(t *testing.T) {
	// Outside forums message_thread_id is reply context, not a topic.
	env := parseOne(t, testAdapter(), `{
		"message": {
			"message_id": 6,
			"date": 1700000000,
			"message_thread_id": 9,
			"chat": {"id": -5, "type": "group"},
			"from": {"id": 9, "username": "bob"},
			"text": "hi"
		}
	}`)
	if env.ThreadID != "" {
		t.Errorf("threadId = %q, want empty", env.ThreadID)
	}
}

func TestParse_PhotoWithCaption(t *testing.T) {
	env := parseOne(t, testAdapter(), `{
		"message": {
			"message_id": 7,
			"date": 1700000000,
			"chat": {"id": 5, "type": "private"},
			"from": {"id": 5, "username": "alice"},
			"caption": "look at this",
			"photo": [
				{"file_id": "small", "file_size": 100},
				{"file_id": "large", "file_size": 900}
			]
		}
	}`)
	if env.Text != "look at this" {
		t.Errorf("text = %q", env.Text)
	}
	if len(env.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(env.Attachments))
	}
	att := env.Attachments[0]
	if att.Kind != envelope.AttachmentImage {
		t.Errorf("kind = %q", att.Kind)
	}
	// Adapter is not running, so nothing was downloaded.
	if att.Path != "" {
		t.Errorf("path = %q, want empty", att.Path)
	}
}

func TestParse_VoiceAndDocumentKinds(t *testing.T) {
	env := parseOne(t, testAdapter(), `{
		"message": {
			"message_id": 8,
			"date": 1700000000,
			"chat": {"id": 5, "type": "private"},
			"from": {"id": 5, "username": "alice"},
			"caption": "files",
			"voice": {"file_id": "v1", "mime_type": "audio/ogg", "file_size": 10},
			"document": {"file_id": "d1", "mime_type": "application/pdf", "file_name": "a.pdf"}
		}
	}`)
	if len(env.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(env.Attachments))
	}
	if env.Attachments[0].Kind != envelope.AttachmentAudio || env.Attachments[0].MIME != "audio/ogg" {
		t.Errorf("attachment 0 = %+v", env.Attachments[0])
	}
	if env.Attachments[1].Kind != envelope.AttachmentFile || env.Attachments[1].Index != 1 {
		t.Errorf("attachment 1 = %+v", env.Attachments[1])
	}
}

func TestParse_SkipsNonMessages(t *testing.T) {
	a := testAdapter()
	bodies := map[string]string{
		"service message": `{
			"message": {
				"message_id": 9,
				"date": 1700000000,
				"chat": {"id": -1, "type": "group"},
				"from": {"id": 9, "username": "bob"},
				"new_chat_members": [{"id": 10, "username": "carol"}]
			}
		}`,
		"edited message": `{
			"edited_message": {
				"message_id": 10,
				"date": 1700000000,
				"chat": {"id": 5, "type": "private"},
				"from": {"id": 5, "username": "alice"},
				"text": "edited"
			}
		}`,
		"own bot message": `{
			"message": {
				"message_id": 11,
				"date": 1700000000,
				"chat": {"id": 5, "type": "private"},
				"from": {"id": 111, "is_bot": true, "username": "clawbot"},
				"text": "echo"
			}
		}`,
		"callback query only": `{"callback_query": {"id": "cb"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			envs, err := a.Parse([]byte(body))
			if err != nil {
				t.Fatal(err)
			}
			if len(envs) != 0 {
				t.Errorf("got %d envelopes, want 0", len(envs))
			}
		})
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	if _, err := testAdapter().Parse([]byte(`{"update_id":`)); err == nil {
		t.Error("invalid JSON accepted")
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  int
	}{
		{"empty", "", 10, 0},
		{"short", "hello", 10, 1},
		{"exact", "0123456789", 10, 1},
		{"two chunks", strings.Repeat("a", 15), 10, 2},
		{"many chunks", strings.Repeat("b", 35), 10, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := splitMessage(tt.text, tt.limit)
			if len(chunks) != tt.want {
				t.Fatalf("got %d chunks, want %d", len(chunks), tt.want)
			}
			for _, c := range chunks {
				if len(c) > tt.limit {
					t.Errorf("chunk %q exceeds limit", c)
				}
			}
		})
	}
}

func TestSplitMessage_PrefersNewlines(t *testing.T) {
	text := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 8)
	chunks := splitMessage(text, 10)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0] != strings.Repeat("x", 8) {
		t.Errorf("first chunk = %q, want newline-bounded split", chunks[0])
	}
}

func TestSplitMessage_UTF8Boundary(t *testing.T) {
	text := strings.Repeat("é", 10) // 2 bytes each
	for _, c := range splitMessage(text, 5) {
		if !strings.HasPrefix(c, "é") || strings.ContainsRune(c, '�') {
			t.Errorf("chunk %q split inside a rune", c)
		}
	}
}

func TestMediaClass(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"/tmp/pic.png", "image"},
		{"https://cdn.example.com/a.jpg?sig=abc", "image"},
		{"/tmp/note.ogg", "audio"},
		{"/tmp/song.mp3", "audio"},
		{"/tmp/report.pdf", "document"},
		{"/tmp/noext", "document"},
	}
	for _, tt := range tests {
		if got := mediaClass(tt.ref); got != tt.want {
			t.Errorf("mediaClass(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestReplyParameters(t *testing.T) {
	tests := []struct {
		name    string
		to      channels.Delivery
		payload bus.ReplyPayload
		want    int // 0 means no reply params
	}{
		{"payload target", channels.Delivery{}, bus.ReplyPayload{ReplyToID: "77"}, 77},
		{"delivery fallback", channels.Delivery{ReplyToID: "41"}, bus.ReplyPayload{}, 41},
		{"payload wins over delivery", channels.Delivery{ReplyToID: "41"}, bus.ReplyPayload{ReplyToID: "77"}, 77},
		{"no target", channels.Delivery{}, bus.ReplyPayload{}, 0},
		{"non-numeric ignored", channels.Delivery{}, bus.ReplyPayload{ReplyToID: "m7"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := replyParameters(tt.to, tt.payload)
			if tt.want == 0 {
				if got != nil {
					t.Fatalf("replyParameters = %+v, want nil", got)
				}
				return
			}
			if got == nil || got.MessageID != tt.want {
				t.Fatalf("replyParameters = %+v, want MessageID %d", got, tt.want)
			}
		})
	}
}
