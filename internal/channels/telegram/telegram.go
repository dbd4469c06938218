// Package telegram adapts Telegram Bot API webhook updates to envelopes and
// delivers reply payloads through the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/envelope"
	"github.com/nextlevelbuilder/clawgate/internal/media"
)

const (
	// defaultMediaMaxBytes matches the Bot API file download limit (20MB).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	// generalTopicID is the fixed id of the General topic in forum
	// supergroups. Telegram rejects it on sends ("thread not found"), so it
	// is recorded on envelopes but omitted from send params.
	generalTopicID = 1

	// messageLimit is the Bot API text length cap per message.
	messageLimit = 4096

	downloadMaxRetries = 3
)

// Adapter is the Telegram channel. Inbound traffic arrives through the
// gateway webhook; outbound goes through the Bot API client.
type Adapter struct {
	cfg         config.ChannelConfig
	bot         *telego.Bot
	botUsername string
	running     atomic.Bool

	// startCtx bounds media downloads triggered while parsing webhooks.
	startCtx context.Context
}

// New builds the adapter. The bot token comes from
// CLAWGATE_CHANNEL_TELEGRAM_TOKEN via config loading.
func New(cfg config.ChannelConfig) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: missing bot token (set CLAWGATE_CHANNEL_TELEGRAM_TOKEN)")
	}
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{cfg: cfg, bot: bot, startCtx: context.Background()}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Start verifies credentials and records the bot identity used for mention
// detection and self-message filtering.
func (a *Adapter) Start(ctx context.Context) error {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	a.botUsername = me.Username
	a.startCtx = ctx
	a.running.Store(true)
	slog.Info("telegram channel ready", "bot", me.Username)
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.running.Store(false)
	return nil
}

func (a *Adapter) Running() bool { return a.running.Load() }

// mediaRef is one file to fetch from the Bot API after normalization.
type mediaRef struct {
	fileID string
	kind   envelope.AttachmentKind
	mime   string
	name   string
	size   int64
}

// Parse normalizes one webhook update. Edits, callback queries, and service
// messages produce zero envelopes.
func (a *Adapter) Parse(body []byte) ([]envelope.Envelope, error) {
	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}

	env, refs, ok := a.normalize(update)
	if !ok {
		return nil, nil
	}

	for i, ref := range refs {
		att := envelope.Attachment{Kind: ref.kind, MIME: ref.mime, Index: i}
		if a.bot != nil && a.Running() {
			path, err := a.downloadMedia(ref)
			if err != nil {
				slog.Warn("telegram media download failed",
					"file_id", ref.fileID, "kind", ref.kind, "error", err)
			} else {
				att.Path = path
			}
		}
		env.Attachments = append(env.Attachments, att)
	}
	return []envelope.Envelope{*env}, nil
}

// normalize maps a Bot API update onto the shared envelope shape. The second
// return lists media the caller should download.
func (a *Adapter) normalize(update telego.Update) (*envelope.Envelope, []mediaRef, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return nil, nil, false
	}
	if isServiceMessage(msg) {
		return nil, nil, false
	}

	user := msg.From
	fromMe := user.IsBot && a.botUsername != "" && user.Username == a.botUsername
	if fromMe {
		return nil, nil, false
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	scope := envelope.ScopeDM
	switch {
	case msg.Chat.Type == "channel":
		scope = envelope.ScopeChannel
	case isGroup:
		scope = envelope.ScopeGroup
	}

	// Forum topics: outside forums message_thread_id is reply context, not a
	// topic. Inside forums a missing id means the General topic.
	threadID := ""
	if isGroup && msg.Chat.IsForum {
		scope = envelope.ScopeTopic
		id := msg.MessageThreadID
		if id == 0 {
			id = generalTopicID
		}
		threadID = fmt.Sprintf("%d", id)
	}

	text := msg.Text
	if msg.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.Caption
	}

	env := &envelope.Envelope{
		Channel:    "telegram",
		AccountID:  a.botUsername,
		SenderID:   fmt.Sprintf("%d", user.ID),
		SenderName: user.Username,
		Scope:      scope,
		ChatID:     fmt.Sprintf("%d", msg.Chat.ID),
		ThreadID:   threadID,
		MessageID:  fmt.Sprintf("%d", msg.MessageID),
		Text:       text,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if isGroup {
		env.GroupID = env.ChatID
		env.WasMentioned = a.detectMention(msg)
	}
	if reply := msg.ReplyToMessage; reply != nil {
		ref := &envelope.ReplyRef{ID: fmt.Sprintf("%d", reply.MessageID)}
		if reply.Text != "" {
			ref.Body = reply.Text
		} else if reply.Caption != "" {
			ref.Body = reply.Caption
		}
		if reply.From != nil {
			ref.Sender = fmt.Sprintf("%d", reply.From.ID)
		}
		env.ReplyTo = ref
	}

	return env, collectMedia(msg), true
}

// collectMedia lists downloadable attachments. Photos use the highest
// resolution variant (last element).
func collectMedia(msg *telego.Message) []mediaRef {
	var refs []mediaRef
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		refs = append(refs, mediaRef{
			fileID: photo.FileID, kind: envelope.AttachmentImage,
			mime: "image/jpeg", size: int64(photo.FileSize),
		})
	}
	if msg.Voice != nil {
		refs = append(refs, mediaRef{
			fileID: msg.Voice.FileID, kind: envelope.AttachmentAudio,
			mime: msg.Voice.MimeType, size: int64(msg.Voice.FileSize),
		})
	}
	if msg.Audio != nil {
		refs = append(refs, mediaRef{
			fileID: msg.Audio.FileID, kind: envelope.AttachmentAudio,
			mime: msg.Audio.MimeType, name: msg.Audio.FileName, size: int64(msg.Audio.FileSize),
		})
	}
	if msg.Video != nil {
		refs = append(refs, mediaRef{
			fileID: msg.Video.FileID, kind: envelope.AttachmentVideo,
			mime: msg.Video.MimeType, name: msg.Video.FileName, size: int64(msg.Video.FileSize),
		})
	}
	if msg.Sticker != nil {
		refs = append(refs, mediaRef{
			fileID: msg.Sticker.FileID, kind: envelope.AttachmentSticker,
			mime: "image/webp", size: int64(msg.Sticker.FileSize),
		})
	}
	if msg.Document != nil {
		refs = append(refs, mediaRef{
			fileID: msg.Document.FileID, kind: envelope.AttachmentFile,
			mime: msg.Document.MimeType, name: msg.Document.FileName, size: int64(msg.Document.FileSize),
		})
	}
	return refs
}

// isServiceMessage reports membership churn, pins, title changes, and other
// updates with no user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if len(msg.Photo) > 0 || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}

// detectMention checks text and caption entities for an @-mention of the
// bot; replying to the bot counts as an implicit mention.
func (a *Adapter) detectMention(msg *telego.Message) bool {
	if a.botUsername == "" {
		return false
	}
	handle := "@" + strings.ToLower(a.botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Type != "mention" && entity.Type != "bot_command" {
				continue
			}
			end := entity.Offset + entity.Length
			if entity.Offset < 0 || end > len(pair.text) {
				continue
			}
			if strings.Contains(strings.ToLower(pair.text[entity.Offset:end]), handle) {
				return true
			}
		}
		if strings.Contains(strings.ToLower(pair.text), handle) {
			return true
		}
	}

	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		return strings.EqualFold(reply.From.Username, a.botUsername)
	}
	return false
}

// Deliver renders one reply payload: text split across the Bot API length
// cap, then each media item as photo, voice, or document.
func (a *Adapter) Deliver(ctx context.Context, to channels.Delivery, payload bus.ReplyPayload) error {
	chatID, err := parseChatID(to.ChatID)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", to.ChatID, err)
	}

	threadID := 0
	if to.ThreadID != "" {
		if id, err := parseChatID(to.ThreadID); err == nil && id != generalTopicID {
			threadID = int(id)
		}
	}
	replyParams := replyParameters(to, payload)

	for _, chunk := range splitMessage(payload.Text, messageLimit) {
		params := tu.Message(tu.ID(chatID), chunk)
		params.MessageThreadID = threadID
		params.ReplyParameters = replyParams
		if _, err := a.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		// Threading applies to the first chunk only.
		replyParams = nil
	}

	urls := payload.MediaURLs
	if payload.MediaURL != "" {
		urls = append([]string{payload.MediaURL}, urls...)
	}
	for _, raw := range urls {
		if err := a.sendMedia(ctx, chatID, threadID, raw, payload.AudioAsVoice); err != nil {
			return fmt.Errorf("telegram media %q: %w", raw, err)
		}
	}
	return nil
}

// replyParameters resolves the reply target for a send. The dispatcher's
// computed target on the payload wins; the delivery address is the fallback.
// Telegram message ids are plain ints, so anything non-numeric is ignored.
func replyParameters(to channels.Delivery, payload bus.ReplyPayload) *telego.ReplyParameters {
	target := payload.ReplyToID
	if target == "" {
		target = to.ReplyToID
	}
	if target == "" {
		return nil
	}
	id, err := strconv.Atoi(target)
	if err != nil {
		return nil
	}
	return &telego.ReplyParameters{MessageID: id}
}

func (a *Adapter) sendMedia(ctx context.Context, chatID int64, threadID int, raw string, asVoice bool) error {
	file, cleanup, err := a.inputFile(raw)
	if err != nil {
		return err
	}
	defer cleanup()

	id := tu.ID(chatID)
	switch mediaClass(raw) {
	case "image":
		params := tu.Photo(id, file)
		params.MessageThreadID = threadID
		_, err = a.bot.SendPhoto(ctx, params)
	case "audio":
		if asVoice {
			params := tu.Voice(id, file)
			params.MessageThreadID = threadID
			_, err = a.bot.SendVoice(ctx, params)
		} else {
			params := tu.Audio(id, file)
			params.MessageThreadID = threadID
			_, err = a.bot.SendAudio(ctx, params)
		}
	default:
		params := tu.Document(id, file)
		params.MessageThreadID = threadID
		_, err = a.bot.SendDocument(ctx, params)
	}
	return err
}

// inputFile resolves an outbound media reference. Remote URLs pass through;
// local paths must resolve inside the channel's media roots.
func (a *Adapter) inputFile(raw string) (telego.InputFile, func(), error) {
	noop := func() {}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return tu.FileFromURL(raw), noop, nil
	}
	f, err := media.Open(raw, a.cfg.MediaRoots, a.mediaMaxBytes())
	if err != nil {
		return telego.InputFile{}, noop, err
	}
	return tu.File(tu.NameReader(f, filepath.Base(raw))), func() { f.Close() }, nil
}

func (a *Adapter) mediaMaxBytes() int64 {
	if a.cfg.MediaMaxBytes > 0 {
		return a.cfg.MediaMaxBytes
	}
	return defaultMediaMaxBytes
}

// mediaClass groups an outbound reference by extension or MIME sniffing for
// the Bot API method choice.
func mediaClass(ref string) string {
	ext := strings.ToLower(filepath.Ext(ref))
	if idx := strings.IndexAny(ext, "?#"); idx >= 0 {
		ext = ext[:idx]
	}
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	case ".ogg", ".oga", ".opus", ".mp3", ".m4a", ".wav", ".flac":
		return "audio"
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		switch {
		case strings.HasPrefix(mt, "image/"):
			return "image"
		case strings.HasPrefix(mt, "audio/"):
			return "audio"
		}
	}
	return "document"
}

// splitMessage breaks text into Bot API sized chunks, preferring newline
// boundaries. Empty text yields no chunks.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndexByte(text[:limit], '\n'); idx > limit/2 {
			cut = idx
		}
		// Never split inside a UTF-8 sequence.
		for cut > 0 && text[cut]&0xC0 == 0x80 {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// downloadMedia fetches one file by file_id into a temp path, retrying
// transient Bot API failures.
func (a *Adapter) downloadMedia(ref mediaRef) (string, error) {
	maxBytes := a.mediaMaxBytes()
	if ref.size > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", ref.size, maxBytes)
	}

	ctx, cancel := context.WithTimeout(a.startCtx, 60*time.Second)
	defer cancel()

	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = a.bot.GetFile(ctx, &telego.GetFileParams{FileID: ref.fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info: %w", err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", ref.fileID)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmp, err := os.CreateTemp("", "clawgate_media_*"+ext)
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}
	return tmp.Name(), nil
}

func parseChatID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}
