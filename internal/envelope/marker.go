package envelope

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Prompt header markers. The agent prompt opens with a bracketed header so
// the model knows which conversation a message belongs to:
//
//	[Telegram Group id:-100123 +2m 2026-08-24T10:15:00Z]
//	[Replying to alice id:m42]
//	[media attached: /tmp/a.jpg (image/jpeg)]
//
// Headers are generated here and MUST be stripped before text is handed back
// to downstream consumers (session previews, reply dedupe, channel delivery).

// headerMarkerPattern matches one leading envelope header:
// "[<channel> <label...> id:<n> [+<age>] <iso8601-ish timestamp>]".
var headerMarkerPattern = regexp.MustCompile(
	`^\[\S+ [^\]]*?id:[^\s\]]+(?: \+[0-9][0-9a-z]*)? [0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9:.+\-Z]+\]\s*`,
)

// BuildHeader renders the leading conversation marker for a prompt.
// age is optional ("" omits the +age token).
func BuildHeader(channel, label, chatID, age string, ts time.Time) string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(channel)
	if label != "" {
		b.WriteByte(' ')
		b.WriteString(label)
	}
	b.WriteString(" id:")
	b.WriteString(chatID)
	if age != "" {
		b.WriteString(" +")
		b.WriteString(age)
	}
	b.WriteByte(' ')
	b.WriteString(ts.UTC().Format(time.RFC3339))
	b.WriteByte(']')
	return b.String()
}

// BuildReplyMarker renders the reply-context marker.
func BuildReplyMarker(ref *ReplyRef) string {
	if ref == nil || ref.ID == "" {
		return ""
	}
	sender := ref.Sender
	if sender == "" {
		sender = "unknown"
	}
	return fmt.Sprintf("[Replying to %s id:%s]", sender, ref.ID)
}

// BuildMediaMarkers renders the media-attached lines for a prompt. A single
// attachment gets one inline line; multiple attachments get a count header
// followed by per-file lines.
func BuildMediaMarkers(atts []Attachment) []string {
	switch len(atts) {
	case 0:
		return nil
	case 1:
		return []string{mediaLine(atts[0])}
	default:
		lines := make([]string, 0, len(atts)+1)
		lines = append(lines, fmt.Sprintf("[media attached: %d files]", len(atts)))
		for _, a := range atts {
			lines = append(lines, mediaLine(a))
		}
		return lines
	}
}

func mediaLine(a Attachment) string {
	loc := a.Path
	if loc == "" {
		loc = a.URL
	}
	if a.MIME != "" {
		return fmt.Sprintf("[media attached: %s (%s)]", loc, a.MIME)
	}
	return fmt.Sprintf("[media attached: %s]", loc)
}

// StripMarker removes recognized leading envelope headers from text. It is
// idempotent: stripping already-stripped text is a no-op, and stacked headers
// (rare, but produced when a coalesced prompt is re-quoted) are all removed.
func StripMarker(text string) string {
	for {
		stripped := headerMarkerPattern.ReplaceAllString(text, "")
		if stripped == text {
			return text
		}
		text = stripped
	}
}
