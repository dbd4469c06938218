package debounce

import (
	"strings"

	"github.com/nextlevelbuilder/clawgate/internal/envelope"
)

// Combine merges a flushed bucket into one envelope. The first entry is the
// primary message: its messageId anchors reply references. Texts concatenate
// in arrival order with case-insensitive duplicate suppression, which folds
// the URL-text plus URL-balloon pair into one line. Attachments are
// re-indexed globally so attachment references stay unambiguous.
func Combine(entries []Entry) envelope.Envelope {
	if len(entries) == 1 {
		return entries[0].Env
	}

	out := entries[0].Env

	var parts []string
	seen := make(map[string]bool)
	var attachments []envelope.Attachment
	replySet := out.ReplyTo != nil

	for _, e := range entries {
		text := strings.TrimSpace(e.Env.Text)
		if text != "" {
			lower := strings.ToLower(text)
			if !seen[lower] {
				seen[lower] = true
				parts = append(parts, text)
			}
		}
		for _, a := range e.Env.Attachments {
			a.Index = len(attachments)
			attachments = append(attachments, a)
		}
		if e.Env.ReceivedAt.After(out.ReceivedAt) {
			out.ReceivedAt = e.Env.ReceivedAt
		}
		if !replySet && e.Env.ReplyTo != nil {
			out.ReplyTo = e.Env.ReplyTo
			replySet = true
		}
	}

	out.Text = strings.Join(parts, " ")
	out.Attachments = attachments
	// The combined result is no longer a single balloon event.
	out.BalloonBundleID = ""
	return out
}
