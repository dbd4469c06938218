package bus

// ReplyPayload is one outbound reply unit handed to a channel adapter.
// A payload is enqueued by the dispatcher iff it is renderable.
type ReplyPayload struct {
	Text      string   `json:"text,omitempty"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaURLs []string `json:"mediaUrls,omitempty"`

	AudioAsVoice bool              `json:"audioAsVoice,omitempty"`
	ChannelData  map[string]string `json:"channelData,omitempty"`

	// Threading: explicit id, "reply to the triggering message", or a
	// [[reply:...]] tag parsed out of Text by the dispatcher.
	ReplyToID      string `json:"replyToId,omitempty"`
	ReplyToCurrent bool   `json:"replyToCurrent,omitempty"`
	ReplyToTag     string `json:"replyToTag,omitempty"`
}

// Renderable reports whether the payload carries anything deliverable.
func (p ReplyPayload) Renderable() bool {
	return p.Text != "" || p.MediaURL != "" || len(p.MediaURLs) > 0 || len(p.ChannelData) > 0
}
