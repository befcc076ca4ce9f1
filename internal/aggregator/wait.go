package aggregator

import (
	"strings"
	"time"

	"github.com/tidewater-ai/concierge/internal/bus"
)

// Phrases that signal the user is talking about an attachment that may not
// have arrived yet. Matched against lowercased text.
var imageCues = []string{
	"this image", "this photo", "this picture", "this pic",
	"the image", "the photo", "the picture", "screenshot",
	"describe this", "what's in this", "what is in this",
}

var fileCues = []string{
	"this file", "the file", "this document", "the document",
	"attached", "attachment", "this pdf", "the pdf",
}

// classifyWait decides how long an open turn waits for a companion event.
// Text that references an unseen attachment gets the long wait; short
// interrogatives get a medium one; everything else is fast-tracked so plain
// messages feel instant. The result never exceeds the overall window.
func (a *Aggregator) classifyWait(ev *bus.InboundEvent) time.Duration {
	ag := a.cfg.Aggregator

	if ev.Kind == bus.EventConfirmation {
		return ag.FastPathDur()
	}

	text := strings.ToLower(strings.TrimSpace(ev.Text))
	wait := ag.FastPathDur()

	switch {
	case text == "" && len(ev.Attachments) > 0:
		// Attachment arrived first; wait for the text that explains it.
		wait = ag.AttachmentDur()
	case containsAny(text, imageCues):
		wait = ag.AttachmentDur()
	case containsAny(text, fileCues):
		wait = ag.FileDur()
	case isShortQuestion(text):
		wait = ag.ShortQuestionDur()
	}

	// A combined delivery already carrying text and media often precedes a
	// follow-up in the same breath; give it extra room when configured.
	if ag.ExtendOnMixedContent && ev.Text != "" && len(ev.Attachments) > 0 {
		wait *= 2
	}

	if max := ag.Window(); wait > max {
		wait = max
	}
	return wait
}

func containsAny(text string, cues []string) bool {
	for _, c := range cues {
		if strings.Contains(text, c) {
			return true
		}
	}
	return false
}

// isShortQuestion reports whether text is a brief interrogative, the kind of
// message that tends to be followed by the thing it asks about.
func isShortQuestion(text string) bool {
	if !strings.Contains(text, "?") {
		return false
	}
	return len(strings.Fields(text)) <= 5
}
