package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/caredesk/telemed/internal/signal"
)

// fallbackMarker flags a consultation note built from chat instead of a
// real transcription, so downstream readers never mistake one for the other.
const fallbackMarker = "[automatic transcription unavailable; chat log follows]"

// BuildFallbackTranscript renders the chat history as a stand-in transcript.
// Output is deterministic for a given history: same messages, same bytes.
func BuildFallbackTranscript(startedAt time.Time, messages []signal.ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consultation started %s\n", startedAt.UTC().Format(time.RFC3339))
	b.WriteString(fallbackMarker)
	b.WriteString("\n\n")

	if len(messages) == 0 {
		b.WriteString("(no chat messages were exchanged)\n")
		return b.String()
	}

	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Sender, m.Text)
	}
	return b.String()
}

// IsFallbackTranscript reports whether a transcript was built from chat.
func IsFallbackTranscript(transcript string) bool {
	return strings.Contains(transcript, fallbackMarker)
}
