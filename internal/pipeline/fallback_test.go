package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/caredesk/telemed/internal/signal"
)

func TestFallbackTranscriptIsDeterministic(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	chat := []signal.ChatMessage{
		{Sender: "Dr. Adams", Text: "How are you feeling today?", SentAt: started.Add(time.Minute)},
		{Sender: "J. Rivera", Text: "Much better, thanks.", SentAt: started.Add(2 * time.Minute)},
	}

	a := BuildFallbackTranscript(started, chat)
	b := BuildFallbackTranscript(started, chat)
	assert.Equal(t, a, b)
}

func TestFallbackTranscriptPreservesOrderAndContent(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	chat := []signal.ChatMessage{
		{Sender: "Dr. Adams", Text: "first", SentAt: started.Add(time.Minute)},
		{Sender: "J. Rivera", Text: "second", SentAt: started.Add(2 * time.Minute)},
		{Sender: "Dr. Adams", Text: "third", SentAt: started.Add(3 * time.Minute)},
	}

	out := BuildFallbackTranscript(started, chat)

	assert.Contains(t, out, "2026-03-14T09:30:00Z")
	// Lines carry the sender label only; the header holds the timestamp.
	assert.Contains(t, out, "\nDr. Adams: first\n")
	idxFirst := strings.Index(out, "Dr. Adams: first")
	idxSecond := strings.Index(out, "J. Rivera: second")
	idxThird := strings.Index(out, "Dr. Adams: third")
	assert.True(t, idxFirst >= 0 && idxFirst < idxSecond && idxSecond < idxThird,
		"messages must appear in send order")
}

func TestFallbackTranscriptIsMarked(t *testing.T) {
	out := BuildFallbackTranscript(time.Now(), nil)

	assert.True(t, IsFallbackTranscript(out))
	assert.Contains(t, out, "no chat messages were exchanged")
	assert.False(t, IsFallbackTranscript("Patient reports mild headache."))
}
