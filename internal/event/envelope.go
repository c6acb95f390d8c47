package event

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DefaultSubjectPrefix roots every subject events are published under.
const DefaultSubjectPrefix = "nerve.events"

var idNamespace = uuid.MustParse("9f6c3b3e-5a0e-4a43-9a5c-3f1d0f8f6a10")

// Envelope is the wire form handed to sinks.
type Envelope struct {
	EventID    string    `json:"event_id"`
	EventType  Type      `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Event      Event     `json:"event"`
}

// ID derives the envelope id from the dedup key, so re-publishing the same
// message yields the same id.
func ID(e Event) string {
	return uuid.NewSHA1(idNamespace, []byte(e.DedupKey())).String()
}

// NewEnvelope wraps e for publication.
func NewEnvelope(e Event) Envelope {
	return Envelope{
		EventID:    ID(e),
		EventType:  e.EventType,
		OccurredAt: e.Timestamp.UTC(),
		Event:      e,
	}
}

// Marshal encodes the envelope as JSON.
func (env Envelope) Marshal() ([]byte, error) {
	return json.Marshal(env)
}

// Subject returns the subject e is published on, e.g.
// nerve.events.gmail.email_received.
func Subject(prefix string, e Event) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + e.Source + "." + strings.ToLower(string(e.EventType))
}
