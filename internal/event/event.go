// Package event defines the normalized record produced for every mailbox message.
package event

import (
	"fmt"
	"time"
)

// SourceGmail identifies events produced by this connector.
const SourceGmail = "gmail"

// Type is the closed set of event kinds an email can produce.
type Type string

const (
	EmailSent     Type = "EMAIL_SENT"
	EmailReceived Type = "EMAIL_RECEIVED"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case EmailSent, EmailReceived:
		return true
	}
	return false
}

// ParseType converts a stored string back into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Metadata holds the secondary attributes of an email event.
type Metadata struct {
	From           string   `json:"from"`
	To             string   `json:"to"`
	Cc             string   `json:"cc"`
	ToAddresses    []string `json:"to_addresses"`
	CcAddresses    []string `json:"cc_addresses"`
	Labels         []string `json:"labels"`
	Snippet        string   `json:"snippet"`
	HasAttachments bool     `json:"has_attachments"`
	AttachmentIDs  []string `json:"attachment_ids"`
	HistoryID      uint64   `json:"history_id,omitempty"`
}

// Event is one email message, normalized for the event store.
type Event struct {
	Source    string    `json:"source"`
	SourceID  string    `json:"source_id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType Type      `json:"event_type"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	ThreadID  string    `json:"thread_id"`
	Metadata  Metadata  `json:"metadata"`
}

// DedupKey is stable across re-fetches of the same message and is what sinks
// use to make re-publication idempotent.
func (e Event) DedupKey() string {
	return e.Source + "|" + e.SourceID
}
