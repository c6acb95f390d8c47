// Package normalize converts Gmail API message payloads into event records.
//
// Everything here is a pure transformation: no I/O, and malformed message data
// degrades to empty values instead of errors.
package normalize

import (
	"slices"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/nerve-gmail/internal/event"
)

const (
	noSubject = "(no subject)"
	sentLabel = "SENT"
)

// Normalizer turns raw messages into events. Now is only consulted when a
// message carries neither a parseable Date header nor an internal date.
type Normalizer struct {
	Now func() time.Time
}

// Normalize uses the wall clock as the last-resort timestamp.
func Normalize(m *gmail.Message, userID string) event.Event {
	return Normalizer{Now: time.Now}.Normalize(m, userID)
}

// Normalize builds the event for m as seen by mailbox userID.
func (n Normalizer) Normalize(m *gmail.Message, userID string) event.Event {
	payload := m.Payload
	if payload == nil {
		payload = &gmail.MessagePart{}
	}
	headers := payload.Headers

	subject := Header(headers, "Subject")
	if subject == "" {
		subject = noSubject
	}
	from := Header(headers, "From")
	to := Header(headers, "To")
	cc := Header(headers, "Cc")

	body := BodyText(payload)
	content := body
	if content == "" {
		content = m.Snippet
	}

	attachmentIDs, hasAttachments := Attachments(payload)

	return event.Event{
		Source:    event.SourceGmail,
		SourceID:  m.Id,
		UserID:    userID,
		Timestamp: n.timestamp(Header(headers, "Date"), m.InternalDate),
		EventType: Classify(m.LabelIds),
		Title:     subject,
		Content:   content,
		ThreadID:  m.ThreadId,
		Metadata: event.Metadata{
			From:           from,
			To:             to,
			Cc:             cc,
			ToAddresses:    ParseAddresses(to),
			CcAddresses:    ParseAddresses(cc),
			Labels:         slices.Clone(m.LabelIds),
			Snippet:        m.Snippet,
			HasAttachments: hasAttachments,
			AttachmentIDs:  attachmentIDs,
			HistoryID:      m.HistoryId,
		},
	}
}

// Classify reports EMAIL_SENT for messages carrying the SENT system label.
func Classify(labels []string) event.Type {
	if slices.Contains(labels, sentLabel) {
		return event.EmailSent
	}
	return event.EmailReceived
}

func (n Normalizer) timestamp(date string, internalDate int64) time.Time {
	if ts, ok := ParseDate(date); ok {
		return ts
	}
	if internalDate > 0 {
		return time.UnixMilli(internalDate)
	}
	now := n.Now
	if now == nil {
		now = time.Now
	}
	return now()
}

// ParseDate parses an RFC 5322 Date header value.
func ParseDate(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	var h mail.Header
	h.Set("Date", v)
	ts, err := h.Date()
	if err != nil || ts.IsZero() {
		return time.Time{}, false
	}
	return ts, true
}
