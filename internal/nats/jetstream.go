// Package natsjs publishes events to NATS JetStream.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Martian-dev/nerve-gmail/internal/event"
)

// DefaultStream holds every subject under event.DefaultSubjectPrefix.
const DefaultStream = "NERVE_EVENTS"

// jetStream is the part of nats.JetStreamContext the publisher uses.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Publisher sends event envelopes to JetStream. Each message carries the
// event's dedup key as its Nats-Msg-Id, so the stream drops re-publications
// inside its duplicate window.
type Publisher struct {
	nc     *nats.Conn
	js     jetStream
	stream string
	prefix string
}

// Connect dials url and returns a publisher for stream. Subjects are rooted
// at prefix, or event.DefaultSubjectPrefix when empty.
func Connect(url, stream, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("nerve-gmail"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := newPublisher(js, stream, prefix)
	p.nc = nc
	return p, nil
}

func newPublisher(js jetStream, stream, prefix string) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	if prefix == "" {
		prefix = event.DefaultSubjectPrefix
	}
	return &Publisher{js: js, stream: stream, prefix: prefix}
}

// EnsureStream creates the stream if it does not exist yet.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	info, err := p.js.StreamInfo(p.stream, nats.Context(ctx))
	if err == nil && info != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{p.prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish sends ev as an envelope on its subject.
func (p *Publisher) Publish(ctx context.Context, ev event.Event) error {
	payload, err := event.NewEnvelope(ev).Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return p.PublishRaw(ctx, event.Subject(p.prefix, ev), payload, ev.DedupKey())
}

// PublishRaw sends an already encoded payload.
func (p *Publisher) PublishRaw(ctx context.Context, subject string, payload []byte, msgID string) error {
	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, msgID)

	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
