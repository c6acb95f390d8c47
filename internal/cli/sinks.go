package cli

import (
	"context"
	"errors"

	"github.com/Martian-dev/nerve-gmail/internal/eventstore/sqlite"
	natsjs "github.com/Martian-dev/nerve-gmail/internal/nats"
	"github.com/Martian-dev/nerve-gmail/internal/sync"
)

// sinks holds the configured publish targets.
type sinks struct {
	publisher sync.Publisher
	store     *sqlite.Store
	nats      *natsjs.Publisher
	relay     *natsjs.Relay
}

func (a *app) openSinks(ctx context.Context) (*sinks, error) {
	if err := a.cfg.RequireSink(); err != nil {
		return nil, err
	}

	s := &sinks{}
	if path := a.cfg.Store.Path; path != "" {
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		store.SubjectPrefix = a.cfg.NATS.SubjectPrefix
		s.store = store
	}
	if url := a.cfg.NATS.URL; url != "" {
		pub, err := natsjs.Connect(url, a.cfg.NATS.Stream, a.cfg.NATS.SubjectPrefix)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.nats = pub
		if err := pub.EnsureStream(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	switch {
	case s.store != nil && s.nats != nil && a.cfg.Store.Outbox:
		s.store.Outbox = true
		s.publisher = s.store
		s.relay = natsjs.NewRelay(storeOutbox{s.store}, s.nats, a.log)
	case s.store != nil && s.nats != nil:
		s.publisher = sync.MultiPublisher{s.store, s.nats}
	case s.store != nil:
		s.publisher = s.store
	default:
		s.publisher = s.nats
	}
	return s, nil
}

// flush forwards anything still queued in the outbox.
func (s *sinks) flush(ctx context.Context) error {
	if s.relay == nil {
		return nil
	}
	_, err := s.relay.Drain(ctx)
	return err
}

func (s *sinks) Close() error {
	var errs []error
	if s.nats != nil {
		s.nats.Close()
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// storeOutbox adapts the SQLite outbox rows to the relay's message type.
type storeOutbox struct {
	*sqlite.Store
}

func (o storeOutbox) DequeueOutbox(ctx context.Context, limit int) ([]natsjs.OutboxMessage, error) {
	rows, err := o.Store.DequeueOutbox(ctx, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]natsjs.OutboxMessage, len(rows))
	for i, r := range rows {
		msgs[i] = natsjs.OutboxMessage{ID: r.ID, Subject: r.Subject, Payload: r.Payload, MsgID: r.MsgID, Retries: r.Retries}
	}
	return msgs, nil
}
