package sync

import (
	"context"
	"errors"

	"github.com/Martian-dev/nerve-gmail/internal/event"
)

// Publisher hands events to the external event store. Publishing the same
// event twice must be harmless.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// MultiPublisher publishes to every sink and joins their errors.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev event.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
