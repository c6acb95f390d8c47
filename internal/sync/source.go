// Package sync pulls messages from a mailbox and yields normalized events.
package sync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	gosync "sync"

	"github.com/Martian-dev/nerve-gmail/internal/event"
	"github.com/Martian-dev/nerve-gmail/internal/normalize"
)

// DefaultMaxResults is used when Options.MaxResults is not positive.
const DefaultMaxResults = 100

var sinceDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// Options bounds a windowed sync.
type Options struct {
	// Since is a YYYY-MM-DD date; empty means no lower bound.
	Since      string
	MaxResults int
}

// Source produces events for mailboxes reached through a Transport. Handles
// are cached per user for the life of the Source and never evicted.
type Source struct {
	Transport  Transport
	Normalizer normalize.Normalizer
	Log        *slog.Logger

	mu      gosync.Mutex
	handles map[string]Mailbox
}

// NewSource creates a Source with a wall-clock normalizer.
func NewSource(t Transport, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		Transport:  t,
		Normalizer: normalize.Normalizer{},
		Log:        log,
		handles:    make(map[string]Mailbox),
	}
}

// Mailbox returns the cached handle for userID, creating it on first use.
func (s *Source) Mailbox(ctx context.Context, userID string) (Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mb, ok := s.handles[userID]; ok {
		return mb, nil
	}
	mb, err := s.Transport.Handle(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get mailbox for %s: %w", userID, err)
	}
	if s.handles == nil {
		s.handles = make(map[string]Mailbox)
	}
	s.handles[userID] = mb
	return mb, nil
}

// Query turns a since date into the provider's search syntax. Values that are
// not dates produce an empty query.
func Query(since string) string {
	if !sinceDatePattern.MatchString(since) {
		return ""
	}
	return "after:" + strings.ReplaceAll(since[:10], "-", "/")
}

// FetchEvents lists messages for userID and returns a lazy sequence of their
// events. Listing errors are returned directly; per-message fetch errors are
// logged and the message skipped. The sequence ends early with ctx.Err() if
// the context is canceled.
func (s *Source) FetchEvents(ctx context.Context, userID string, opts Options) (iter.Seq2[event.Event, error], error) {
	mb, err := s.Mailbox(ctx, userID)
	if err != nil {
		return nil, err
	}

	limit := opts.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	q := Query(opts.Since)
	if opts.Since != "" && q == "" {
		s.Log.Warn("ignoring since value that is not a date", "since", opts.Since)
	}

	ids, err := mb.ListMessages(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", userID, err)
	}
	s.Log.Info("found messages", "user", userID, "count", len(ids), "query", q)

	return s.events(ctx, mb, userID, ids), nil
}

func (s *Source) events(ctx context.Context, mb Mailbox, userID string, ids []string) iter.Seq2[event.Event, error] {
	return func(yield func(event.Event, error) bool) {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(event.Event{}, err)
				return
			}
			msg, err := mb.FetchMessage(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					yield(event.Event{}, ctx.Err())
					return
				}
				if errors.Is(err, ErrNotFound) {
					s.Log.Info("message disappeared before fetch", "user", userID, "id", id)
				} else {
					s.Log.Warn("error fetching message", "user", userID, "id", id, "error", err)
				}
				continue
			}
			if !yield(s.Normalizer.Normalize(msg, userID), nil) {
				return
			}
		}
	}
}

// Incremental is one pass over the change log.
type Incremental struct {
	ids     []string
	deleted int
	cursor  uint64
	latest  uint64
	events  iter.Seq2[event.Event, error]
}

// MessageIDs are the distinct ids added since the cursor, in log order.
func (inc *Incremental) MessageIDs() []string { return inc.ids }

// Deleted is the number of deletions seen in the change log.
func (inc *Incremental) Deleted() int { return inc.deleted }

// Events yields the events for the added messages.
func (inc *Incremental) Events() iter.Seq2[event.Event, error] { return inc.events }

// Cursor is the position to resume from: the highest of the change-log
// position and the history ids of the processed messages. It stays at the
// starting cursor until Events has been consumed to the end.
func (inc *Incremental) Cursor() uint64 { return inc.cursor }

// SyncIncremental reads the change log from cursor. A cursor the provider no
// longer accepts yields an error matching ErrCursorExpired; callers should
// fall back to FetchEvents.
func (s *Source) SyncIncremental(ctx context.Context, userID string, cursor uint64) (*Incremental, error) {
	mb, err := s.Mailbox(ctx, userID)
	if err != nil {
		return nil, err
	}

	changes, err := mb.ListChanges(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("list changes for %s from %d: %w", userID, cursor, err)
	}

	inc := &Incremental{cursor: cursor, latest: max(cursor, changes.HistoryID)}
	seen := make(map[string]struct{})
	for _, c := range changes.Changes {
		inc.latest = max(inc.latest, c.HistoryID)
		inc.deleted += len(c.Deleted)
		for _, id := range c.Added {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			inc.ids = append(inc.ids, id)
		}
	}
	s.Log.Info("found new messages via history", "user", userID, "count", len(inc.ids), "deleted", inc.deleted)

	events := s.events(ctx, mb, userID, inc.ids)
	inc.events = func(yield func(event.Event, error) bool) {
		latest := inc.latest
		for ev, err := range events {
			if err == nil {
				latest = max(latest, ev.Metadata.HistoryID)
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
		inc.cursor = latest
	}
	return inc, nil
}

// LatestCursor returns the mailbox's current change-log position.
func (s *Source) LatestCursor(ctx context.Context, userID string) (uint64, error) {
	mb, err := s.Mailbox(ctx, userID)
	if err != nil {
		return 0, err
	}
	p, err := mb.Profile(ctx)
	if err != nil {
		return 0, fmt.Errorf("get profile for %s: %w", userID, err)
	}
	return p.HistoryID, nil
}
