package sync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/nerve-gmail/internal/event"
)

type fakeMailbox struct {
	order      []string
	messages   map[string]*gmail.Message
	fetchErrs  map[string]error
	listErr    error
	changes    ChangeLog
	changesErr error
	profile    Profile

	queries   []string
	maxes     []int
	fetched   []string
	cursors   []uint64
	afterHook func(id string)
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		messages:  map[string]*gmail.Message{},
		fetchErrs: map[string]error{},
	}
}

// add registers a message received at ts.
func (f *fakeMailbox) add(id, subject string, ts time.Time, labels ...string) {
	f.order = append(f.order, id)
	f.messages[id] = &gmail.Message{
		Id:           id,
		ThreadId:     "t-" + id,
		LabelIds:     labels,
		InternalDate: ts.UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: subject},
				{Name: "Date", Value: ts.Format(time.RFC1123Z)},
			},
		},
	}
}

// ListMessages honors "after:YYYY/MM/DD" the way the provider does.
func (f *fakeMailbox) ListMessages(ctx context.Context, query string, limit int) ([]string, error) {
	_ = ctx
	f.queries = append(f.queries, query)
	f.maxes = append(f.maxes, limit)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var after time.Time
	if strings.HasPrefix(query, "after:") {
		t, err := time.Parse("2006/01/02", strings.TrimPrefix(query, "after:"))
		if err != nil {
			return nil, err
		}
		after = t
	}
	var ids []string
	for _, id := range f.order {
		if len(ids) == limit {
			break
		}
		if m, ok := f.messages[id]; ok && !after.IsZero() && time.UnixMilli(m.InternalDate).Before(after) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeMailbox) FetchMessage(ctx context.Context, id string) (*gmail.Message, error) {
	_ = ctx
	f.fetched = append(f.fetched, id)
	if f.afterHook != nil {
		defer f.afterHook(id)
	}
	if err := f.fetchErrs[id]; err != nil {
		return nil, err
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (f *fakeMailbox) ListChanges(ctx context.Context, cursor uint64) (ChangeLog, error) {
	_ = ctx
	f.cursors = append(f.cursors, cursor)
	if f.changesErr != nil {
		return ChangeLog{}, f.changesErr
	}
	return f.changes, nil
}

func (f *fakeMailbox) Profile(ctx context.Context) (Profile, error) {
	_ = ctx
	return f.profile, nil
}

type fakeTransport struct {
	mailbox *fakeMailbox
	err     error
	calls   int
}

func (f *fakeTransport) Handle(ctx context.Context, userID string) (Mailbox, error) {
	_ = ctx
	_ = userID
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.mailbox, nil
}

type recordingPublisher struct {
	events []event.Event
	err    error
}

func (r *recordingPublisher) Publish(ctx context.Context, ev event.Event) error {
	_ = ctx
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

var errBoom = errors.New("boom")

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
