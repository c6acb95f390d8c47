// Package gmail binds the sync orchestrator to the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/nerve-gmail/internal/auth"
	"github.com/Martian-dev/nerve-gmail/internal/sync"
)

const (
	// the authenticated mailbox
	me = "me"

	maxPageSize = 500
)

var historyTypes = []string{"messageAdded", "messageDeleted"}

// Transport negotiates Gmail handles from stored credentials.
type Transport struct {
	Credentials auth.CredentialSource
	// Options are appended when building the service, e.g. an endpoint override.
	Options []option.ClientOption
	Log     *slog.Logger
}

// NewTransport creates a transport reading credentials from creds.
func NewTransport(creds auth.CredentialSource, log *slog.Logger) *Transport {
	return &Transport{Credentials: creds, Log: log}
}

// Handle builds an authenticated Gmail client for userID. The returned
// mailbox refreshes its access token on its own.
func (t *Transport) Handle(ctx context.Context, userID string) (sync.Mailbox, error) {
	creds, err := t.Credentials.Credentials(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrNoCredentials) {
			return nil, fmt.Errorf("%w: %w", sync.ErrAuthentication, err)
		}
		return nil, &sync.TransportError{Op: "load credentials", Err: err}
	}

	// handles are cached past the lifetime of the call that created them
	base := context.WithoutCancel(ctx)
	httpClient := oauth2.NewClient(base, creds.TokenSource(base))

	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, t.Options...)
	svc, err := gmail.NewService(base, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	if t.Log != nil {
		t.Log.Debug("gmail handle created", "user", userID)
	}
	return NewMailbox(svc), nil
}

// Mailbox implements sync.Mailbox for the authenticated Gmail account.
type Mailbox struct {
	svc *gmail.Service
}

// NewMailbox wraps an already configured service.
func NewMailbox(svc *gmail.Service) *Mailbox {
	return &Mailbox{svc: svc}
}

// ListMessages pages through matching message IDs until limit is reached.
func (m *Mailbox) ListMessages(ctx context.Context, query string, limit int) ([]string, error) {
	call := m.svc.Users.Messages.List(me).IncludeSpamTrash(false)
	if query != "" {
		call = call.Q(query)
	}

	var ids []string
	for len(ids) < limit {
		call = call.MaxResults(int64(min(limit-len(ids), maxPageSize)))
		page, err := call.Context(ctx).Do()
		if err != nil {
			return nil, classify("list messages", err)
		}
		for _, msg := range page.Messages {
			if len(ids) == limit {
				break
			}
			ids = append(ids, msg.Id)
		}
		if page.NextPageToken == "" {
			break
		}
		call = call.PageToken(page.NextPageToken)
	}
	return ids, nil
}

// FetchMessage retrieves the full message, payload tree included.
func (m *Mailbox) FetchMessage(ctx context.Context, id string) (*gmail.Message, error) {
	msg, err := m.svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("message %s: %w", id, sync.ErrNotFound)
		}
		return nil, classify("get message "+id, err)
	}
	return msg, nil
}

// ListChanges reads every history page after cursor.
func (m *Mailbox) ListChanges(ctx context.Context, cursor uint64) (sync.ChangeLog, error) {
	call := m.svc.Users.History.List(me).
		StartHistoryId(cursor).
		HistoryTypes(historyTypes...).
		MaxResults(maxPageSize)

	var changes sync.ChangeLog
	err := call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		changes.HistoryID = max(changes.HistoryID, page.HistoryId)
		for _, h := range page.History {
			c := sync.Change{HistoryID: h.Id}
			for _, rec := range h.MessagesAdded {
				if rec.Message != nil {
					c.Added = append(c.Added, rec.Message.Id)
				}
			}
			for _, rec := range h.MessagesDeleted {
				if rec.Message != nil {
					c.Deleted = append(c.Deleted, rec.Message.Id)
				}
			}
			changes.Changes = append(changes.Changes, c)
		}
		return nil
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return sync.ChangeLog{}, fmt.Errorf("history after %d: %w", cursor, sync.ErrCursorExpired)
		}
		return sync.ChangeLog{}, classify("list history", err)
	}
	return changes, nil
}

// Profile returns the account summary, including the latest history ID.
func (m *Mailbox) Profile(ctx context.Context) (sync.Profile, error) {
	p, err := m.svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return sync.Profile{}, classify("get profile", err)
	}
	return sync.Profile{
		Email:         p.EmailAddress,
		MessagesTotal: p.MessagesTotal,
		ThreadsTotal:  p.ThreadsTotal,
		HistoryID:     p.HistoryId,
	}, nil
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// classify maps rejected credentials to sync.ErrAuthentication and
// everything else to a TransportError.
func classify(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if isStatus(err, http.StatusUnauthorized) || isStatus(err, http.StatusForbidden) || errors.As(err, &rerr) {
		return fmt.Errorf("%s: %w: %w", op, sync.ErrAuthentication, err)
	}
	return &sync.TransportError{Op: op, Err: err}
}
