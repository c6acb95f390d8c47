package sync

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/gmail/v1"
)

var (
	// ErrAuthentication means no usable credential exists for the mailbox.
	ErrAuthentication = errors.New("no usable credential")
	// ErrNotFound means a message vanished between listing and fetching.
	ErrNotFound = errors.New("message not found")
	// ErrCursorExpired means the history cursor is too old and a full sync is required.
	ErrCursorExpired = errors.New("history cursor expired")
)

// TransportError reports a failed provider call other than the specific
// conditions above.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Change is one entry of the mailbox change log.
type Change struct {
	HistoryID uint64
	Added     []string
	Deleted   []string
}

// ChangeLog is the result of reading the change log from a cursor.
type ChangeLog struct {
	Changes []Change
	// HistoryID is the mailbox position at the time of the read.
	HistoryID uint64
}

// Profile describes the authenticated mailbox.
type Profile struct {
	Email         string
	MessagesTotal int64
	ThreadsTotal  int64
	HistoryID     uint64
}

// Mailbox is an authenticated session for one user.
type Mailbox interface {
	// ListMessages returns up to max message ids matching query.
	ListMessages(ctx context.Context, query string, max int) ([]string, error)
	// FetchMessage returns the full message; ErrNotFound if it is gone.
	FetchMessage(ctx context.Context, id string) (*gmail.Message, error)
	// ListChanges reads the change log after cursor; ErrCursorExpired if the
	// cursor is no longer valid.
	ListChanges(ctx context.Context, cursor uint64) (ChangeLog, error)
	Profile(ctx context.Context) (Profile, error)
}

// Transport hands out authenticated mailboxes.
type Transport interface {
	// Handle fails with ErrAuthentication when the user has no credential.
	Handle(ctx context.Context, userID string) (Mailbox, error)
}
