package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/nerve-gmail/internal/auth"
	"github.com/Martian-dev/nerve-gmail/internal/config"
	"github.com/Martian-dev/nerve-gmail/internal/eventstore/sqlite"
	"github.com/Martian-dev/nerve-gmail/internal/sync"
)

type cliMailbox struct {
	order      []string
	msgs       map[string]*gmail.Message
	changes    sync.ChangeLog
	changesErr error
	profile    sync.Profile
	onList     func()
}

func newCLIMailbox() *cliMailbox {
	return &cliMailbox{
		msgs:    map[string]*gmail.Message{},
		profile: sync.Profile{Email: "me@example.com", MessagesTotal: 42, ThreadsTotal: 17, HistoryID: 500},
	}
}

func (m *cliMailbox) add(id, subject string, ts time.Time, labels ...string) {
	m.order = append(m.order, id)
	m.msgs[id] = &gmail.Message{
		Id:           id,
		ThreadId:     "t-" + id,
		LabelIds:     labels,
		InternalDate: ts.UnixMilli(),
		Payload: &gmail.MessagePart{
			MimeType: "text/plain",
			Headers: []*gmail.MessagePartHeader{
				{Name: "Subject", Value: subject},
				{Name: "From", Value: "Alice <alice@example.com>"},
				{Name: "Date", Value: ts.Format(time.RFC1123Z)},
			},
			Body: &gmail.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte("body of " + id))},
		},
	}
}

func (m *cliMailbox) ListMessages(_ context.Context, _ string, limit int) ([]string, error) {
	if m.onList != nil {
		m.onList()
	}
	return m.order[:min(limit, len(m.order))], nil
}

func (m *cliMailbox) FetchMessage(_ context.Context, id string) (*gmail.Message, error) {
	msg, ok := m.msgs[id]
	if !ok {
		return nil, sync.ErrNotFound
	}
	return msg, nil
}

func (m *cliMailbox) ListChanges(context.Context, uint64) (sync.ChangeLog, error) {
	return m.changes, m.changesErr
}

func (m *cliMailbox) Profile(context.Context) (sync.Profile, error) {
	return m.profile, nil
}

type cliTransport struct{ mb *cliMailbox }

func (t cliTransport) Handle(context.Context, string) (sync.Mailbox, error) { return t.mb, nil }

type harness struct {
	mb        *cliMailbox
	cfgPath   string
	storePath string
	ring      *keyring.ArrayKeyring
}

func newHarness(t *testing.T, withStore bool) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		mb:        newCLIMailbox(),
		cfgPath:   filepath.Join(dir, "config.yaml"),
		storePath: filepath.Join(dir, "events.db"),
		ring:      keyring.NewArrayKeyring(nil),
	}
	body := "credentials:\n  backend: keyring\n"
	if withStore {
		body += "store:\n  path: " + h.storePath + "\n"
	}
	if err := os.WriteFile(h.cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NERVE_NATS_URL", "")
	return h
}

func (h *harness) run(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	a := newApp(&out, io.Discard)
	a.newTransport = func(*app) (sync.Transport, error) { return cliTransport{h.mb}, nil }
	a.openKeyring = func(string) (*auth.KeyringStore, error) { return auth.NewKeyringStore(h.ring), nil }

	root := newRootCmd(a)
	root.SetArgs(append([]string{"--config", h.cfgPath}, args...))
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func (h *harness) openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(h.storePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncPublishesToStore(t *testing.T) {
	h := newHarness(t, true)
	base := time.Date(2024, time.January, 16, 9, 0, 0, 0, time.UTC)
	h.mb.add("m1", "Quarterly report", base, "INBOX")
	h.mb.add("m2", strings.Repeat("x", 80), base.Add(time.Hour), "SENT")

	out, err := h.run(context.Background(), "sync", "me@example.com", "--since", "2024-01-15", "--max", "10")
	if err != nil {
		t.Fatalf("sync: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Syncing Gmail for me@example.com\n",
		"  Since: 2024-01-15\n",
		"  Max: 10 messages\n",
		"] Quarterly report\n",
		"] " + strings.Repeat("x", 50) + "\n",
		"Published 2 events to event store\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	s := h.openStore(t)
	events, err := s.Events(context.Background(), sqlite.EventFilter{UserID: "me@example.com"})
	if err != nil || len(events) != 2 {
		t.Fatalf("stored %d events, err=%v", len(events), err)
	}
	cursor, ok, err := s.LoadCheckpoint(context.Background(), "me@example.com")
	if err != nil || !ok || cursor != 500 {
		t.Fatalf("checkpoint = %d ok=%v err=%v", cursor, ok, err)
	}
}

func TestSyncQuietAndDefaultSince(t *testing.T) {
	h := newHarness(t, true)
	h.mb.add("m1", "hidden", time.Now().Add(-time.Hour))

	out, err := h.run(context.Background(), "sync", "me@example.com", "--quiet")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	weekAgo := time.Now().AddDate(0, 0, -7).Format(time.DateOnly)
	if !strings.Contains(out, "  Since: "+weekAgo) || !strings.Contains(out, "  Max: 100 messages") {
		t.Fatalf("defaults not applied:\n%s", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("quiet sync printed events:\n%s", out)
	}

	out, err = h.run(context.Background(), "sync", "me@example.com", "--all", "--quiet")
	if err != nil {
		t.Fatalf("sync --all: %v", err)
	}
	if strings.Contains(out, "Since:") {
		t.Fatalf("--all must not print a since line:\n%s", out)
	}
}

func TestSyncIncremental(t *testing.T) {
	h := newHarness(t, true)
	base := time.Date(2024, time.January, 16, 9, 0, 0, 0, time.UTC)
	h.mb.add("m1", "first", base)
	if _, err := h.run(context.Background(), "sync", "me@example.com", "--all", "--quiet"); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	h.mb.add("m2", "second", base.Add(time.Hour))
	h.mb.changes = sync.ChangeLog{HistoryID: 520, Changes: []sync.Change{{HistoryID: 510, Added: []string{"m2"}}}}
	out, err := h.run(context.Background(), "sync", "me@example.com", "--incremental")
	if err != nil {
		t.Fatalf("incremental: %v", err)
	}
	if !strings.Contains(out, "  From history: 500\n") || !strings.Contains(out, "] second\n") || !strings.Contains(out, "Published 1 events") {
		t.Fatalf("incremental output:\n%s", out)
	}
	s := h.openStore(t)
	if cursor, _, _ := s.LoadCheckpoint(context.Background(), "me@example.com"); cursor != 520 {
		t.Fatalf("checkpoint = %d", cursor)
	}
}

func TestSyncIncrementalFallsBackWhenCursorExpired(t *testing.T) {
	h := newHarness(t, true)
	h.mb.add("m1", "only", time.Now().Add(-time.Hour))
	if _, err := h.run(context.Background(), "sync", "me@example.com", "--quiet"); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	h.mb.changesErr = sync.ErrCursorExpired
	out, err := h.run(context.Background(), "sync", "me@example.com", "--incremental")
	if err != nil {
		t.Fatalf("fallback sync: %v", err)
	}
	if !strings.Contains(out, "  Since: ") || !strings.Contains(out, "Published 1 events") {
		t.Fatalf("expected a windowed sync:\n%s", out)
	}
}

func TestSyncRequiresSink(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.run(context.Background(), "sync", "me@example.com")
	if !errors.Is(err, config.ErrNoSink) {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
}

func TestSyncIncrementalRequiresStore(t *testing.T) {
	h := newHarness(t, false)
	h.mb.onList = func() { t.Errorf("mailbox listed without a checkpoint store") }
	_, err := h.run(context.Background(), "sync", "me@example.com", "--incremental")
	if !errors.Is(err, ErrCheckpointNeedsStore) {
		t.Fatalf("expected ErrCheckpointNeedsStore, got %v", err)
	}
}

func TestTestCommand(t *testing.T) {
	h := newHarness(t, false)
	h.mb.add("m1", "Latest thing", time.Date(2024, time.January, 16, 9, 0, 0, 0, time.UTC))

	out, err := h.run(context.Background(), "test", "me@example.com")
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	for _, want := range []string{
		"  Email: me@example.com\n",
		"  Total messages: 42\n",
		"  Total threads: 17\n",
		"    Subject: Latest thing\n",
		"    From: Alice <alice@example.com>\n",
		"Gmail access OK!\n",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	h := newHarness(t, true)
	h.mb.add("m1", "old", time.Now().Add(-time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	h.mb.onList = cancel

	done := make(chan struct{})
	var out string
	var err error
	go func() {
		out, err = h.run(ctx, "watch", "me@example.com", "--interval", "1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("watch did not stop")
	}
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if !strings.Contains(out, "Watching Gmail for me@example.com\n") || !strings.Contains(out, "  Poll interval: 1s\n") || !strings.Contains(out, "Shutting down...") {
		t.Fatalf("watch output:\n%s", out)
	}
}

func TestCredentialsSet(t *testing.T) {
	h := newHarness(t, false)
	file := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(file, []byte(`{"token":"ya29.x","refresh_token":"1//r","client_id":"c","client_secret":"s"}`), 0o600); err != nil {
		t.Fatalf("write creds: %v", err)
	}

	out, err := h.run(context.Background(), "credentials", "set", "me@example.com", "--file", file)
	if err != nil {
		t.Fatalf("credentials set: %v", err)
	}
	if !strings.Contains(out, "Stored credentials for me@example.com") {
		t.Fatalf("output: %s", out)
	}
	creds, err := auth.NewKeyringStore(h.ring).Credentials(context.Background(), "me@example.com")
	if err != nil || creds.RefreshToken != "1//r" {
		t.Fatalf("stored creds = %+v err=%v", creds, err)
	}

	empty := filepath.Join(t.TempDir(), "empty.json")
	_ = os.WriteFile(empty, []byte(`{"client_id":"c"}`), 0o600)
	if _, err := h.run(context.Background(), "credentials", "set", "me@example.com", "--file", empty); err == nil {
		t.Fatalf("expected unusable credential to be rejected")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo" {
		t.Fatalf("got %q", got)
	}
	if got := truncate("short", 50); got != "short" {
		t.Fatalf("got %q", got)
	}
}
