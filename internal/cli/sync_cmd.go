package cli

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/nerve-gmail/internal/event"
	"github.com/Martian-dev/nerve-gmail/internal/sync"
)

// ErrCheckpointNeedsStore is returned by sync --incremental when no SQLite
// store is configured to hold the history checkpoint.
var ErrCheckpointNeedsStore = errors.New("--incremental needs store.path: the history checkpoint is kept in the SQLite store")

type syncFlags struct {
	since       string
	all         bool
	max         int
	quiet       bool
	incremental bool
}

func newSyncCmd(a *app) *cobra.Command {
	var f syncFlags
	cmd := &cobra.Command{
		Use:   "sync <user>",
		Short: "Sync emails to the event store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSync(cmd.Context(), args[0], f)
		},
	}
	cmd.Flags().StringVarP(&f.since, "since", "s", "", "sync since date (YYYY-MM-DD), default 7 days ago")
	cmd.Flags().BoolVarP(&f.all, "all", "a", false, "sync all messages")
	cmd.Flags().IntVarP(&f.max, "max", "m", sync.DefaultMaxResults, "max messages")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "quiet output")
	cmd.Flags().BoolVar(&f.incremental, "incremental", false, "continue from the stored history checkpoint")
	return cmd
}

func (a *app) runSync(ctx context.Context, user string, f syncFlags) error {
	if f.incremental && a.cfg.Store.Path == "" {
		return ErrCheckpointNeedsStore
	}

	sk, err := a.openSinks(ctx)
	if err != nil {
		return err
	}
	defer sk.Close()

	src, err := a.source()
	if err != nil {
		return err
	}

	count, err := a.syncOnce(ctx, src, sk, user, f)
	if err != nil {
		if sk.store != nil {
			if serr := sk.store.UpdateSyncStatus(ctx, user, "error", err.Error()); serr != nil {
				a.log.Warn("failed to record sync status", "user", user, "error", serr)
			}
		}
		return err
	}
	if err := sk.flush(ctx); err != nil {
		a.log.Warn("outbox relay incomplete", "error", err)
	}

	fmt.Fprintf(a.out, "\nPublished %d events to event store\n", count)
	return nil
}

func (a *app) syncOnce(ctx context.Context, src *sync.Source, sk *sinks, user string, f syncFlags) (int, error) {
	if f.incremental {
		cursor, ok, err := sk.store.LoadCheckpoint(ctx, user)
		if err != nil {
			return 0, err
		}
		if ok {
			n, err := a.syncIncremental(ctx, src, sk, user, cursor, f.quiet)
			if !errors.Is(err, sync.ErrCursorExpired) {
				return n, err
			}
			a.log.Warn("history cursor expired, falling back to full sync", "user", user, "cursor", cursor)
		} else {
			a.log.Info("no checkpoint stored, running full sync", "user", user)
		}
	}
	return a.syncWindow(ctx, src, sk, user, f)
}

func (a *app) syncWindow(ctx context.Context, src *sync.Source, sk *sinks, user string, f syncFlags) (int, error) {
	since := f.since
	if since == "" && !f.all {
		since = time.Now().AddDate(0, 0, -7).Format(time.DateOnly)
	}

	fmt.Fprintf(a.out, "Syncing Gmail for %s\n", user)
	if since != "" {
		fmt.Fprintf(a.out, "  Since: %s\n", since)
	}
	fmt.Fprintf(a.out, "  Max: %d messages\n\n", f.max)

	// read the position first so messages arriving mid-sync are picked up
	// by the next incremental run
	var cursor uint64
	if sk.store != nil {
		c, err := src.LatestCursor(ctx, user)
		if err != nil {
			return 0, err
		}
		cursor = c
	}

	events, err := src.FetchEvents(ctx, user, sync.Options{Since: since, MaxResults: f.max})
	if err != nil {
		return 0, err
	}
	count, err := a.publishAll(ctx, sk.publisher, events, f.quiet)
	if err != nil {
		return count, err
	}

	if sk.store != nil {
		if err := sk.store.SaveCheckpoint(ctx, user, cursor, "full"); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (a *app) syncIncremental(ctx context.Context, src *sync.Source, sk *sinks, user string, cursor uint64, quiet bool) (int, error) {
	inc, err := src.SyncIncremental(ctx, user, cursor)
	if err != nil {
		return 0, err
	}

	fmt.Fprintf(a.out, "Syncing Gmail for %s\n", user)
	fmt.Fprintf(a.out, "  From history: %d\n", cursor)
	fmt.Fprintf(a.out, "  Changes: %d added, %d deleted\n\n", len(inc.MessageIDs()), inc.Deleted())

	count, err := a.publishAll(ctx, sk.publisher, inc.Events(), quiet)
	if err != nil {
		return count, err
	}
	if err := sk.store.SaveCheckpoint(ctx, user, inc.Cursor(), "incremental"); err != nil {
		return count, err
	}
	return count, nil
}

func (a *app) publishAll(ctx context.Context, pub sync.Publisher, events iter.Seq2[event.Event, error], quiet bool) (int, error) {
	count := 0
	for ev, err := range events {
		if err != nil {
			return count, err
		}
		if err := pub.Publish(ctx, ev); err != nil {
			return count, fmt.Errorf("publish %s: %w", ev.SourceID, err)
		}
		count++
		if !quiet {
			fmt.Fprintf(a.out, "  [%s] %s\n", ev.Timestamp.Local().Format("2006-01-02 15:04"), truncate(ev.Title, 50))
		}
	}
	return count, nil
}
