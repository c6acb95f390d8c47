package sync

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/Martian-dev/nerve-gmail/internal/event"
)

const (
	DefaultWatchInterval = 60 * time.Second
	DefaultWatchMargin   = 5 * time.Minute
	watchMaxResults      = 50
)

// WatchStats summarizes a watcher's progress.
type WatchStats struct {
	UserID    string    `json:"user_id"`
	Polls     int       `json:"polls"`
	Published int       `json:"published"`
	Watermark time.Time `json:"watermark"`
	LastPoll  time.Time `json:"last_poll"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher polls one mailbox and publishes events newer than its watermark.
// The watermark is the only de-duplication across polls.
type Watcher struct {
	Source    *Source
	Publisher Publisher
	UserID    string
	Interval  time.Duration
	// Margin widens the query window below the watermark so late-indexed
	// messages are still listed.
	Margin     time.Duration
	MaxResults int
	Clock      func() time.Time
	Log        *slog.Logger

	// OnPublish and OnPoll are optional progress hooks.
	OnPublish func(event.Event)
	OnPoll    func(published int)

	mu        gosync.Mutex
	lastCheck time.Time
	stats     WatchStats
}

// NewWatcher returns a watcher with the default interval and margin.
func NewWatcher(src *Source, pub Publisher, userID string, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		Source:     src,
		Publisher:  pub,
		UserID:     userID,
		Interval:   DefaultWatchInterval,
		Margin:     DefaultWatchMargin,
		MaxResults: watchMaxResults,
		Clock:      time.Now,
		Log:        log,
	}
}

func (w *Watcher) now() time.Time {
	if w.Clock == nil {
		return time.Now()
	}
	return w.Clock()
}

// Watermark is the timestamp events must be strictly newer than to be published.
func (w *Watcher) Watermark() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCheck
}

// Stats returns a snapshot of the watcher's counters.
func (w *Watcher) Stats() WatchStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.UserID = w.UserID
	st.Watermark = w.lastCheck
	return st
}

// Poll runs one windowed sync and publishes the events newer than the
// watermark. On success the watermark moves to the time the poll started,
// whether or not anything was published. A failed list, fetch or publish
// leaves it in place so the next poll retries the same window.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	start := w.now()

	w.mu.Lock()
	if w.lastCheck.IsZero() {
		w.lastCheck = start.Add(-w.Margin)
	}
	watermark := w.lastCheck
	w.mu.Unlock()

	count, err := w.poll(ctx, watermark)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Polls++
	w.stats.Published += count
	w.stats.LastPoll = start
	if err != nil {
		w.stats.LastError = err.Error()
		return count, err
	}
	w.stats.LastError = ""
	w.lastCheck = start
	return count, nil
}

func (w *Watcher) poll(ctx context.Context, watermark time.Time) (int, error) {
	since := watermark.Add(-w.Margin).Format(time.DateOnly)
	events, err := w.Source.FetchEvents(ctx, w.UserID, Options{Since: since, MaxResults: w.MaxResults})
	if err != nil {
		return 0, err
	}

	count := 0
	for ev, err := range events {
		if err != nil {
			return count, err
		}
		if !ev.Timestamp.After(watermark) {
			continue
		}
		if err := w.Publisher.Publish(ctx, ev); err != nil {
			return count, fmt.Errorf("publish %s: %w", ev.SourceID, err)
		}
		count++
		if w.OnPublish != nil {
			w.OnPublish(ev)
		}
	}
	return count, nil
}

// Run polls until ctx is canceled. Poll errors are logged and the loop
// continues with the next interval.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Log.Info("stopping watch", "user", w.UserID)
			return nil
		case <-timer.C:
		}

		count, err := w.Poll(ctx)
		switch {
		case ctx.Err() != nil:
			w.Log.Info("stopping watch", "user", w.UserID)
			return nil
		case err != nil:
			w.Log.Error("error during sync", "user", w.UserID, "error", err)
		}
		if w.OnPoll != nil {
			w.OnPoll(count)
		}
		timer.Reset(interval)
	}
}
