package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/nerve-gmail/internal/api"
	"github.com/Martian-dev/nerve-gmail/internal/auth"
	"github.com/Martian-dev/nerve-gmail/internal/event"
	"github.com/Martian-dev/nerve-gmail/internal/sync"
)

type watchFlags struct {
	interval int
	listen   string
}

func newWatchCmd(a *app) *cobra.Command {
	var f watchFlags
	cmd := &cobra.Command{
		Use:   "watch <user>",
		Short: "Watch for new emails and publish continuously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("interval") {
				f.interval = int(a.cfg.Watch.Interval / time.Second)
			}
			if !cmd.Flags().Changed("listen") {
				f.listen = a.cfg.API.Listen
			}
			return a.runWatch(cmd.Context(), args[0], f)
		},
	}
	cmd.Flags().IntVarP(&f.interval, "interval", "i", 60, "poll interval (seconds)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "serve the status API on this address")
	return cmd
}

func (a *app) runWatch(ctx context.Context, user string, f watchFlags) error {
	if f.interval <= 0 {
		return fmt.Errorf("interval must be positive, got %d", f.interval)
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

	w := sync.NewWatcher(src, sk.publisher, user, a.log)
	w.Interval = time.Duration(f.interval) * time.Second
	w.Margin = a.cfg.Watch.Margin
	w.OnPublish = func(ev event.Event) {
		fmt.Fprintf(a.out, "  [%s] %s\n", ev.Timestamp.Local().Format("15:04"), truncate(ev.Title, 50))
	}
	w.OnPoll = func(n int) {
		if n > 0 {
			fmt.Fprintf(a.out, "  Published %d new events\n", n)
		}
	}

	server, err := a.statusServer(ctx, w, sk)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Watching Gmail for %s\n", user)
	fmt.Fprintf(a.out, "  Poll interval: %ds\n", f.interval)
	fmt.Fprintf(a.out, "  Press Ctrl+C to stop\n\n")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	if sk.relay != nil {
		g.Go(func() error { return sk.relay.Run(gctx) })
	}
	if server != nil && f.listen != "" {
		g.Go(func() error { return server.ListenAndServe(gctx, f.listen) })
		a.log.Info("status API listening", "addr", f.listen)
	}

	err = g.Wait()
	fmt.Fprintln(a.out, "\nShutting down...")
	return err
}

func (a *app) statusServer(ctx context.Context, w *sync.Watcher, sk *sinks) (*api.Server, error) {
	s := &api.Server{Stats: w, Log: a.log}
	if sk.store != nil {
		s.Events = sk.store
	}
	if url := a.cfg.API.JWKSURL; url != "" {
		v, err := auth.NewJWTVerifier(ctx, url)
		if err != nil {
			return nil, err
		}
		s.Verifier = v
	}
	return s, nil
}
