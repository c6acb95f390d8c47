// Package cli implements the nerve-gmail command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/nerve-gmail/internal/auth"
	"github.com/Martian-dev/nerve-gmail/internal/config"
	"github.com/Martian-dev/nerve-gmail/internal/providers/gmail"
	"github.com/Martian-dev/nerve-gmail/internal/sync"
)

// app carries what the subcommands share. The function fields are replaced
// in tests.
type app struct {
	cfgPath string
	cfg     *config.Config
	log     *slog.Logger

	out    io.Writer
	errOut io.Writer

	newTransport func(a *app) (sync.Transport, error)
	openKeyring  func(dir string) (*auth.KeyringStore, error)
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:          out,
		errOut:       errOut,
		newTransport: defaultTransport,
		openKeyring:  auth.OpenKeyring,
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdout, os.Stderr)
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "nerve-gmail",
		Short:         "Gmail source for the Nerve event store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", config.DefaultPath(), "config file")
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	root.AddCommand(
		newSyncCmd(a),
		newWatchCmd(a),
		newTestCmd(a),
		newCredentialsCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := cfg.LogLevel()
	a.cfg = cfg
	a.log = slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level}))
	return nil
}

func defaultTransport(a *app) (sync.Transport, error) {
	var creds auth.CredentialSource
	switch a.cfg.Credentials.Backend {
	case config.BackendKeyring:
		store, err := a.openKeyring(a.cfg.Credentials.KeyringDir)
		if err != nil {
			return nil, err
		}
		creds = store
	default:
		creds = auth.NewServiceClient(a.cfg.Auth.URL, a.cfg.Auth.Token)
	}
	return gmail.NewTransport(creds, a.log), nil
}

func (a *app) source() (*sync.Source, error) {
	tr, err := a.newTransport(a)
	if err != nil {
		return nil, err
	}
	return sync.NewSource(tr, a.log), nil
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
