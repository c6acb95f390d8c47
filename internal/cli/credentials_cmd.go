package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/Martian-dev/nerve-gmail/internal/auth"
)

func newCredentialsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage locally stored Google credentials",
	}

	var file string
	set := &cobra.Command{
		Use:   "set <user>",
		Short: "Store a Google OAuth credential in the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCredentialsSet(args[0], file)
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "", "credential JSON (token, refresh_token, client_id, client_secret)")
	_ = set.MarkFlagRequired("file")

	cmd.AddCommand(set)
	return cmd
}

func (a *app) runCredentialsSet(user, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading %s: %w", file, err)
	}
	var creds auth.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return fmt.Errorf("parsing %s: %w", file, err)
	}
	if !creds.Usable() {
		return errors.New("credential needs a token or refresh_token")
	}

	store, err := a.openKeyring(a.cfg.Credentials.KeyringDir)
	if err != nil {
		return err
	}
	if err := store.Save(user, &creds); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Stored credentials for %s\n", user)
	return nil
}
