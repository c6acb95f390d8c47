package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"github.com/goccy/go-json"
)

const keyringService = "nerve-gmail"

// KeyringStore keeps credentials in the OS keyring, falling back to an
// encrypted file directory where no keyring daemon is available.
type KeyringStore struct {
	ring keyring.Keyring
}

// OpenKeyring opens the credential keyring. fileDir is used by the file backend.
func OpenKeyring(fileDir string) (*KeyringStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(keyringService + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringStore(ring), nil
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func keyringKey(userID string) string {
	return "gmail:" + userID
}

// Credentials reads the credential stored for userID.
func (s *KeyringStore) Credentials(ctx context.Context, userID string) (*Credentials, error) {
	_ = ctx
	item, err := s.ring.Get(keyringKey(userID))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w for %s", ErrNoCredentials, userID)
		}
		return nil, fmt.Errorf("getting credential for %s: %w", userID, err)
	}

	var creds Credentials
	if err := json.Unmarshal(item.Data, &creds); err != nil {
		return nil, fmt.Errorf("decoding credential for %s: %w", userID, err)
	}
	if !creds.Usable() {
		return nil, fmt.Errorf("%w for %s", ErrNoCredentials, userID)
	}
	return &creds, nil
}

// Save stores creds for userID, replacing any previous value.
func (s *KeyringStore) Save(userID string, creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         keyringKey(userID),
		Data:        data,
		Label:       "Gmail credential for " + userID,
		Description: "OAuth token used by nerve-gmail",
	})
	if err != nil {
		return fmt.Errorf("setting credential for %s: %w", userID, err)
	}
	return nil
}
