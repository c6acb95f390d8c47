package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
)

// ErrNoCredentials means the user has no stored Google credential.
var ErrNoCredentials = errors.New("no credentials found")

// DefaultScopes are requested when stored credentials do not list any.
var DefaultScopes = []string{gmail.GmailReadonlyScope, gmail.GmailModifyScope}

// Credentials is a stored Google OAuth credential for one mailbox.
type Credentials struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	TokenURI     string    `json:"token_uri,omitempty"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Scopes       []string  `json:"scopes,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Usable reports whether the credential can produce an access token.
func (c *Credentials) Usable() bool {
	return c != nil && (c.Token != "" || c.RefreshToken != "")
}

// TokenSource returns a source that refreshes the access token transparently
// before it expires.
func (c *Credentials) TokenSource(ctx context.Context) oauth2.TokenSource {
	endpoint := google.Endpoint
	if c.TokenURI != "" {
		endpoint.TokenURL = c.TokenURI
	}
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	config := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
	tok := &oauth2.Token{
		AccessToken:  c.Token,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
	}
	// an access token without an expiry would never be refreshed
	if tok.Expiry.IsZero() && tok.RefreshToken != "" {
		tok.Expiry = time.Unix(1, 0)
	}
	return config.TokenSource(ctx, tok)
}

// CredentialSource looks up the credential for a mailbox.
type CredentialSource interface {
	// Credentials fails with ErrNoCredentials when the user has none.
	Credentials(ctx context.Context, userID string) (*Credentials, error)
}
