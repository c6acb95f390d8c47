package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Caller is the identity carried by a verified bearer token.
type Caller struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// JWTVerifier checks bearer tokens against a JWKS endpoint. Keys are kept in
// a jwk.Cache that refreshes in the background, so verification does no
// network I/O on the request path.
type JWTVerifier struct {
	jwksURL string
	keySet  jwk.Set
}

const jwksRefreshInterval = 5 * time.Minute

// NewJWTVerifier registers jwksURL and warms the cache. The cache refreshes
// until ctx is cancelled.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{
		jwksURL: jwksURL,
		keySet:  jwk.NewCachedSet(cache, jwksURL),
	}, nil
}

// CallerFromRequest validates the Authorization header of r.
func (v *JWTVerifier) CallerFromRequest(r *http.Request) (*Caller, error) {
	token, err := jwt.ParseRequest(r, jwt.WithKeySet(v.keySet), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	if token.Subject() == "" {
		return nil, errors.New("token missing subject")
	}

	caller := &Caller{ID: token.Subject()}
	if claim, ok := token.Get("email"); ok {
		caller.Email, _ = claim.(string)
	}
	return caller, nil
}
