package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ServiceClient fetches Google credentials from the shared auth service,
// which owns storage and consent.
type ServiceClient struct {
	baseURL string
	bearer  string
	client  *http.Client
}

// NewServiceClient creates a client for the auth service at baseURL. bearer
// is optional and sent as an Authorization header.
func NewServiceClient(baseURL, bearer string) *ServiceClient {
	return &ServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		bearer:  bearer,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Credentials fetches the Google credential stored for userID.
func (c *ServiceClient) Credentials(ctx context.Context, userID string) (*Credentials, error) {
	u := fmt.Sprintf("%s/api/credentials/google?user_id=%s", c.baseURL, url.QueryEscape(userID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w for %s", ErrNoCredentials, userID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Credentials *Credentials `json:"credentials"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !result.Credentials.Usable() {
		return nil, fmt.Errorf("%w for %s", ErrNoCredentials, userID)
	}
	return result.Credentials, nil
}
