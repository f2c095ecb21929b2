package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/khwj/personal-analytics/internal/sync"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// BetterAuthClient fetches OAuth tokens for connected mailboxes from BetterAuth
type BetterAuthClient struct {
	baseURL string
	client  *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL string, timeout time.Duration) *BetterAuthClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BetterAuthClient{
		baseURL: strings.TrimRight(authServerURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// GetToken fetches the provider token linked to the user's JWT.
// BetterAuth owns storage and refresh of the provider token.
func (c *BetterAuthClient) GetToken(ctx context.Context, userJWT string, provider Provider) (*Token, error) {
	if userJWT == "" {
		return nil, sync.NewError(sync.KindCredential, "betterauth token", errors.New("missing user token"))
	}

	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, sync.NewError(sync.KindConfig, "betterauth token", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, sync.NewError(sync.KindProvider, "betterauth token", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, sync.NewError(sync.KindCredential, "betterauth token", fmt.Errorf("no %s account connected", provider))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, sync.NewError(sync.KindCredential, "betterauth token", fmt.Errorf("user token rejected with status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, sync.NewError(sync.KindProvider, "betterauth token", fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body)))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix seconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, sync.NewError(sync.KindProvider, "betterauth token", fmt.Errorf("decode response: %w", err))
	}
	if result.AccessToken == "" {
		return nil, sync.NewError(sync.KindCredential, "betterauth token", errors.New("empty access token"))
	}

	tok := &Token{AccessToken: result.AccessToken, RefreshToken: result.RefreshToken}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}
