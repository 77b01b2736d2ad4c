// Package token fetches realtime session credentials from the token
// service. The endpoint, headers, and JSON keys are a fixed collaborator
// contract.
package token

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/savantlabs/savant/api/bridge"
)

// ErrMissingAPIKey indicates the credential is absent; no request is made
// and the caller must treat startup as failed.
var ErrMissingAPIKey = errors.New("token service api key is missing")

const tokenPath = "/api/v1/token"

// Config configures the token service client.
type Config struct {
	BaseURL         string
	APIKey          string
	ParticipantName string
	Timeout         time.Duration
}

// Validate enforces client config invariants. A missing API key is an
// auth error, not a config typo, and gets its own sentinel.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("base_url is required")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Client is a JSON-over-HTTP token service client.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a token client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ParticipantName == "" {
		cfg.ParticipantName = "TheSavant"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Fetch performs one token request. Retry policy belongs to the caller.
func (c *Client) Fetch(ctx context.Context) (bridge.TokenGrant, error) {
	body, err := json.Marshal(bridge.TokenRequest{ParticipantName: c.cfg.ParticipantName})
	if err != nil {
		return bridge.TokenGrant{}, fmt.Errorf("encode token request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + tokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return bridge.TokenGrant{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("X-API-Key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return bridge.TokenGrant{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return bridge.TokenGrant{}, fmt.Errorf("token service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var grant bridge.TokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return bridge.TokenGrant{}, fmt.Errorf("decode token response: %w", err)
	}
	if err := grant.Validate(); err != nil {
		return bridge.TokenGrant{}, fmt.Errorf("invalid token grant: %w", err)
	}
	return grant, nil
}

// defaultTokenTTL is assumed when the token carries no readable expiry.
const defaultTokenTTL = 50 * time.Minute

// GrantExpiry returns when the granted token stops being reusable for
// reconnects. It reads the JWT exp claim when decodable and falls back to
// a conservative fixed TTL otherwise.
func GrantExpiry(grant bridge.TokenGrant, now time.Time) time.Time {
	parts := strings.Split(grant.Token, ".")
	if len(parts) != 3 {
		return now.Add(defaultTokenTTL)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return now.Add(defaultTokenTTL)
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp <= 0 {
		return now.Add(defaultTokenTTL)
	}
	return time.Unix(claims.Exp, 0)
}
