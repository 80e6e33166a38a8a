package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Health is the relay's answer to GET /health.
type Health struct {
	OK          bool `json:"ok"`
	Connections int  `json:"connections"`
	Users       int  `json:"users"`
}

// HealthURL derives the health endpoint from a relay websocket URL:
// ws://host:8080/ws becomes http://host:8080/health.
func HealthURL(relayURL string) (string, error) {
	if !strings.Contains(relayURL, "://") {
		relayURL = "ws://" + relayURL
	}
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", relayURL)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}

// CheckHealth calls GET /health on the relay behind relayURL.
// Uses a 5 second timeout for the HTTP request.
func CheckHealth(ctx context.Context, relayURL string) (*Health, error) {
	endpoint, err := HealthURL(relayURL)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout: 5 * time.Second,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &h, nil
}
