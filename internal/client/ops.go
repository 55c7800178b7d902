package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Health is the body served by the ops /health endpoint.
type Health struct {
	OK        bool `json:"ok"`
	Pairings  int  `json:"pairings"`
	Uploads   int  `json:"uploads"`
	Downloads int  `json:"downloads"`
}

func opsURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}

// FetchHealth calls GET /health on the server's ops listener.
// Uses a 5 second timeout for the HTTP request.
func FetchHealth(ctx context.Context, baseURL string) (Health, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opsURL(baseURL, "/health"), nil)
	if err != nil {
		return Health{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Health{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Health{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return Health{}, fmt.Errorf("parse response: %w", err)
	}
	return h, nil
}

// EventsURL returns the websocket URL of the ops event feed.
func EventsURL(baseURL string) string {
	u := opsURL(baseURL, "/events")
	u = strings.Replace(u, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}
