// Package geocode implements the Google Maps web service clients used
// to enrich event notifications: reverse geocoding and static map
// tiles.
//
// Both clients work without an API key; Google then applies the
// anonymous quota, which the caller's rate limiter is expected to
// respect.
package geocode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Production endpoints.
const (
	geocodeURL   = "https://maps.googleapis.com/maps/api/geocode/json"
	staticMapURL = "https://maps.googleapis.com/maps/api/staticmap"
)

// maxBodyBytes caps a response read; static map tiles stay well under
// this at the supported sizes.
const maxBodyBytes = 4 << 20

// errSnippetLen caps response text carried into errors.
const errSnippetLen = 200

// Settings configures a web service client.
type Settings struct {
	// APIKey is sent as the key parameter when non-empty.
	APIKey string

	// BaseURL overrides the production endpoint, for tests.
	BaseURL string

	// HTTPClient overrides http.DefaultClient. Request lifetimes are
	// bounded by the caller's context either way.
	HTTPClient *http.Client

	Logger *slog.Logger
}

func (s Settings) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s Settings) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// get issues one GET and returns the body for a 2xx response. Other
// statuses become an error carrying a body snippet.
func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s: %s",
			resp.Status, bodySnippet(body))
	}
	return body, nil
}

func bodySnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > errSnippetLen {
		return s[:errSnippetLen] + "..."
	}
	return s
}
