package geocode

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tlundqvist/gotrack/internal/track"
)

// MapClient fetches static map tiles centred on a coordinate through
// the Google static maps API.
type MapClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Interface compliance check.
var _ track.MapFetcher = (*MapClient)(nil)

// NewMapClient creates a static map client.
func NewMapClient(settings Settings) *MapClient {
	baseURL := settings.BaseURL
	if baseURL == "" {
		baseURL = staticMapURL
	}
	return &MapClient{
		apiKey:  settings.APIKey,
		baseURL: baseURL,
		client:  settings.httpClient(),
		logger:  settings.logger().With(slog.String("component", "staticmap")),
	}
}

// Fetch returns the PNG tile for the coordinate at the given zoom and
// pixel size, with a marker on the coordinate.
func (m *MapClient) Fetch(ctx context.Context, lat, lon float64, zoom, width, height int) ([]byte, error) {
	center := fmt.Sprintf("%.6f,%.6f", lat, lon)

	q := url.Values{}
	q.Set("center", center)
	q.Set("zoom", strconv.Itoa(zoom))
	q.Set("size", fmt.Sprintf("%dx%d", width, height))
	q.Set("markers", "color:red|"+center)
	q.Set("format", "png")
	if m.apiKey != "" {
		q.Set("key", m.apiKey)
	}

	body, err := get(ctx, m.client, m.baseURL+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("static map %s zoom %d: %w", center, zoom, err)
	}

	m.logger.Debug("tile fetched",
		slog.String("center", center),
		slog.Int("zoom", zoom),
		slog.Int("bytes", len(body)),
	)
	return body, nil
}
