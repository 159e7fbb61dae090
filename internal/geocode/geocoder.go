package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/sync/singleflight"

	"github.com/tlundqvist/gotrack/internal/track"
)

// ErrNoResults indicates the service knows no address for the
// coordinate (Google status ZERO_RESULTS).
var ErrNoResults = errors.New("no geocoding results")

// Geocoder resolves coordinates to street addresses through the Google
// geocoding API.
type Geocoder struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	// group collapses concurrent lookups of the same coordinate, which
	// happen when several trackers report from one spot.
	group singleflight.Group
}

// Interface compliance check.
var _ track.Geocoder = (*Geocoder)(nil)

// NewGeocoder creates a reverse-geocoding client.
func NewGeocoder(settings Settings) *Geocoder {
	baseURL := settings.BaseURL
	if baseURL == "" {
		baseURL = geocodeURL
	}
	return &Geocoder{
		apiKey:  settings.APIKey,
		baseURL: baseURL,
		client:  settings.httpClient(),
		logger:  settings.logger().With(slog.String("component", "geocoder")),
	}
}

// geocodeResponse is the subset of the Google geocoding reply we read.
type geocodeResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		FormattedAddress string `json:"formatted_address"`
	} `json:"results"`
}

// Reverse returns the formatted street address nearest to lat, lon.
func (g *Geocoder) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	key := fmt.Sprintf("%.6f,%.6f", lat, lon)

	addr, err, shared := g.group.Do(key, func() (any, error) {
		return g.reverse(ctx, key)
	})
	if err != nil {
		return "", err
	}
	if shared {
		g.logger.Debug("geocode lookup shared", slog.String("latlng", key))
	}
	return addr.(string), nil
}

func (g *Geocoder) reverse(ctx context.Context, latlng string) (string, error) {
	q := url.Values{}
	q.Set("latlng", latlng)
	if g.apiKey != "" {
		q.Set("key", g.apiKey)
	}

	body, err := get(ctx, g.client, g.baseURL+"?"+q.Encode())
	if err != nil {
		return "", fmt.Errorf("reverse geocode %s: %w", latlng, err)
	}

	var resp geocodeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("reverse geocode %s: decode: %w", latlng, err)
	}

	switch resp.Status {
	case "OK":
		if len(resp.Results) == 0 {
			return "", fmt.Errorf("reverse geocode %s: %w", latlng, ErrNoResults)
		}
		return resp.Results[0].FormattedAddress, nil
	case "ZERO_RESULTS":
		return "", fmt.Errorf("reverse geocode %s: %w", latlng, ErrNoResults)
	default:
		if resp.ErrorMessage != "" {
			return "", fmt.Errorf("reverse geocode %s: status %s: %s",
				latlng, resp.Status, resp.ErrorMessage)
		}
		return "", fmt.Errorf("reverse geocode %s: status %s", latlng, resp.Status)
	}
}
