package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/example/vendor-tracking/internal/models"
)

const DefaultLocationIQURL = "https://us1.locationiq.com"

// Provider turns a coordinate pair into a human-readable address.
type Provider interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (string, error)
}

var ErrDisabled = fmt.Errorf("%w: reverse geocoding is not configured", models.ErrDependencyDegraded)

// Disabled is used when no provider is configured; callers fall back at once.
type Disabled struct{}

func (Disabled) ReverseGeocode(context.Context, float64, float64) (string, error) {
	return "", ErrDisabled
}

// FallbackAddress is the address recorded when geocoding is unavailable.
func FallbackAddress(lat, lng float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + ", " + strconv.FormatFloat(lng, 'f', -1, 64)
}

type LocationIQ struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewLocationIQ(apiKey, baseURL string) *LocationIQ {
	if baseURL == "" {
		baseURL = DefaultLocationIQURL
	}
	return &LocationIQ{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type reversePayload struct {
	Address string `json:"display_name"`
}

func (c *LocationIQ) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	const op = "LocationIQ.ReverseGeocode"

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lng, 'f', 6, 64))
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("%s: build request: %w", op, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", op, models.ErrDependencyDegraded, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %w: unexpected status %d", op, models.ErrDependencyDegraded, resp.StatusCode)
	}

	var payload reversePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%s: %w: decode response: %w", op, models.ErrDependencyDegraded, err)
	}
	if payload.Address == "" {
		return "", fmt.Errorf("%s: %w: empty address", op, models.ErrDependencyDegraded)
	}
	return payload.Address, nil
}
