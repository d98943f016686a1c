// Package geocode resolves observer locations from free-text place searches
// and from device coordinates reported by a client.
//
// The HTTP client speaks the Nominatim search/reverse JSON API. Outbound
// requests share a token-bucket limiter so a busy dashboard stays within the
// service's usage policy.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://nominatim.openstreetmap.org"
	defaultUserAgent = "passwatch/1.0"
	maxBodyBytes     = 1 << 20
)

var (
	// ErrEmptyQuery is returned for a blank search; no request is made.
	ErrEmptyQuery = errors.New("empty query")
	// ErrNotFound means the service answered with zero candidates.
	ErrNotFound = errors.New("location not found")
	// ErrSearchFailed wraps transport, status, and decoding failures.
	ErrSearchFailed = errors.New("search failed")
)

// Location is an observer position with a human-readable label.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label"`
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	UserAgent string
	RPS       float64
	Timeout   time.Duration
}

// Client is a forward/reverse geocoding client.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a Client. Zero config fields take public defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		logger:     logger,
	}
}

// candidate is one entry of the search response. Coordinates arrive as strings.
type candidate struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// Search resolves query to the first matching place.
func (c *Client) Search(ctx context.Context, query string) (Location, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Location{}, ErrEmptyQuery
	}

	q := url.Values{}
	q.Set("format", "json")
	q.Set("limit", "1")
	q.Set("q", query)

	var results []candidate
	if err := c.get(ctx, "/search", q, &results); err != nil {
		return Location{}, err
	}
	if len(results) == 0 {
		return Location{}, ErrNotFound
	}

	first := results[0]
	lat, err := strconv.ParseFloat(first.Lat, 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: bad latitude %q", ErrSearchFailed, first.Lat)
	}
	lon, err := strconv.ParseFloat(first.Lon, 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: bad longitude %q", ErrSearchFailed, first.Lon)
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}

	c.logger.Debug("geocode search resolved", "query", query, "label", first.DisplayName)
	return Location{Latitude: lat, Longitude: lon, Label: first.DisplayName}, nil
}

// Reverse returns the display name of the place at lat/lon.
func (c *Client) Reverse(ctx context.Context, lat, lon float64) (string, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("format", "json")
	q.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 6, 64))

	var result struct {
		DisplayName string `json:"display_name"`
		Error       string `json:"error"`
	}
	if err := c.get(ctx, "/reverse", q, &result); err != nil {
		return "", err
	}
	if result.Error != "" || result.DisplayName == "" {
		return "", ErrNotFound
	}
	return result.DisplayName, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: creating request: %v", ErrSearchFailed, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status code %d", ErrSearchFailed, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrSearchFailed, err)
	}
	return nil
}
