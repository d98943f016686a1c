package tle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultURLTemplate = "https://tle.ivanstanojevic.me/api/tle/%d"
	maxBodyBytes       = 1 << 20
)

// ErrNotListed is returned when the source answers but does not carry the
// requested catalog number.
var ErrNotListed = errors.New("catalog number not present in response")

// Fetcher retrieves the current element set for a catalog number.
type Fetcher struct {
	urlTemplate string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewFetcher creates a Fetcher. urlTemplate must contain a single %d verb for
// the NORAD catalog number; an empty template selects the public TLE API.
func NewFetcher(urlTemplate string, logger *slog.Logger) *Fetcher {
	if urlTemplate == "" {
		urlTemplate = defaultURLTemplate
	}
	return &Fetcher{
		urlTemplate: urlTemplate,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// URL returns the request URL for a catalog number.
func (f *Fetcher) URL(noradID int) string {
	if strings.Contains(f.urlTemplate, "%d") {
		return fmt.Sprintf(f.urlTemplate, noradID)
	}
	return f.urlTemplate
}

// apiResponse is the JSON body of the TLE API: {"name":..., "line1":..., "line2":...}.
type apiResponse struct {
	Name  string `json:"name"`
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

// Fetch performs a single HTTP GET for the element set of noradID. JSON
// bodies with line1/line2 and plain TLE text are both accepted.
func (f *Fetcher) Fetch(ctx context.Context, noradID int) (Elements, error) {
	url := f.URL(noradID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Elements{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Elements{}, fmt.Errorf("fetching TLE data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Elements{}, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return Elements{}, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return Elements{}, fmt.Errorf("response from %s exceeds %d byte limit", url, maxBodyBytes)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var r apiResponse
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return Elements{}, fmt.Errorf("decoding TLE response: %w", err)
		}
		e, err := FromLines(r.Name, r.Line1, r.Line2)
		if err != nil {
			return Elements{}, err
		}
		if e.NORADID != noradID {
			return Elements{}, fmt.Errorf("%w: got %d, want %d", ErrNotListed, e.NORADID, noradID)
		}
		return e, nil
	}

	entries, err := Parse(bytes.NewReader(trimmed), f.logger)
	if err != nil {
		return Elements{}, err
	}
	for _, e := range entries {
		if e.NORADID == noradID {
			return e, nil
		}
	}
	return Elements{}, fmt.Errorf("%w: %d (%d entries)", ErrNotListed, noradID, len(entries))
}
