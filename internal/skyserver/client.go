// Package skyserver is a small client for the SDSS SkyServer web service:
// SQL search over SpecPhoto/WISE, JPEG image cutouts and spectrum CSVs.
package skyserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the DR16 SkyServer web service root.
	DefaultBaseURL = "http://skyserver.sdss.org/dr16/SkyServerWS"
	// DefaultSpectrumURL serves spectra as CSV.
	DefaultSpectrumURL = "https://dr16.sdss.org/optical/spectrum/view/data/format=csv/spec=lite"
	// DefaultMaxResponseBytes caps a response body. Lite spectra are a few
	// hundred KB and cutouts a few KB.
	DefaultMaxResponseBytes = 32 << 20
)

// ErrNoRows is returned when a query matches nothing.
var ErrNoRows = errors.New("skyserver: no rows")

// Config configures the client.
type Config struct {
	BaseURL     string
	SpectrumURL string
	Timeout     time.Duration
	// RateLimit is the allowed requests per second.
	RateLimit float64
	RateBurst int
	// MaxResponseBytes caps the body of any response.
	MaxResponseBytes int64
	// Transport allows injecting a custom HTTP transport (for tests).
	Transport http.RoundTripper
}

// Client is a rate-limited SkyServer client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a client, filling zero config values with defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.SpectrumURL == "" {
		cfg.SpectrumURL = DefaultSpectrumURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 5
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

// SQL runs a query through SqlSearch and returns the rows of the first table.
func (c *Client) SQL(ctx context.Context, query string) ([]map[string]any, error) {
	params := url.Values{}
	params.Set("cmd", query)
	params.Set("format", "json")

	body, err := c.get(ctx, c.cfg.BaseURL+"/SearchTools/SqlSearch", params)
	if err != nil {
		return nil, err
	}

	var tables []struct {
		TableName string           `json:"TableName"`
		Rows      []map[string]any `json:"Rows"`
	}
	if err := json.Unmarshal(body, &tables); err != nil {
		return nil, fmt.Errorf("skyserver: decode sql response: %w", err)
	}
	if len(tables) == 0 {
		return nil, ErrNoRows
	}
	return tables[0].Rows, nil
}

// ImageCutout fetches a JPEG cutout centred on ra/dec.
func (c *Client) ImageCutout(ctx context.Context, ra, dec float64, scale float64, width, height int) ([]byte, error) {
	params := url.Values{}
	params.Set("ra", strconv.FormatFloat(ra, 'f', -1, 64))
	params.Set("dec", strconv.FormatFloat(dec, 'f', -1, 64))
	params.Set("scale", strconv.FormatFloat(scale, 'f', -1, 64))
	params.Set("width", strconv.Itoa(width))
	params.Set("height", strconv.Itoa(height))
	params.Set("opt", "")
	return c.get(ctx, c.cfg.BaseURL+"/ImgCutout/getjpeg", params)
}

// Spectrum fetches the lite spectrum of a plate/mjd/fiber triple as CSV.
func (c *Client) Spectrum(ctx context.Context, plate, mjd, fiberID int64) ([]byte, error) {
	params := url.Values{}
	params.Set("plateid", strconv.FormatInt(plate, 10))
	params.Set("mjd", strconv.FormatInt(mjd, 10))
	params.Set("fiberid", strconv.FormatInt(fiberID, 10))
	return c.get(ctx, c.cfg.SpectrumURL, params)
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("skyserver: rate limit: %w", err)
	}

	u := endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("skyserver: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("skyserver: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: endpoint, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("skyserver: read body: %w", err)
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("skyserver: %s response exceeds %d bytes", endpoint, c.cfg.MaxResponseBytes)
	}
	return body, nil
}

// StatusError reports a non-200 response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("skyserver: %s returned HTTP %d", e.URL, e.StatusCode)
}
