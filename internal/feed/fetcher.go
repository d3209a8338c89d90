// Package feed downloads the provider's published address ranges.
package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	maxResponseBytes = 10 << 20 // 10 MiB safety cap
	defaultTimeout   = 60 * time.Second
)

// Fetcher returns the raw, unvalidated address strings of one feed.
type Fetcher interface {
	Fetch(ctx context.Context) ([]string, error)
}

// FetchError reports a feed that could not be downloaded or parsed.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("feed: %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("feed: %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// HTTPFetcher reads a Zscaler-style JSON document (or a plain text list) over
// HTTP.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
	Logger *log.Logger
}

func NewHTTPFetcher(url string, verifyTLS bool, logger *log.Logger) *HTTPFetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !verifyTLS} //nolint:gosec // operator opt-out via VERIFY_TLS
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPFetcher{
		URL:    url,
		Client: &http.Client{Timeout: defaultTimeout, Transport: transport},
		Logger: logger.WithPrefix("feed"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]string, error) {
	if f.URL == "" {
		return nil, &FetchError{Err: errors.New("feed url not set")}
	}

	f.Logger.Info("Fetching prefix feed", "url", f.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, &FetchError{URL: f.URL, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json, text/plain;q=0.9")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: f.URL, Err: fmt.Errorf("execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &FetchError{URL: f.URL, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &FetchError{URL: f.URL, Err: fmt.Errorf("read response: %w", err)}
	}
	if len(content) > maxResponseBytes {
		return nil, &FetchError{URL: f.URL, Err: fmt.Errorf("response exceeds %d bytes", maxResponseBytes)}
	}

	entries, err := Extract(content)
	if err != nil {
		return nil, &FetchError{URL: f.URL, Err: err}
	}

	f.Logger.Info("Loaded feed entries", "count", len(entries))
	return entries, nil
}

// Static is a Fetcher over a fixed list.
type Static []string

func (s Static) Fetch(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), s...), nil
}
