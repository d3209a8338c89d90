// Package vmanage talks to the Cisco vManage data-prefix list API.
package vmanage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"prefixsync/internal/controller"
	"prefixsync/internal/domain"
	"prefixsync/internal/prefix"
)

const (
	dataPrefixPath   = "/dataservice/template/policy/list/dataprefix"
	loginPath        = "/j_security_check"
	tokenPath        = "/dataservice/client/token"
	defaultTimeout   = 60 * time.Second
	defaultRateLimit = 5
	maxErrorBody     = 400
	maxResponseBytes = 32 << 20
)

type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	VerifyTLS bool
	// RateLimit caps requests per second; <= 0 uses the default.
	RateLimit float64
	Timeout   time.Duration
	// BaseURL overrides https://Host:Port.
	BaseURL string
}

// Client is a controller.Client backed by the vManage REST API. It logs in
// lazily and logs in again once when a request comes back unauthorized.
type Client struct {
	base    string
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger

	mu    sync.Mutex
	token string
}

var _ controller.Client = (*Client)(nil)

func New(cfg Config, logger *log.Logger) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		if cfg.Host == "" {
			return nil, errors.New("vmanage: host is required")
		}
		port := cfg.Port
		if port == 0 {
			port = 8443
		}
		base = "https://" + cfg.Host + ":" + strconv.Itoa(port)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("vmanage: invalid base url %q: %w", base, err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("vmanage: cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if logger == nil {
		logger = log.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS} //nolint:gosec // operator opt-out via VERIFY_TLS

	return &Client{
		base: base,
		cfg:  cfg,
		http: &http.Client{
			Jar:       jar,
			Timeout:   timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(limit), 1),
		logger:  logger.WithPrefix("vmanage"),
	}, nil
}

// Login runs the GUI-style handshake: seed cookies, post the security check
// form, then fetch the XSRF token that every later request must carry.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	c.token = ""
	c.logger.Info("Logging into vManage", "base", c.base, "user", c.cfg.Username)

	resp, err := c.send(ctx, http.MethodGet, "/", nil, nil)
	if err != nil {
		return &controller.AuthError{Op: "login", Err: err}
	}
	drain(resp)

	form := url.Values{"j_username": {c.cfg.Username}, "j_password": {c.cfg.Password}}
	resp, err = c.send(ctx, http.MethodPost, loginPath, strings.NewReader(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	if err != nil {
		return &controller.AuthError{Op: "login", Err: err}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &controller.AuthError{Op: "login", Status: resp.StatusCode, Err: errors.New(snippet(body))}
	}
	// A rejected login answers 200 with the login page again.
	if bytes.Contains(bytes.ToLower(body), []byte("<html")) {
		return &controller.AuthError{Op: "login", Status: resp.StatusCode, Err: errors.New("credentials rejected")}
	}

	resp, err = c.send(ctx, http.MethodGet, tokenPath, nil, map[string]string{"Accept": "application/json"})
	if err != nil {
		return &controller.AuthError{Op: "token", Err: err}
	}
	body, _ = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &controller.AuthError{Op: "token", Status: resp.StatusCode, Err: errors.New(snippet(body))}
	}

	token := parseToken(body)
	if token == "" || strings.Contains(strings.ToLower(token), "<html") {
		return &controller.AuthError{Op: "token", Status: resp.StatusCode, Err: errors.New("empty or invalid XSRF token")}
	}
	c.token = token
	c.logger.Info("vManage login OK", "token_length", len(token))
	return nil
}

func parseToken(body []byte) string {
	raw := strings.TrimSpace(string(body))
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"token", "X-XSRF-TOKEN"} {
			if v, ok := payload[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return raw
}

type listEntry struct {
	IPPrefix string `json:"ipPrefix"`
}

type listItem struct {
	Name    string      `json:"name"`
	ListID  string      `json:"listId"`
	ID      string      `json:"id"`
	UUID    string      `json:"uuid"`
	Entries []listEntry `json:"entries"`
}

func (i listItem) identifier() string {
	for _, v := range []string{i.ListID, i.ID, i.UUID} {
		if v != "" {
			return v
		}
	}
	return ""
}

type listPayload struct {
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Entries []listEntry `json:"entries"`
}

func newPayload(name string, members []prefix.Record) listPayload {
	entries := make([]listEntry, 0, len(members))
	for _, m := range members {
		entries = append(entries, listEntry{IPPrefix: m.CIDR})
	}
	return listPayload{Name: name, Type: "dataPrefix", Entries: entries}
}

func (c *Client) ListCurrentState(ctx context.Context, base string) ([]domain.ListState, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, "list", base, http.MethodGet, dataPrefixPath, nil, &raw); err != nil {
		return nil, err
	}

	items, err := decodeItems(raw)
	if err != nil {
		return nil, fmt.Errorf("vmanage: decode data prefix lists: %w", err)
	}

	states := make([]domain.ListState, 0, len(items))
	for _, item := range items {
		if _, ok := domain.ParseChunkIndex(base, item.Name); !ok {
			continue
		}
		raw := make([]string, 0, len(item.Entries))
		for _, e := range item.Entries {
			raw = append(raw, e.IPPrefix)
		}
		set, err := prefix.Normalize(item.Name, raw, prefix.FilterBoth)
		if err != nil {
			return nil, fmt.Errorf("vmanage: list %s: %w", item.Name, err)
		}
		states = append(states, domain.ListState{
			ListRef: domain.ListRef{Name: item.Name, ListID: item.identifier()},
			Members: set.Records(),
		})
	}

	slices.SortFunc(states, func(a, b domain.ListState) int {
		ai, _ := domain.ParseChunkIndex(base, a.Name)
		bi, _ := domain.ParseChunkIndex(base, b.Name)
		return ai - bi
	})

	c.logger.Debug("Fetched data prefix lists", "base", base, "total", len(items), "managed", len(states))
	return states, nil
}

func decodeItems(raw json.RawMessage) ([]listItem, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []listItem
		err := json.Unmarshal(trimmed, &items)
		return items, err
	}
	var wrapped struct {
		Data []listItem `json:"data"`
	}
	err := json.Unmarshal(trimmed, &wrapped)
	return wrapped.Data, err
}

func (c *Client) CreateList(ctx context.Context, name string, members []prefix.Record) (string, error) {
	var resp map[string]any
	if err := c.doJSON(ctx, "create", name, http.MethodPost, dataPrefixPath, newPayload(name, members), &resp); err != nil {
		return "", err
	}

	id := createdID(resp)
	if id == "" {
		c.logger.Warn("Create data prefix list returned no list id", "name", name)
	}
	return id, nil
}

func createdID(resp map[string]any) string {
	for _, key := range []string{"listId", "id", "uuid"} {
		if v, ok := resp[key].(string); ok && v != "" {
			return v
		}
	}
	if data, ok := resp["data"].(map[string]any); ok {
		if v, ok := data["listId"].(string); ok {
			return v
		}
	}
	return ""
}

func (c *Client) UpdateList(ctx context.Context, ref domain.ListRef, members []prefix.Record) error {
	if ref.ListID == "" {
		return &controller.NotFoundError{Op: "update", Name: ref.Name}
	}
	return c.doJSON(ctx, "update", ref.Name, http.MethodPut, dataPrefixPath+"/"+url.PathEscape(ref.ListID), newPayload(ref.Name, members), nil)
}

func (c *Client) DeleteList(ctx context.Context, ref domain.ListRef) error {
	if ref.ListID == "" {
		return &controller.NotFoundError{Op: "delete", Name: ref.Name}
	}
	return c.doJSON(ctx, "delete", ref.Name, http.MethodDelete, dataPrefixPath+"/"+url.PathEscape(ref.ListID), nil, nil)
}

// doJSON sends an authenticated request, logging in first if needed and once
// more if the session turns out to be stale.
func (c *Client) doJSON(ctx context.Context, op, name, method, path string, in, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("vmanage: %s %s: encode: %w", op, name, err)
		}
	}

	for attempt := 0; ; attempt++ {
		if c.token == "" {
			if err := c.loginLocked(ctx); err != nil {
				return err
			}
		}

		var body io.Reader
		headers := map[string]string{"Accept": "application/json"}
		if payload != nil {
			body = bytes.NewReader(payload)
			headers["Content-Type"] = "application/json"
		}

		resp, err := c.send(ctx, method, path, body, headers)
		if err != nil {
			return fmt.Errorf("vmanage: %s %s: %w", op, name, err)
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if attempt == 0 {
				c.logger.Warn("vManage session rejected, logging in again", "op", op, "status", resp.StatusCode)
				c.token = ""
				continue
			}
			return &controller.AuthError{Op: op, Status: resp.StatusCode, Err: errors.New(snippet(data))}
		case resp.StatusCode == http.StatusNotFound:
			return &controller.NotFoundError{Op: op, Name: name}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			c.logger.Error("vManage request failed", "op", op, "name", name, "status", resp.StatusCode, "body", snippet(data))
			return fmt.Errorf("vmanage: %s %s: unexpected status %d: %s", op, name, resp.StatusCode, snippet(data))
		}

		if readErr != nil {
			return fmt.Errorf("vmanage: %s %s: read response: %w", op, name, readErr)
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("vmanage: %s %s: decode response: %w", op, name, err)
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Referer", c.base+"/")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if c.token != "" {
		req.Header.Set("X-XSRF-TOKEN", c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
