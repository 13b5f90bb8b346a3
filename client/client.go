package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/correlation"
	"pkt.systems/rcswitch/internal/version"
)

const (
	// DefaultHTTPTimeout bounds every non-streaming request.
	DefaultHTTPTimeout = 15 * time.Second

	headerCorrelationID = correlation.Header
	headerLastEventID   = "Last-Event-ID"
	unixSocketHost      = "rcswitch.sock"
)

// Client is a convenience wrapper around the rcswitch HTTP API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Base
	userAgent   string
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = full.With("sys", "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout overrides the per-request timeout. It does not apply to Watch.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua = strings.TrimSpace(ua); ua != "" {
			c.userAgent = ua
		}
	}
}

// New creates a client targeting baseURL, e.g. http://127.0.0.1:9380.
// Unix-domain sockets are addressed as unix:///run/rcswitch.sock.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	c := &Client{
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
		userAgent:   version.UserAgent(),
	}
	for _, opt := range opts {
		opt(c)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("client: base url %q has no host", trimmed)
		}
		c.baseURL = strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/")
		if c.httpClient == nil {
			c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
		}
	case "unix":
		socket := u.Path
		if socket == "" {
			return nil, fmt.Errorf("client: unix url %q has no socket path", trimmed)
		}
		c.baseURL = "http://" + unixSocketHost
		if c.httpClient == nil {
			c.httpClient = &http.Client{Transport: otelhttp.NewTransport(unixTransport(socket))}
		}
	default:
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	return c, nil
}

func unixTransport(socket string) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socket)
	}
	return tr
}

// BaseURL returns the normalised server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Reassign requests a capability reassignment. Acceptance only means the
// transaction started; use Watch for the outcome.
func (c *Client) Reassign(ctx context.Context, capabilities []api.RadioAccessFamily) (*api.ReassignResponse, error) {
	var out api.ReassignResponse
	if err := c.do(ctx, http.MethodPost, "/v1/capability", api.ReassignRequest{Capabilities: capabilities}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the transaction table.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/v1/capability", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Notify forwards an unsolicited capability-changed notification. A non-empty
// modemErr reports that the modem failed to commit the capability.
func (c *Client) Notify(ctx context.Context, rc api.RadioCapability, modemErr string) error {
	return c.do(ctx, http.MethodPost, "/v1/capability/notify", api.NotifyRequest{Capability: rc, Error: modemErr}, nil)
}

// Health probes the server.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/v1/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ErrStopWatch may be returned by a Watch handler to end the stream cleanly.
var ErrStopWatch = errors.New("client: stop watch")

// Watch streams outcomes published after lastID, replaying any the server
// still retains, and calls fn for each in order. It returns when ctx ends,
// the server closes the stream, or fn returns an error (ErrStopWatch yields nil).
func (c *Client) Watch(ctx context.Context, lastID int64, fn func(api.Outcome) error) error {
	if fn == nil {
		return fmt.Errorf("client: watch handler required")
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set(headerLastEventID, strconv.FormatInt(lastID, 10))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	c.logger.Debug("client.watch.connected", "last_id", lastID, "cid", resp.Header.Get(headerCorrelationID))
	err = readEvents(resp.Body, fn)
	switch {
	case errors.Is(err, ErrStopWatch):
		return nil
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}

// readEvents parses a text/event-stream body. Only data frames carrying an
// outcome are delivered; comments and heartbeats are skipped.
func readEvents(r io.Reader, fn func(api.Outcome) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	var (
		data []byte
		id   int64
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var o api.Outcome
			if err := json.Unmarshal(data, &o); err != nil {
				return fmt.Errorf("client: decode event: %w", err)
			}
			if o.ID == 0 {
				o.ID = id
			}
			data, id = data[:0], 0
			if err := fn(o); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			id, _ = strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64)
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(line[5:], " ")...)
		}
	}
	return scanner.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(headerCorrelationID, cid)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	start := time.Now()
	c.logger.Trace("client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	c.logger.Trace("client.http.complete",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
		"cid", resp.Header.Get(headerCorrelationID),
	)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// APIError describes a non-2xx response from the server.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded rcswitch error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// CorrelationID is the X-Correlation-Id the server answered with.
	CorrelationID string
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("rcswitch: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("rcswitch: status %d", e.Status)
}

// IsTransactionActive reports whether err is the server rejecting a
// reassignment because another one is in flight.
func IsTransactionActive(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Response.ErrorCode == "txn_active"
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return c.decodeErrorWithBody(resp, data)
}

func (c *Client) decodeErrorWithBody(resp *http.Response, data []byte) error {
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			// leave errResp empty, but keep body for diagnostics
			return &APIError{Status: resp.StatusCode, Body: data, CorrelationID: resp.Header.Get(headerCorrelationID)}
		}
	}
	return &APIError{
		Status:        resp.StatusCode,
		Response:      errResp,
		Body:          data,
		CorrelationID: resp.Header.Get(headerCorrelationID),
	}
}
