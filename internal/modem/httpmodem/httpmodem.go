// Package httpmodem drives remote modem agents over HTTP/JSON. Each phone is
// served by one agent base URL; commands are POSTed to
// {base}/v1/modem/capability and the agent answers with the echoed
// api.RadioCapability or an api.ErrorResponse. Agents deliver unsolicited
// notifications back through the rcswitch notify endpoint.
package httpmodem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/api"
	"pkt.systems/rcswitch/internal/correlation"
	"pkt.systems/rcswitch/internal/loggingutil"
	"pkt.systems/rcswitch/internal/modem"
	"pkt.systems/rcswitch/internal/version"
)

// CommandPath is the agent endpoint that accepts capability commands.
const CommandPath = "/v1/modem/capability"

// DefaultTimeout bounds a single command round trip.
const DefaultTimeout = 10 * time.Second

const maxResponseBytes = 1 << 20

// Config configures the remote modem channel.
type Config struct {
	// Endpoints lists one agent base URL per phone, index-aligned.
	Endpoints []string
	// Timeout bounds each command. Zero uses DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the client. Its transport is wrapped with otelhttp.
	HTTPClient *http.Client
	// Logger receives command traces. Nil disables logging.
	Logger pslog.Logger
}

// Channel implements modem.Channel against remote agents.
type Channel struct {
	endpoints []string
	timeout   time.Duration
	http      *http.Client
	logger    pslog.Logger
}

// New validates cfg and constructs a Channel.
func New(cfg Config) (*Channel, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("httpmodem: at least one endpoint required")
	}
	endpoints := make([]string, len(cfg.Endpoints))
	for i, raw := range cfg.Endpoints {
		raw = strings.TrimRight(strings.TrimSpace(raw), "/")
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("httpmodem: endpoint %d %q must be an absolute http(s) URL", i, cfg.Endpoints[i])
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("httpmodem: endpoint %d %q: unsupported scheme %q", i, raw, u.Scheme)
		}
		endpoints[i] = raw
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client := *base
	client.Transport = otelhttp.NewTransport(transport)
	return &Channel{
		endpoints: endpoints,
		timeout:   timeout,
		http:      &client,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "modem.http"),
	}, nil
}

// Endpoints returns the configured agent base URLs.
func (c *Channel) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// SetRadioCapability implements modem.Channel. The round trip runs on its own
// goroutine; done is invoked once it completes or times out.
func (c *Channel) SetRadioCapability(ctx context.Context, rc api.RadioCapability, done modem.ReplyFunc) {
	if rc.Phone < 0 || rc.Phone >= len(c.endpoints) {
		go done(rc, fmt.Errorf("%w: %d", modem.ErrUnknownPhone, rc.Phone))
		return
	}
	go func() {
		resp, err := c.send(ctx, rc)
		if err != nil {
			c.logger.Warn("rcswitch.modem.http.command.failed", "phone", rc.Phone, "session", rc.Session, "phase", rc.Phase.String(), "error", err)
			done(rc, err)
			return
		}
		done(resp, nil)
	}()
}

func (c *Channel) send(ctx context.Context, rc api.RadioCapability) (api.RadioCapability, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	body, err := json.Marshal(rc)
	if err != nil {
		return rc, fmt.Errorf("httpmodem: encode command: %w", err)
	}
	endpoint := c.endpoints[rc.Phone] + CommandPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return rc, fmt.Errorf("httpmodem: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}
	c.logger.Trace("rcswitch.modem.http.command", "phone", rc.Phone, "session", rc.Session, "phase", rc.Phase.String(), "endpoint", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return rc, &modem.Error{Phone: rc.Phone, Phase: rc.Phase, Code: "transport", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return rc, &modem.Error{Phone: rc.Phone, Phase: rc.Phase, Code: "transport", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp api.ErrorResponse
		if len(data) > 0 {
			_ = json.Unmarshal(data, &errResp)
		}
		code := errResp.ErrorCode
		if code == "" {
			code = fmt.Sprintf("status_%d", resp.StatusCode)
		}
		var cause error
		if errResp.Detail != "" {
			cause = errors.New(errResp.Detail)
		}
		return rc, &modem.Error{Phone: rc.Phone, Phase: rc.Phase, Code: code, Err: cause}
	}
	var out api.RadioCapability
	if len(bytes.TrimSpace(data)) == 0 {
		return rc, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return rc, &modem.Error{Phone: rc.Phone, Phase: rc.Phase, Code: "decode", Err: err}
	}
	return out, nil
}
