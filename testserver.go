package rcswitch

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/client"
	"pkt.systems/rcswitch/internal/clock"
	"pkt.systems/rcswitch/internal/modem"
	"pkt.systems/rcswitch/internal/wakelock"
)

// TestServer wraps a running rcswitch.Server with convenient handles for tests.
type TestServer struct {
	Server   *Server
	BaseURL  string
	Listener net.Addr
	Client   *client.Client
	Config   Config

	stop func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         level,
	})
	return logger.With("app", "testserver")
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	return ts.stop(ctx)
}

// URL returns the base URL clients should use to reach the server.
func (ts *TestServer) URL() string {
	if ts == nil {
		return ""
	}
	return ts.BaseURL
}

// Addr returns the listener address the server is bound to.
func (ts *TestServer) Addr() net.Addr {
	if ts == nil {
		return nil
	}
	return ts.Listener
}

// NewClient returns a new client configured against the test server.
func (ts *TestServer) NewClient(opts ...client.Option) (*client.Client, error) {
	if ts == nil {
		return nil, fmt.Errorf("nil test server")
	}
	return client.New(ts.BaseURL, opts...)
}

type testServerOptions struct {
	cfg           Config
	mutators      []func(*Config)
	logger        pslog.Logger
	testTB        testing.TB
	testLogLevel  pslog.Level
	serverOpts    []Option
	clientOpts    []client.Option
	disableClient bool
	startTimeout  time.Duration
}

// TestServerOption customises NewTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfig replaces the base configuration.
func WithTestConfig(cfg Config) TestServerOption {
	return func(o *testServerOptions) {
		o.cfg = cfg
	}
}

// WithTestConfigFunc mutates the configuration before the server starts.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestUnixSocket serves the API on a Unix socket at path.
func WithTestUnixSocket(path string) TestServerOption {
	return func(o *testServerOptions) {
		o.mutators = append(o.mutators, func(cfg *Config) {
			cfg.ListenProto = "unix"
			cfg.Listen = path
		})
	}
}

// WithTestLogger supplies the server logger.
func WithTestLogger(logger pslog.Logger) TestServerOption {
	return func(o *testServerOptions) {
		o.logger = logger
	}
}

// WithTestLoggerFromTB routes server logs through t at level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestServerOption {
	return func(o *testServerOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestChannel injects a modem channel.
func WithTestChannel(ch modem.Channel) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, WithChannel(ch))
	}
}

// WithTestClock injects the server clock.
func WithTestClock(c clock.Clock) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, WithClock(c))
	}
}

// WithTestWakeLock injects the wake lock.
func WithTestWakeLock(l wakelock.Lock) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, WithWakeLock(l))
	}
}

// WithTestClientOptions appends options for the bundled client.
func WithTestClientOptions(opts ...client.Option) TestServerOption {
	return func(o *testServerOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithoutTestClient skips creating the bundled client.
func WithoutTestClient() TestServerOption {
	return func(o *testServerOptions) {
		o.disableClient = true
	}
}

// WithTestStartTimeout bounds how long NewTestServer waits for the listener.
func WithTestStartTimeout(d time.Duration) TestServerOption {
	return func(o *testServerOptions) {
		o.startTimeout = d
	}
}

// NewTestServer starts a server on 127.0.0.1:0 (or the configured Unix
// socket) with simulated modems and returns it once it is listening.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	options := testServerOptions{
		cfg: Config{
			ListenProto:        "tcp",
			Listen:             "127.0.0.1:0",
			WakeLock:           WakeLockLocal,
			DisableHTTPTracing: true,
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}
	cfg := options.cfg
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.ListenProto == "" {
		cfg.ListenProto = "tcp"
	}
	if cfg.ListenProto != "unix" && cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	startCtx := ctx
	if options.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, options.startTimeout)
		defer cancel()
	}
	serverOpts := append([]Option{WithLogger(logger)}, options.serverOpts...)
	srv, err := NewServer(cfg, serverOpts...)
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = fmt.Errorf("test server: stopped before listening")
		}
		return nil, err
	case <-startCtx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
		return nil, fmt.Errorf("test server start: %w", startCtx.Err())
	}
	var stopOnce sync.Once
	var stopErr error
	stop := func(stopCtx context.Context) error {
		stopOnce.Do(func() {
			if stopCtx == nil {
				stopCtx = context.Background()
			}
			stopErr = srv.Shutdown(stopCtx)
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}

	addr := srv.ListenerAddr()
	baseURL, err := computeBaseURL(srv.cfg, addr)
	if err != nil {
		_ = stop(context.Background())
		return nil, err
	}
	ts := &TestServer{
		Server:   srv,
		BaseURL:  baseURL,
		Listener: addr,
		Config:   srv.cfg,
		stop:     stop,
	}
	if !options.disableClient {
		ts.Client, err = client.New(baseURL, options.clientOpts...)
		if err != nil {
			_ = stop(context.Background())
			return nil, err
		}
	}
	return ts, nil
}

// StartTestServer is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

func computeBaseURL(cfg Config, addr net.Addr) (string, error) {
	switch strings.ToLower(cfg.ListenProto) {
	case "unix":
		if cfg.Listen == "" {
			return "", fmt.Errorf("unix listener requires a socket path")
		}
		return "unix://" + cfg.Listen, nil
	default:
		if addr == nil {
			return "", fmt.Errorf("test server: listener not initialised")
		}
		return "http://" + addr.String(), nil
	}
}
