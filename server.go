package rcswitch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/rcswitch/internal/capswitch"
	"pkt.systems/rcswitch/internal/clock"
	"pkt.systems/rcswitch/internal/httpapi"
	"pkt.systems/rcswitch/internal/loggingutil"
	"pkt.systems/rcswitch/internal/modem"
	"pkt.systems/rcswitch/internal/modem/httpmodem"
	"pkt.systems/rcswitch/internal/modem/sim"
	"pkt.systems/rcswitch/internal/outcome"
	"pkt.systems/rcswitch/internal/phone"
	"pkt.systems/rcswitch/internal/wakelock"
)

// Server wraps the HTTP API, the coordinator and its collaborators.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	phones       *phone.Set
	aliases      *phone.Aliases
	channel      modem.Channel
	coord        *capswitch.Coordinator
	outcomes     *outcome.Hub
	wakelock     wakelock.Lock
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	watchCancel  context.CancelFunc
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger   pslog.Logger
	Clock    clock.Clock
	Channel  modem.Channel
	WakeLock wakelock.Lock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects the clock driving transaction watchdogs and simulated latency.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithChannel injects a pre-built modem channel, overriding Config.Modem.
// A channel that also implements modem.NotificationSource is wired to the
// coordinator's notification ingress.
func WithChannel(ch modem.Channel) Option {
	return func(o *options) {
		o.Channel = ch
	}
}

// WithWakeLock injects a wake lock, overriding Config.WakeLock.
func WithWakeLock(l wakelock.Lock) Option {
	return func(o *options) {
		o.WakeLock = l
	}
}

// NewServer constructs an rcswitch server according to cfg.
// Example:
//
//	cfg := rcswitch.Config{Listen: ":9380", Phones: 2}
//	srv, err := rcswitch.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	lifecycle := loggingutil.WithSubsystem(logger, "server.lifecycle")
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryOptions{
		otlpEndpoint:   cfg.OTLPEndpoint,
		metricsListen:  cfg.MetricsListen,
		pprofListen:    cfg.PprofListen,
		runtimeMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		logger:    lifecycle,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	fail := func(err error) (*Server, error) {
		s.release(context.Background())
		return nil, err
	}

	s.phones, err = phone.NewSlots(cfg.Phones, cfg.InitialRAF, DefaultRAF, cfg.ModemIDs)
	if err != nil {
		return fail(err)
	}
	s.aliases = phone.NewAliases(cfg.aliasMap)
	if cfg.AliasFile != "" {
		watchCtx, cancel := context.WithCancel(context.Background())
		s.watchCancel = cancel
		if err := s.aliases.WatchFile(watchCtx, cfg.AliasFile, cfg.Phones, loggingutil.WithSubsystem(logger, "phone.alias")); err != nil {
			return fail(err)
		}
	}

	s.channel = o.Channel
	if s.channel == nil {
		s.channel, err = buildChannel(cfg, s.phones, clk, logger)
		if err != nil {
			return fail(err)
		}
	}

	s.wakelock = o.WakeLock
	if s.wakelock == nil {
		target := cfg.WakeLockName
		if cfg.WakeLock == WakeLockFile {
			target = cfg.WakeLockFile
		}
		s.wakelock, err = wakelock.New(cfg.WakeLock, target)
		if err != nil {
			return fail(err)
		}
	}

	s.outcomes = outcome.NewHub(cfg.OutcomeBuffer, logger)
	s.coord, err = capswitch.New(capswitch.Config{
		Phones:        s.phones,
		Channel:       s.channel,
		Publisher:     s.outcomes,
		WakeLock:      s.wakelock,
		Clock:         clk,
		Resolve:       s.aliases.Resolve,
		Timeout:       cfg.TxnTimeout,
		FinishTimeout: cfg.FinishTimeout,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}
	if src, ok := s.channel.(modem.NotificationSource); ok {
		src.SetNotifyFunc(s.coord.Notify)
	}

	handler, err := httpapi.New(httpapi.Config{
		Coordinator:        s.coord,
		Outcomes:           s.outcomes,
		Logger:             logger,
		HeartbeatInterval:  cfg.EventHeartbeat,
		DisableHTTPTracing: cfg.DisableHTTPTracing,
	})
	if err != nil {
		return fail(err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	lifecycle.Info("rcswitch.server.configured",
		"phones", cfg.Phones,
		"capabilities", fmt.Sprint(s.phones.Capabilities()),
		"modem", cfg.Modem,
		"wakelock", cfg.WakeLock,
		"txn_timeout", cfg.TxnTimeout,
	)
	return s, nil
}

func buildChannel(cfg Config, phones *phone.Set, clk clock.Clock, logger pslog.Logger) (modem.Channel, error) {
	switch cfg.Modem {
	case ModemHTTP:
		return httpmodem.New(httpmodem.Config{
			Endpoints: cfg.ModemEndpoints,
			Timeout:   cfg.ModemTimeout,
			Logger:    logger,
		})
	default:
		return sim.New(sim.Config{
			Phones:  phones.Len(),
			Initial: phones.Capabilities(),
			Latency: cfg.SimLatency,
			Faults:  cfg.simFaults,
			Clock:   clk,
			Logger:  logger,
		})
	}
}

// Handler returns the HTTP handler so the API can be mounted inside an
// existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Coordinator returns the capability coordinator.
func (s *Server) Coordinator() *capswitch.Coordinator {
	return s.coord
}

// Channel returns the modem channel in use.
func (s *Server) Channel() modem.Channel {
	return s.channel
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("rcswitch.server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown force-fails any active reassignment, ends outcome streams, drains
// HTTP and stops telemetry. The returned error is nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.logger.Info("rcswitch.server.shutdown.start")

	// Closing the hub ends SSE handlers so the HTTP drain below can finish.
	s.coord.Close()
	s.outcomes.Close()
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	socketPath := s.socketPath
	s.mu.Unlock()
	telemetryCtx := ctx
	if telemetryCtx.Err() != nil {
		var cancel context.CancelFunc
		telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.release(telemetryCtx); err != nil {
		errs = append(errs, err)
	}
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("rcswitch.server.shutdown.complete")
	return nil
}

// release stops the alias watcher, frees the wake lock and flushes telemetry.
func (s *Server) release(ctx context.Context) error {
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	var errs []error
	if s.wakelock != nil && s.wakelock.Held() {
		if err := s.wakelock.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release wake lock: %w", err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener address, if enabled.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.metricsAddr()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error Start's serve loop ended with, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background, waits until it is listening
// and returns it with a stop function that gracefully shuts it down. The
// server also stops when ctx ends.
// Example:
//
//	cfg := rcswitch.Config{ListenProto: "unix", Listen: "/tmp/rcswitch.sock"}
//	srv, stop, err := rcswitch.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyCtx, cancelReady := context.WithCancel(waitCtx)
	defer cancelReady()
	go func() {
		select {
		case err := <-errCh:
			// Start failed before signalling ready; hand the error back.
			errCh <- err
			cancelReady()
		case <-readyCtx.Done():
		}
	}()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if startErr := <-errCh; startErr != nil {
			return nil, nil, startErr
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
