package asyncstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/broker"
	"pkt.systems/asyncstore/internal/clock"
	"pkt.systems/asyncstore/internal/loggingutil"
	"pkt.systems/asyncstore/internal/storage"
	loggingbackend "pkt.systems/asyncstore/internal/storage/logging"
	"pkt.systems/asyncstore/internal/storage/retry"
	"pkt.systems/asyncstore/internal/svcfields"
)

// ErrServerClosed is returned by health checks once Shutdown has begun.
var ErrServerClosed = errors.New("asyncstore: server closed")

// Server owns the storage backend, the broker running on it and the optional
// telemetry endpoints.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	backend   storage.Backend
	broker    *broker.Broker
	clock     clock.Clock
	telemetry *telemetryBundle
	recovered int

	mu       sync.Mutex
	shutdown bool
	done     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger        pslog.Logger
	Backend       storage.Backend
	Clock         clock.Clock
	BrokerOptions []broker.Option
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The server
// still wraps it and closes it on shutdown.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithBrokerOptions forwards options to the broker.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(o *options) {
		o.BrokerOptions = append(o.BrokerOptions, opts...)
	}
}

// NewServer opens the configured backend, recovers persisted queues and starts
// the broker.
//
//	cfg := asyncstore.Config{Store: "disk:///var/lib/asyncstore"}
//	srv, err := asyncstore.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//	q, _ := srv.Broker().DeclareQueue("orders", nil)
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	s := &Server{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "server"),
		clock:  serverClock,
		done:   make(chan struct{}),
	}

	ctx := context.Background()
	var err error
	s.telemetry, err = setupTelemetry(ctx, telemetryConfig{
		otlpEndpoint:   cfg.OTLPEndpoint,
		metricsListen:  cfg.MetricsListen,
		pprofListen:    cfg.PprofListen,
		runtimeMetrics: cfg.EnableProfilingMetrics,
		health:         s.health,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	backend := o.Backend
	if backend == nil {
		backend, err = OpenBackend(ctx, cfg, svcfields.WithSubsystem(logger, "storage"))
		if err != nil {
			s.shutdownTelemetry(ctx)
			return nil, err
		}
	}
	storageLogger := svcfields.WithSubsystem(logger, "storage")
	if !cfg.DisableStorageTracing {
		backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), "storage.backend")
	}
	if cfg.StorageRetryMaxAttempts > 1 {
		backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), serverClock, retry.Config{
			MaxAttempts: cfg.StorageRetryMaxAttempts,
			BaseDelay:   cfg.StorageRetryBaseDelay,
			MaxDelay:    cfg.StorageRetryMaxDelay,
			Multiplier:  cfg.StorageRetryMultiplier,
		})
	}
	s.backend = backend

	s.broker, err = broker.New(broker.Config{
		Backend:       backend,
		MaxBatch:      cfg.MaxBatch,
		FlushInterval: cfg.FlushInterval,
		Logger:        logger,
		Clock:         serverClock,
	}, o.BrokerOptions...)
	if err != nil {
		_ = backend.Close()
		s.shutdownTelemetry(ctx)
		return nil, err
	}

	if !cfg.DisableRecovery {
		recoverCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
		n, err := s.broker.Recover(recoverCtx)
		cancel()
		switch {
		case errors.Is(err, storage.ErrNotImplemented):
			s.logger.Warn("asyncstore.recovery.unsupported", "backend", storage.Describe(backend))
		case err != nil:
			closeCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			_ = s.broker.Close(closeCtx)
			cancel()
			s.shutdownTelemetry(ctx)
			return nil, fmt.Errorf("asyncstore: recover queues: %w", err)
		default:
			s.recovered = n
			s.logger.Info("asyncstore.recovered", "queues", n, "backend", storage.Describe(backend))
		}
	}
	s.logger.Info("asyncstore.ready",
		"store", storage.Describe(backend),
		"max_batch", cfg.MaxBatch,
		"flush_interval", cfg.FlushInterval,
		"metrics", s.telemetry.MetricsAddr(),
	)
	return s, nil
}

// Broker returns the broker serving durable queues.
func (s *Server) Broker() *broker.Broker {
	return s.broker
}

// Backend returns the wrapped storage backend.
func (s *Server) Backend() storage.Backend {
	return s.backend
}

// Recovered reports how many queues were restored at startup.
func (s *Server) Recovered() int {
	return s.recovered
}

// MetricsAddr returns the bound metrics listener address, or "".
func (s *Server) MetricsAddr() string {
	return s.telemetry.MetricsAddr()
}

// Done is closed once Shutdown has completed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrServerClosed
	}
	return nil
}

// Shutdown drains outstanding operations, closes the backend and stops
// telemetry. The returned error joins every failure.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	defer close(s.done)

	var errs []error
	if err := s.broker.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("asyncstore.shutdown.error", "error", err)
	} else {
		s.logger.Info("asyncstore.shutdown.complete")
	}
	return err
}

// Close shuts the server down within the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) shutdownTelemetry(ctx context.Context) {
	if s.telemetry == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.telemetry.Shutdown(shutdownCtx)
}

// StartServer builds a server and returns a stop function. Cancelling ctx
// also stops the server.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
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
			stopErr = srv.Shutdown(shutdownCtx)
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = stop(shutdownCtx)
			case <-srv.Done():
			}
		}()
	}
	return srv, stop, nil
}
