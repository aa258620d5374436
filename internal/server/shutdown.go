// Package server coordinates the daemon's lifecycle: signals, request
// tracking and ordered shutdown of its components.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DrainFunc waits for a component to finish outstanding work.
type DrainFunc func(ctx context.Context) error

// ShutdownManager runs the shutdown sequence once: stop accepting requests,
// wait for in-flight requests, run drain hooks, then close registered
// components in reverse registration order.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          zerolog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
	inFlight     atomic.Int64
	closing      atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
	drains  []namedDrain
}

type namedCloser struct {
	name string
	c    io.Closer
}

type namedDrain struct {
	name string
	fn   DrainFunc
}

// ShutdownConfig holds the shutdown deadlines.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole sequence. Default 30s.
	ShutdownTimeout time.Duration
	// DrainTimeout bounds waiting for in-flight requests and drain hooks. Default 15s.
	DrainTimeout time.Duration
	Logger       *zerolog.Logger
}

func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &ShutdownManager{
		shutdownTimeout: cfg.ShutdownTimeout,
		drainTimeout:    cfg.DrainTimeout,
		logger:          logger,
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a component closed during shutdown, last registered first.
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, c: c})
}

// RegisterDrain adds a hook run before any closer, in registration order.
func (sm *ShutdownManager) RegisterDrain(name string, fn DrainFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.drains = append(sm.drains, namedDrain{name: name, fn: fn})
}

// ListenForSignals blocks until SIGINT/SIGTERM, ctx cancellation or another
// Shutdown call, and runs the shutdown sequence for the first two.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown runs the shutdown sequence. Later calls return the first result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.shutdownOnce.Do(func() {
		sm.closing.Store(true)
		close(sm.shutdownCh)
		sm.logger.Info().Str("reason", reason).Msg("shutting down")

		ctx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := sm.waitInFlight(ctx); err != nil {
			errs = append(errs, err)
		}

		sm.mu.Lock()
		drains := append([]namedDrain(nil), sm.drains...)
		closers := append([]namedCloser(nil), sm.closers...)
		sm.mu.Unlock()

		for _, d := range drains {
			dctx, dcancel := context.WithTimeout(ctx, sm.drainTimeout)
			if err := d.fn(dctx); err != nil {
				sm.logger.Warn().Err(err).Str("component", d.name).Msg("drain incomplete")
				errs = append(errs, fmt.Errorf("drain %s: %w", d.name, err))
			}
			dcancel()
		}

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].c.Close(); err != nil {
				sm.logger.Error().Err(err).Str("component", closers[i].name).Msg("close failed")
				errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
			}
		}
		sm.shutdownErr = errors.Join(errs...)
		sm.logger.Info().Msg("shutdown complete")
	})
	return sm.shutdownErr
}

func (sm *ShutdownManager) waitInFlight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if sm.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for %d in-flight requests", sm.inFlight.Load())
		case <-ticker.C:
		}
	}
}

// TrackRequest counts a request in. It returns false once shutdown started.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.closing.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.closing.Load()
}

func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// ServeHTTP runs srv on lis until it fails or shutdown closes it. The server
// is registered as a closer.
func (sm *ShutdownManager) ServeHTTP(srv *http.Server, lis net.Listener) error {
	sm.RegisterCloser("http", CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-sm.shutdownCh:
		return <-errCh
	}
}

// Middleware rejects requests with 503 once shutdown has begun and tracks
// the rest as in flight.
func (sm *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sm.TrackRequest() {
			w.Header().Set("Connection", "close")
			http.Error(w, "service unavailable: shutting down", http.StatusServiceUnavailable)
			return
		}
		defer sm.UntrackRequest()
		next.ServeHTTP(w, r)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error {
	return f()
}
