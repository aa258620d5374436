// Package app wires the spool daemon together: backend, record store,
// upload engine, metrics and the HTTP and gRPC control surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	grpcapi "github.com/arkilian/spool/internal/api/grpc"
	httpapi "github.com/arkilian/spool/internal/api/http"
	"github.com/arkilian/spool/internal/config"
	"github.com/arkilian/spool/internal/logging"
	"github.com/arkilian/spool/internal/observability"
	"github.com/arkilian/spool/internal/recordstore"
	"github.com/arkilian/spool/internal/remote"
	"github.com/arkilian/spool/internal/server"
	"github.com/arkilian/spool/internal/uploader"
)

// statsPruneInterval is how often idle folder statistics are dropped.
const statsPruneInterval = 5 * time.Minute

// App owns every long-lived component of the daemon.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	client   remote.Client
	store    *recordstore.Store
	engine   *uploader.Engine
	stats    *observability.UploadStats
	registry *prometheus.Registry
	shutdown *server.ShutdownManager

	httpLis    net.Listener
	grpcServer *grpc.Server
	grpcLis    net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures an App.
type Option func(*App)

// WithLogger replaces the logger built from cfg.Log.
func WithLogger(l zerolog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithRemote supplies the backend instead of building one from cfg.Storage.
func WithRemote(c remote.Client) Option {
	return func(a *App) { a.client = c }
}

// New validates cfg and prepares its directories.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{cfg: cfg, logger: logging.New(cfg.Log, os.Stderr)}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Start builds the components, starts the engine (recovering persisted
// uploads) and begins serving.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{
		DrainTimeout: a.cfg.Upload.DrainTimeout,
		Logger:       &a.logger,
	})

	if err := a.initEngine(ctx); err != nil {
		a.abort()
		return err
	}
	if err := a.startHTTP(); err != nil {
		a.abort()
		return err
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.abort()
			return err
		}
	}

	a.wg.Add(1)
	go a.pruneStats(ctx)

	a.logger.Info().
		Str("storage", a.cfg.Storage.Type).
		Str("upload_dir", a.store.Dir()).
		Str("http", a.HTTPAddr()).
		Str("grpc", a.GRPCAddr()).
		Msg("spool started")
	return nil
}

func (a *App) initEngine(ctx context.Context) error {
	if a.client == nil {
		client, err := a.newRemote(ctx)
		if err != nil {
			return fmt.Errorf("failed to open %s backend: %w", a.cfg.Storage.Type, err)
		}
		a.client = client
	}
	if c, ok := a.client.(io.Closer); ok {
		a.shutdown.RegisterCloser("remote", c)
	}

	store, err := recordstore.Open(a.cfg.UploadDir(), recordstore.WithLogger(logging.Component(a.logger, "recordstore")))
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	a.store = store

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := observability.NewPrometheusSink("spool", a.registry)
	if err != nil {
		return err
	}
	a.stats = observability.NewUploadStats(time.Hour)

	up := a.cfg.Upload
	a.engine = uploader.New(a.client, a.store,
		uploader.WithConcurrency(up.Concurrency),
		uploader.WithRetryPolicy(uploader.RetryPolicy{
			Delay:       up.RetryDelay,
			Multiplier:  up.RetryMultiplier,
			MaxDelay:    up.RetryMaxDelay,
			MaxAttempts: up.MaxAttempts,
		}),
		uploader.WithLogger(logging.Component(a.logger, "uploader")),
		uploader.WithSinks(metrics, a.stats),
	)
	a.shutdown.RegisterCloser("engine", a.engine)
	if up.DrainOnShutdown {
		a.shutdown.RegisterDrain("engine", a.engine.WaitForDrain)
	}

	// The engine outlives the Start context; only Stop ends it.
	return a.engine.Start(context.WithoutCancel(ctx))
}

func (a *App) newRemote(ctx context.Context) (remote.Client, error) {
	st := a.cfg.Storage
	switch st.Type {
	case "s3":
		s3cfg := remote.DefaultS3Config()
		if st.S3.Region != "" {
			s3cfg.Region = st.S3.Region
		}
		s3cfg.Endpoint = st.S3.Endpoint
		s3cfg.UsePathStyle = st.S3.Endpoint != ""
		s3cfg.Prefix = st.S3.Prefix
		if st.S3.PartSizeMB > 0 {
			s3cfg.PartSize = int64(st.S3.PartSizeMB) << 20
		}
		return remote.NewS3Client(ctx, st.S3.Bucket, s3cfg)
	default:
		return remote.NewLocalClient(st.Path, remote.WithCompression(st.Compress))
	}
}

func (a *App) startHTTP() error {
	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.httpLis = lis

	logger := logging.Component(a.logger, "http")
	handler := httpapi.NewUploadsHandler(a.engine, a.stats, logger)
	srv := &http.Server{
		Handler:      a.shutdown.Middleware(httpapi.NewRouter(handler, observability.Handler(a.registry))),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.shutdown.ServeHTTP(srv, lis); err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
	}
	a.grpcLis = lis

	logger := logging.Component(a.logger, "grpc")
	a.grpcServer = grpcapi.NewServer(a.engine, logger)
	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error().Err(err).Msg("grpc server failed")
		}
	}()
	return nil
}

func (a *App) pruneStats(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(statsPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.stats.Prune()
		}
	}
}

// abort releases whatever a failed Start managed to build.
func (a *App) abort() {
	_ = a.shutdown.Shutdown(context.Background(), "start failed")
	if a.httpLis != nil {
		a.httpLis.Close()
	}
	a.cancel()
	a.wg.Wait()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// Stop runs the shutdown sequence: reject new requests, optionally drain
// uploads, then close servers, engine and backend.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.cancel()
	a.wg.Wait()
	a.logger.Info().Msg("spool stopped")
	return err
}

// WaitForShutdown blocks until a signal arrives or ctx ends, then shuts down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.ListenForSignals(ctx)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
	return err
}

func (a *App) Engine() *uploader.Engine { return a.engine }

func (a *App) Remote() remote.Client { return a.client }

func (a *App) Store() *recordstore.Store { return a.store }

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (a *App) HTTPAddr() string {
	if a.httpLis == nil {
		return ""
	}
	return a.httpLis.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when disabled.
func (a *App) GRPCAddr() string {
	if a.grpcLis == nil {
		return ""
	}
	return a.grpcLis.Addr().String()
}
