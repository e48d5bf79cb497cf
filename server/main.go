package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jsonrpcmux/protocol"
	"jsonrpcmux/server/auth"
	"jsonrpcmux/server/channels"
	"jsonrpcmux/server/config"
	"jsonrpcmux/server/dispatch"
	"jsonrpcmux/server/handlers"
	"jsonrpcmux/server/health"
	"jsonrpcmux/server/metrics"
	"jsonrpcmux/server/muxer"
	"jsonrpcmux/server/workerpool"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	healthFailureThreshold = 2
	healthSuccessThreshold = 1
)

type Server struct {
	serverID  string
	startTime time.Time
	muxer     *muxer.Muxer
	pool      *workerpool.Pool
	registry  *channels.Registry
	logger    zerolog.Logger
}

// Implement metrics.ServerInfo interface
func (cs *Server) ServerID() string {
	return cs.serverID
}

func (cs *Server) StartTime() time.Time {
	return cs.startTime
}

func (cs *Server) ActiveBatches() int {
	return cs.muxer.Snapshot().ActiveBatches
}

func (cs *Server) WebSocketAttached() bool {
	return cs.muxer.Snapshot().WebSocketAttached
}

func (cs *Server) DispatcherAvailable() bool {
	return cs.muxer.Snapshot().DispatcherAvailable
}

func (cs *Server) QueuedJobs() int {
	return cs.pool.Stats().Queued
}

func (cs *Server) ChannelCounts() (int, int) {
	return cs.registry.Counts()
}

// logStatsLoop periodically logs server statistics
func (cs *Server) logStatsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := cs.muxer.Snapshot()
		stats := cs.pool.Stats()
		sockets, callbacks := cs.registry.Counts()
		cs.logger.Info().
			Int("activeBatches", snap.ActiveBatches).
			Bool("websocketAttached", snap.WebSocketAttached).
			Bool("dispatcherAvailable", snap.DispatcherAvailable).
			Int("queuedJobs", stats.Queued).
			Int("runningJobs", stats.Running).
			Uint64("executedJobs", stats.Executed).
			Int("websocketChannels", sockets).
			Int("callbackChannels", callbacks).
			Msg("Server stats")
	}
}

func main() {
	// Load configuration (parses flags and env vars)
	cfg := config.Load()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	baseLogger := protocol.InitLogger(cfg.LogLevel, cfg.LogFormat)
	logger := baseLogger.With().Str("serverID", cfg.ServerID).Logger()
	logger.Info().Fields(cfg.LogFields()).Msg("Configuration loaded")

	settings, err := cfg.LoadMuxerSettings()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load muxer configuration")
	}

	// Token authentication is optional; without keys every caller is accepted
	var tokenValidator handlers.TokenValidator
	var authorizer dispatch.Authorizer
	if cfg.AuthEnabled() {
		publicKeys, err := cfg.LoadTokenPublicKeys()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load token public key(s)")
		}
		jwtValidator := auth.NewJWTValidator(publicKeys, cfg.TokenIssuer)
		tokenValidator = jwtValidator
		authorizer = jwtValidator
		logger.Info().Str("issuer", cfg.TokenIssuer).Int("keyCount", len(publicKeys)).Msg("Token authentication enabled")
	} else {
		logger.Warn().Msg("Token authentication disabled: no public key configured")
	}

	m := metrics.New(cfg.ServerID)

	var dispatcher *dispatch.Dispatcher
	if cfg.DispatcherURL != "" {
		dispatcher = dispatch.NewRemote(cfg.DispatcherURL, authorizer, logger)
	} else {
		dispatcher = dispatch.NewLocal(dispatch.Builtins(), authorizer, logger)
	}

	// With a health probe configured the dispatcher starts unavailable and
	// the first passing check opens it.
	checker := newHealthChecker(cfg, dispatcher, logger)
	guard := dispatch.NewGuard(dispatcher, checker == nil, logger)
	if checker != nil {
		go checker.Follow(guard.SetAvailable)
		checker.Start()
	}

	pool := workerpool.New(settings.Workers, logger)
	registry := channels.NewRegistry(m, logger)

	mx, err := muxer.New(settings.Muxer, pool, guard, registry, logger, muxer.WithTracker(m))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create muxer")
	}

	cs := &Server{
		serverID:  cfg.ServerID,
		startTime: time.Now(),
		muxer:     mx,
		pool:      pool,
		registry:  registry,
		logger:    logger,
	}

	httpHandler := handlers.NewHTTPHandler(mx, registry, tokenValidator, cfg.IdleTimeout, cfg.MaxRequestBytes, logger, m)
	wsHandler := handlers.NewWebSocketHandler(mx, registry, tokenValidator, handlers.DefaultPingInterval, cfg.MaxRequestBytes, logger, m)

	mux := http.NewServeMux()
	mux.Handle("/jsonrpc", httpHandler)
	mux.Handle("/jsonrpc/ws", wsHandler)

	// Add health endpoint to main mux if no separate port configured
	if cfg.HealthPort == "" {
		mux.HandleFunc("/health", metrics.HealthHandler(cs))
	}

	// Add metrics endpoint to main mux if no separate port configured
	if cfg.MetricsPort == "" {
		mux.Handle("/metrics", m.Handler())
	}

	// Return 404 for unknown paths (don't leak API structure)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	servers := []*http.Server{{Addr: ":" + cfg.HTTPPort, Handler: mux}}
	if cfg.HealthPort != "" {
		healthMux := http.NewServeMux()
		healthMux.HandleFunc("/health", metrics.HealthHandler(cs))
		servers = append(servers, &http.Server{Addr: ":" + cfg.HealthPort, Handler: healthMux})
	}
	if cfg.MetricsPort != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", m.Handler())
		servers = append(servers, &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		metrics.UpdateLoop(gctx, m, cs, 500*time.Millisecond)
		return nil
	})
	g.Go(func() error {
		cs.logStatsLoop(gctx, 5*time.Second)
		return nil
	})
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("Server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listener %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Initiating graceful shutdown")
		cs.shutdown(servers, cfg.ShutdownTimeout)

		mx.Close()
		closed := registry.CloseAll()
		dropped := pool.Stop()
		if err := guard.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release dispatcher")
		}
		if checker != nil {
			checker.Stop()
		}
		logger.Info().Int("closedChannels", closed).Int("droppedJobs", dropped).Msg("Graceful shutdown complete")
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		os.Exit(1)
	}
}

// shutdown stops the listeners and waits for HTTP handlers. When the
// timeout passes first, in-flight batches are aborted so that waiting
// handlers receive their error answer and return.
func (cs *Server) shutdown(servers []*http.Server, timeout time.Duration) {
	shutdownDone := make(chan struct{})
	go func() {
		for _, srv := range servers {
			if err := srv.Shutdown(context.Background()); err != nil {
				cs.logger.Error().Err(err).Str("addr", srv.Addr).Msg("HTTP server shutdown error")
			}
		}
		close(shutdownDone)
	}()

	cs.logger.Info().Msg("Waiting for in-flight requests to complete...")
	select {
	case <-shutdownDone:
		cs.logger.Info().Msg("All HTTP handlers completed")
	case <-time.After(timeout):
		cs.logger.Warn().Msg("Shutdown timeout - aborting in-flight batches to unblock handlers")
		cs.muxer.Close()
		<-shutdownDone
		cs.logger.Info().Msg("All HTTP handlers completed after abort")
	}
}

// newHealthChecker builds the dispatcher health checker, or returns nil
// when no probe is configured.
func newHealthChecker(cfg *config.Config, dispatcher *dispatch.Dispatcher, logger zerolog.Logger) *health.Checker {
	var probe health.Probe
	switch {
	case cfg.HealthCheckURL != "":
		matcher, err := health.ParseStatusCodes(cfg.HealthCheckCodes)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid health check status codes")
		}
		probe = health.HTTPProbe(&http.Client{Timeout: cfg.HealthCheckTimeout}, cfg.HealthCheckURL, matcher)
		logger.Info().Str("url", cfg.HealthCheckURL).Str("codes", cfg.HealthCheckCodes).Msg("Dispatcher HTTP health check configured")
	case cfg.HealthCheckMethod != "":
		probe = health.RPCProbe(dispatcher, cfg.HealthCheckMethod)
		logger.Info().Str("method", cfg.HealthCheckMethod).Msg("Dispatcher RPC health check configured")
	default:
		return nil
	}

	return health.NewChecker(health.Config{
		Interval:         cfg.HealthCheckInterval,
		Timeout:          cfg.HealthCheckTimeout,
		FailureThreshold: healthFailureThreshold,
		SuccessThreshold: healthSuccessThreshold,
		Probe:            probe,
	}, logger)
}
