// Package main provides the entry point for the PatternForge server.
// It runs the threat pattern engine behind an HTTP API and a Splunk HEC
// receiver, and fans raised alerts out to the configured sinks.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/patternforge/internal/api"
	"github.com/lvonguyen/patternforge/internal/api/gateway"
	"github.com/lvonguyen/patternforge/internal/config"
	"github.com/lvonguyen/patternforge/internal/detection"
	splunk "github.com/lvonguyen/patternforge/internal/ingestion"
	"github.com/lvonguyen/patternforge/internal/mitre"
	"github.com/lvonguyen/patternforge/internal/observability"
	"github.com/lvonguyen/patternforge/internal/sink"
	"github.com/lvonguyen/patternforge/internal/telemetry/correlation"
	"github.com/lvonguyen/patternforge/internal/telemetry/normalization"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("PatternForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "patternforge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev" {
		cfg.Telemetry.ServiceVersion = Version
	}

	tel, err := observability.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger := tel.Logger()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Starting PatternForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
		zap.Strings("sinks", cfg.EnabledSinks()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := tel.Metrics()
	tel.StartSystemMetricsCollector(ctx, 15*time.Second)

	// Redis backs rate limiting and the alert stream sink
	var redisClient redis.UniversalClient
	readyChecks := map[string]api.Pinger{}
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()
		readyChecks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	attack := mitre.NewAttackFramework(logger)

	engineOpts := []detection.Option{
		detection.WithLogger(logger.Named("detection")),
		detection.WithTechniqueMapper(attack),
	}
	if metrics != nil {
		engineOpts = append(engineOpts, detection.WithMetrics(metrics))
	}
	engine, err := detection.NewEngine(cfg.Detection, engineOpts...)
	if err != nil {
		return fmt.Errorf("init detection engine: %w", err)
	}
	defer engine.Close()
	logger.Info("Detection engine started", zap.Int("patterns", len(engine.ListPatterns())))

	normalizer := normalization.NewNormalizer(cfg.Normalization, nil)

	fanout, hub := buildSinks(cfg, redisClient, logger)
	defer fanout.Close()

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled && redisClient != nil {
		limiter = gateway.NewRateLimiter(redisClient, cfg.RateLimit, logger.Named("ratelimit"))
	}

	var receiver *splunk.HECReceiver
	if cfg.Splunk.Receiver.Enabled {
		handler := splunk.NewEngineHandler(engine, normalizer, fanout, logger.Named("hec"))
		receiver = splunk.NewHECReceiver(cfg.Splunk.Receiver, handler,
			splunk.WithReceiverLogger(logger.Named("hec")))
	}

	var metricsHandler http.Handler
	if metrics != nil {
		metricsHandler = tel.MetricsHandler()
	}

	srv := api.NewServer(api.Deps{
		Engine:         engine,
		Normalizer:     normalizer,
		Attack:         attack,
		Correlator:     correlation.NewCorrelator(cfg.Correlation),
		Publisher:      fanout,
		Hub:            hub,
		HEC:            receiver,
		Limiter:        limiter,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
		Tracer:         tel.Tracer(),
		Logger:         logger.Named("api"),
		Version:        Version,
		ReadyChecks:    readyChecks,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	// The HEC endpoints are always on the API router; a distinct receiver
	// port gets its own listener as well.
	if receiver != nil && cfg.Splunk.Receiver.Port > 0 && cfg.Splunk.Receiver.Port != cfg.Server.Port {
		go func() {
			if err := receiver.Start(ctx); err != nil {
				errCh <- fmt.Errorf("hec receiver: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Listener failed, shutting down", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if hub != nil {
		// Hijacked websocket connections are not closed by Shutdown.
		_ = hub.Close()
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown failed", zap.Error(err))
	}

	if stats, err := engine.Stats(shutdownCtx); err == nil {
		logger.Info("Server stopped",
			zap.Int64("events", stats.TotalEvents),
			zap.Int64("threats", stats.ThreatsDetected),
		)
	}
	return nil
}

// buildSinks assembles the alert fan-out. A sink that cannot be set up is
// logged and skipped; the engine still serves alerts over the API.
func buildSinks(cfg *config.Config, redisClient redis.UniversalClient, logger *zap.Logger) (*sink.Fanout, *sink.Hub) {
	fanout := sink.NewFanout(logger.Named("sink"))

	if cfg.Sinks.Redis.Enabled && redisClient != nil {
		fanout.Add("redis", sink.NewRedisStreamPublisher(redisClient, cfg.Sinks.Redis, logger.Named("sink.redis")))
	}

	if cfg.Sinks.NATS.Enabled {
		pub, err := sink.ConnectNATS(cfg.Sinks.NATS, logger.Named("sink.nats"))
		if err != nil {
			logger.Warn("NATS sink disabled", zap.Error(err))
		} else {
			fanout.Add("nats", pub)
		}
	}

	var hub *sink.Hub
	if cfg.Sinks.WebSocket.Enabled {
		hub = sink.NewHub(logger.Named("sink.websocket"), originChecker(cfg.Sinks.WebSocket.AllowedOrigins))
		fanout.Add("websocket", hub)
	}

	if cfg.Splunk.Sender.Enabled {
		sender, err := splunk.NewHECSender(cfg.Splunk.Sender)
		if err != nil {
			logger.Warn("Splunk HEC sender disabled", zap.Error(err))
		} else {
			fanout.Add("splunk", sender)
		}
	}

	return fanout, hub
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}
