// Package main implements the seatstreamd entry point. Seatstreamd is the
// real-time control plane for the seating admin system: it terminates
// WebSocket connections, rate-limits clients, routes storage change events
// to topic subscribers, and batches outbound pushes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/seatstream/config"
	"github.com/c360/seatstream/connpool"
	"github.com/c360/seatstream/dispatch"
	"github.com/c360/seatstream/govern"
	"github.com/c360/seatstream/health"
	"github.com/c360/seatstream/metric"
	"github.com/c360/seatstream/natsclient"
	"github.com/c360/seatstream/pkg/retry"
	"github.com/c360/seatstream/router"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "seatstreamd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("seatstreamd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		printVersion()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid")
		return nil
	}

	ctx := context.Background()
	registry := metric.NewMetricsRegistry()

	if cfg.Metrics.Enabled {
		metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
		logger.Info("metrics server listening", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	// NATS is optional infrastructure. Without it the governor and
	// dispatcher run on in-memory state and the router receives no change
	// events, but clients can still connect and subscribe.
	natsClient, rateStore, dedupKV := connectNATS(ctx, cfg, logger, registry)
	if natsClient != nil {
		defer natsClient.Close()
	}

	governor := buildGovernor(cfg.Governor, logger, registry, rateStore)
	if err := governor.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = governor.Stop() }()

	poolOpts := []connpool.Option{
		connpool.WithLogger(logger),
		connpool.WithMetricsRegistry(registry),
		connpool.WithAdmitter(governor),
	}
	if secret := os.Getenv("SEATSTREAM_AUTH_SECRET"); secret != "" {
		poolOpts = append(poolOpts, connpool.WithVerifier(newHMACVerifier(secret)))
	} else {
		logger.Warn("SEATSTREAM_AUTH_SECRET not set; all auth attempts will be rejected")
	}
	pool := connpool.NewPool(poolConfig(cfg.Pool), poolOpts...)

	dispatcherOpts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMetricsRegistry(registry),
		dispatch.WithDeadLetterHandler(func(ev dispatch.DeadEvent) {
			logger.Warn("message dead-lettered",
				"message_id", ev.MessageID, "type", ev.Type, "retries", ev.RetryCount)
		}),
	}
	if dedupKV != nil {
		dispatcherOpts = append(dispatcherOpts, dispatch.WithDedupStore(dedupKV))
	}
	if len(cfg.Dispatcher.Groups) > 0 {
		dispatcherOpts = append(dispatcherOpts,
			dispatch.WithGroupResolver(dispatch.StaticGroups(cfg.Dispatcher.Groups)))
	}
	dispatcher := dispatch.NewDispatcher(dispatcherConfig(cfg.Dispatcher), pool, dispatcherOpts...)

	routerOpts := []router.Option{
		router.WithLogger(logger),
		router.WithMetricsRegistry(registry),
	}
	if natsClient != nil {
		routerOpts = append(routerOpts, router.WithChangeIntake(natsClient, cfg.NATS.ChangeSubjects))
	}
	rtr := router.NewRouter(routerConfig(cfg.Router), dispatcher, routerOpts...)
	pool.SetSubscriptionHandler(rtr)

	if err := pool.Start(ctx); err != nil {
		return err
	}
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := rtr.Start(ctx); err != nil {
		return err
	}

	monitor := health.NewMonitor()
	monitor.Register("governor", governor)
	monitor.Register("pool", pool)
	monitor.Register("dispatcher", dispatcher)
	monitor.Register("router", rtr)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, pool)
	mux.HandleFunc("/healthz", healthHandler(monitor))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("seatstreamd listening",
			"port", cfg.Server.Port, "path", cfg.Server.Path, "version", Version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}

	_ = rtr.Stop()
	if err := dispatcher.Stop(cliCfg.ShutdownTimeout); err != nil {
		logger.Warn("dispatcher shutdown", "error", err)
	}
	if err := pool.Stop(cliCfg.ShutdownTimeout); err != nil {
		logger.Warn("pool shutdown", "error", err)
	}

	logger.Info("seatstreamd stopped")
	return nil
}

// connectNATS dials NATS and provisions the KV buckets. Failures are logged
// and leave the control plane on in-memory state.
func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	registry *metric.MetricsRegistry) (*natsclient.Client, govern.Store, *natsclient.KVStore) {

	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithLogger(logger),
		natsclient.WithClientName(cfg.NATS.ClientName),
		natsclient.WithMetrics(registry.CoreMetrics()),
	)
	if err != nil {
		logger.Warn("nats client setup failed, running on in-memory state", "error", err)
		return nil, nil, nil
	}
	// Retry the initial dial briefly before degrading; reconnects after
	// that are handled by the client itself.
	dial := retry.Config{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	if err := retry.Do(ctx, dial, func() error { return client.Connect(ctx) }); err != nil {
		logger.Warn("nats unavailable, running on in-memory state",
			"url", cfg.NATS.URL, "error", err)
		return nil, nil, nil
	}

	var rateStore govern.Store
	rateBucket, err := client.KeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.NATS.RateBucket,
		TTL:    longestRuleWindow(cfg.Governor),
	})
	if err != nil {
		logger.Warn("rate bucket unavailable, governor runs mirror-only", "error", err)
	} else {
		rateStore = govern.NewKVWindowStore(client.NewKVStore(rateBucket))
	}

	var dedupKV *natsclient.KVStore
	dedupBucket, err := client.KeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.NATS.DedupBucket,
		TTL:    cfg.Dispatcher.DedupWindow.Std(),
	})
	if err != nil {
		logger.Warn("dedup bucket unavailable, dedup window is per-instance", "error", err)
	} else {
		dedupKV = client.NewKVStore(dedupBucket)
	}

	return client, rateStore, dedupKV
}

func buildGovernor(cfg config.GovernorConfig, logger *slog.Logger,
	registry *metric.MetricsRegistry, store govern.Store) *govern.Governor {

	rules := make([]govern.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		rules = append(rules, govern.Rule{
			Name:        rc.Name,
			Pattern:     rc.Pattern,
			Window:      rc.Window.Std(),
			MaxRequests: rc.MaxRequests,
			Priority:    rc.Priority,
		})
	}

	opts := []govern.Option{
		govern.WithLogger(logger),
		govern.WithMetricsRegistry(registry),
		govern.WithWhitelist(cfg.Whitelist),
		govern.WithBlacklist(cfg.Blacklist),
		govern.WithViolationPolicy(cfg.ViolationThreshold,
			cfg.ViolationWindow.Std(), cfg.BlacklistDuration.Std()),
		govern.WithMirrorSize(cfg.MirrorSize),
	}
	if store != nil {
		opts = append(opts, govern.WithStore(store))
	}
	return govern.NewGovernor(rules, opts...)
}

// longestRuleWindow sizes the rate bucket TTL so entries outlive every rule.
func longestRuleWindow(cfg config.GovernorConfig) time.Duration {
	longest := time.Minute
	for _, rule := range cfg.Rules {
		if rule.Window.Std() > longest {
			longest = rule.Window.Std()
		}
	}
	return 2 * longest
}

func healthHandler(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := monitor.AggregateHealth(appName)

		w.Header().Set("Content-Type", "application/json")
		if !status.IsHealthy() && !status.IsDegraded() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}

func poolConfig(cfg config.PoolConfig) connpool.Config {
	return connpool.Config{
		MaxConnections:    cfg.MaxConnections,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout.Std(),
		WriteTimeout:      cfg.WriteTimeout.Std(),
		SingleSession:     cfg.SingleSession,
	}
}

func routerConfig(cfg config.RouterConfig) router.Config {
	return router.Config{
		MaxSubscriptionsPerUser: cfg.MaxSubscriptionsPerUser,
		SubscriptionTTL:         cfg.SubscriptionTTL.Std(),
		SweepInterval:           cfg.SweepInterval.Std(),
		TableTopics:             cfg.TableTopics,
	}
}

func dispatcherConfig(cfg config.DispatcherConfig) dispatch.Config {
	return dispatch.Config{
		MaxBatchSize:  cfg.MaxBatchSize,
		MaxQueueDepth: cfg.MaxQueueDepth,
		FlushTimeout:  cfg.FlushTimeout.Std(),
		DedupWindow:   cfg.DedupWindow.Std(),
		MaxRetries:    cfg.MaxRetries,
		RetryBaseWait: cfg.RetryBaseWait.Std(),
		Workers:       cfg.Workers,
	}
}
