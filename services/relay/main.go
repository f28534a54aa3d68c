// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/pkg/logging"
	"github.com/AleutianAI/AleutianRelay/services/relay/archive"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/connection"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/dispatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/heartbeat"
	"github.com/AleutianAI/AleutianRelay/services/relay/memwatch"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/relay/session"
	"github.com/AleutianAI/AleutianRelay/services/relay/storage/badger"
	"github.com/AleutianAI/AleutianRelay/services/relay/telemetry"
	"github.com/AleutianAI/AleutianRelay/services/relay/upstream"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	// Bootstrap logger until the configured one is up.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Configuration: YAML file + RELAY_* overrides ---
	// With RELAY_CONFIG set the file is watched and the tunable subset
	// hot-reloads; without it the relay runs on defaults + env.
	var (
		watcher *config.Watcher
		cfg     *config.Config
		err     error
	)
	if cfgPath := os.Getenv("RELAY_CONFIG"); cfgPath != "" {
		watcher, err = config.NewWatcher(cfgPath, slog.Default())
		if err != nil {
			log.Fatalf("FATAL: could not load config %s: %v", cfgPath, err)
		}
		cfg = watcher.Current()
	} else {
		cfg, err = config.Load("")
		if err != nil {
			log.Fatalf("FATAL: could not load config: %v", err)
		}
	}

	// --- Logging ---
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "relay",
		JSON:    cfg.Log.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())
	slog.Info("aleutian relay starting", "version", version, "backend", cfg.Upstream.Backend)

	// --- Telemetry ---
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	// A gateway should keep serving when the collector is down.
	tcfg.AllowDegraded = true
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		log.Fatalf("FATAL: could not initialize telemetry: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Error("telemetry shutdown failed", "error", err)
		}
	}()

	meter := otel.Meter("aleutian.relay")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		log.Fatalf("FATAL: could not create metrics: %v", err)
	}

	// --- Session storage ---
	db, err := badger.OpenDB(badger.Config{
		Path:     cfg.Session.Dir,
		InMemory: cfg.Session.InMemory,
		Logger:   slog.Default(),
	})
	if err != nil {
		log.Fatalf("FATAL: could not open session database: %v", err)
	}
	defer db.Close()

	sessions, err := session.NewStore(db, session.Config{
		TTL:              cfg.Session.TTL.Std(),
		ArchiveByDefault: cfg.Archive.Bucket != "",
	}, slog.Default())
	if err != nil {
		log.Fatalf("FATAL: could not open session store: %v", err)
	}

	// --- Transcript archival ---
	var archiver session.Archiver
	if cfg.Archive.Bucket != "" {
		gcs, err := archive.NewGCS(ctx, archive.GCSConfig{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			CredentialsFile: cfg.Archive.CredentialsFile,
		}, slog.Default())
		if err != nil {
			log.Fatalf("FATAL: could not initialize transcript archiver: %v", err)
		}
		defer gcs.Close()
		archiver = gcs
	} else {
		archiver = archive.NewNop(slog.Default())
	}

	// --- Connections, dispatch, upstream ---
	registry := connection.NewRegistry(connection.RegistryConfig{
		MaxConnections: cfg.Conns.MaxConnections,
		MaxPerUser:     cfg.Conns.MaxPerUser,
	}, slog.Default(), metrics)

	breakers := dispatch.NewBreakerRegistry(dispatch.BreakerConfig{
		FailureThreshold: cfg.Dispatch.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Dispatch.Breaker.SuccessThreshold,
		OpenTimeout:      cfg.Dispatch.Breaker.OpenTimeout.Std(),
	}, func(name string, from, to dispatch.CircuitState) {
		slog.Warn("circuit breaker state change",
			"breaker", name, "from", from.String(), "to", to.String())
		metrics.BreakerTransitionsTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("to", to.String()),
		))
	})

	// The watchdog needs the dispatcher's pending count and the
	// dispatcher alerts through the watchdog, so wire the hook through a
	// variable assigned below.
	var watchdog *memwatch.Watchdog
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		CallbackTimeout: cfg.Dispatch.CallbackTimeout.Std(),
	}, dispatch.Options{
		Logger:   slog.Default(),
		Metrics:  metrics,
		Breakers: breakers,
		AlertFunc: func(source, message string, values map[string]float64) {
			if watchdog != nil {
				watchdog.Raise(memwatch.LevelWarning, source, message, values)
			}
		},
	})

	agent, err := upstream.New(cfg.Upstream, breakers, slog.Default(), metrics)
	if err != nil {
		log.Fatalf("FATAL: could not initialize upstream backend: %v", err)
	}

	// --- Memory watchdog ---
	var sinks []memwatch.Sink
	if cfg.Memory.Influx.URL != "" {
		sinks = append(sinks, memwatch.NewInfluxSink(memwatch.InfluxConfig{
			URL:    cfg.Memory.Influx.URL,
			Token:  cfg.Memory.Influx.Token,
			Org:    cfg.Memory.Influx.Org,
			Bucket: cfg.Memory.Influx.Bucket,
		}, slog.Default()))
	}
	watchdog = memwatch.NewWatchdog(watchdogPolicy(cfg), memwatch.Sources{
		ConnectionCount: registry.Len,
		DispatchPending: dispatcher.Pending,
		SessionCount:    sessions.Count,
		CloseIdle:       registry.CloseIdle,
	}, slog.Default(), metrics, sinks...)

	sweeper := heartbeat.NewSweeper(registry, sweepPolicy(cfg), slog.Default(), metrics)

	cleaner := session.NewCleaner(sessions, archiver, session.CleanerConfig{
		Interval: cfg.Session.CleanupInterval.Std(),
		Batch:    cfg.Session.CleanupBatch,
	}, slog.Default(), metrics)

	// --- Observable gauges ---
	if _, err := metrics.RegisterConnectionCount(meter, func() int64 { return int64(registry.Len()) }); err != nil {
		slog.Warn("could not register connection gauge", "error", err)
	}
	if _, err := metrics.RegisterBreakerStates(meter, breakers.NumericStates); err != nil {
		slog.Warn("could not register breaker gauge", "error", err)
	}
	if _, err := metrics.RegisterMemoryGauges(meter, watchdog.LatestHeapAlloc, watchdog.LatestGoroutines); err != nil {
		slog.Warn("could not register memory gauges", "error", err)
	}
	if _, err := metrics.RegisterSessionCount(meter, sessions.Count); err != nil {
		slog.Warn("could not register session gauge", "error", err)
	}

	// --- Extensions ---
	opts := extensions.DefaultOptions()
	if cfg.Auth.Mode == "hmac" {
		secret := os.Getenv(cfg.Auth.SecretEnv)
		if secret == "" {
			log.Fatalf("FATAL: auth.mode is hmac but %s is not set", cfg.Auth.SecretEnv)
		}
		opts.AuthProvider = extensions.NewHMACAuthProvider([]byte(secret),
			extensions.WithIssuer(cfg.Auth.Issuer),
			extensions.WithLeeway(cfg.Auth.Leeway.Std()))
		slog.Info("hmac authentication enabled", "issuer", cfg.Auth.Issuer)
	}

	// --- Handlers and routes ---
	wsHandler := handlers.NewWSHandler(registry, sessions, agent, dispatcher, archiver,
		handlers.WSConfig{
			Conn:             connPolicy(cfg),
			MinClientVersion: cfg.Server.MinClientVersion,
			ArchiveByDefault: cfg.Archive.Bucket != "",
		}, slog.Default(), metrics, opts)

	adminHandler := handlers.NewAdminHandler(registry, sessions, breakers, dispatcher,
		watchdog, sweeper, cfg.Server.DrainGrace.Std(), slog.Default(), opts.AuditLogger)

	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(telemetry.MetricsMiddleware(metrics))
	routes.SetupRoutes(router, routes.Deps{
		WS:           wsHandler,
		Admin:        adminHandler,
		Registry:     registry,
		Sessions:     sessions,
		AuthProvider: opts.AuthProvider,
		StartedAt:    time.Now(),
	})

	// --- Background loops ---
	if err := sweeper.Start(ctx); err != nil {
		log.Fatalf("FATAL: could not start heartbeat sweeper: %v", err)
	}
	defer sweeper.Stop()
	if err := watchdog.Start(ctx); err != nil {
		log.Fatalf("FATAL: could not start memory watchdog: %v", err)
	}
	defer watchdog.Stop()
	if err := cleaner.Start(ctx); err != nil {
		log.Fatalf("FATAL: could not start session cleaner: %v", err)
	}
	defer cleaner.Stop()

	if watcher != nil {
		watcher.OnReload(func(next *config.Config) {
			sweeper.Reconfigure(sweepPolicy(next))
			watchdog.Reconfigure(watchdogPolicy(next))
			wsHandler.SetConnPolicy(connPolicy(next))
		})
		if err := watcher.Start(ctx); err != nil {
			slog.Warn("config watcher failed to start, hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// --- HTTP server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		slog.Info("relay listening", "addr", addr, "backend", agent.Name())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: server failed: %v", err)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutdown signal received, draining")

	// Refuse new connections, notify clients, wait out the grace
	// window, then close whatever is left.
	registry.SetDraining()
	sent, failed := registry.Broadcast(context.Background(),
		datatypes.NewDrainingFrame("server is draining, please reconnect later"))
	slog.Info("drain notice sent", "notified", sent, "notify_failed", failed)
	time.Sleep(cfg.Server.DrainGrace.Std())
	closed := registry.CloseAll(websocket.CloseGoingAway, "server draining")
	slog.Info("drain complete", "closed", closed)

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}

	upstream.PurgeSecureMemory()
	slog.Info("relay stopped")
}

// connPolicy maps file config onto the per-connection policy. The ping
// cadence and pong deadline come from the heartbeat section so the
// sweeper and the writer pump agree on what "alive" means.
func connPolicy(cfg *config.Config) connection.Config {
	return connection.Config{
		SendQueueSize:       cfg.Conns.SendQueueSize,
		SlowClientDropLimit: cfg.Conns.SlowClientDropLimit,
		WriteTimeout:        cfg.Conns.WriteTimeout.Std(),
		ReadLimitBytes:      cfg.Conns.ReadLimitBytes,
		PingInterval:        cfg.Heartbeat.Interval.Std(),
		PongTimeout:         cfg.Heartbeat.Timeout.Std(),
		RatePerSecond:       cfg.Conns.RatePerSecond,
		RateBurst:           cfg.Conns.RateBurst,
	}
}

func sweepPolicy(cfg *config.Config) heartbeat.Config {
	return heartbeat.Config{
		SweepInterval: cfg.Heartbeat.SweepInterval.Std(),
		Timeout:       cfg.Heartbeat.Timeout.Std(),
		MaxMissed:     cfg.Heartbeat.MaxMissed,
	}
}

// watchdogPolicy maps file config onto the watchdog. The connection
// watermark rides at 90% of the registry cap rather than having its own
// knob.
func watchdogPolicy(cfg *config.Config) memwatch.Config {
	return memwatch.Config{
		SampleInterval:     cfg.Memory.SampleInterval.Std(),
		HistorySize:        cfg.Memory.HistorySize,
		HeapWarnMB:         cfg.Memory.HeapWarnMB,
		HeapCriticalMB:     cfg.Memory.HeapCriticalMB,
		GoroutineWarn:      cfg.Memory.GoroutineWarn,
		ConnWarn:           cfg.Conns.MaxConnections * 9 / 10,
		GrowthThresholdPct: cfg.Memory.GrowthThresholdPct,
		GrowthWindow:       cfg.Memory.GrowthWindow,
		AlertCooldown:      cfg.Memory.AlertCooldown.Std(),
		IdleEvictAfter:     cfg.Memory.IdleEvictAfter.Std(),
	}
}
