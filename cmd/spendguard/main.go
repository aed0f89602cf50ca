/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/altairalabs/spendguard/internal/config"
	"github.com/altairalabs/spendguard/internal/httpapi"
	"github.com/altairalabs/spendguard/pkg/breaker"
	"github.com/altairalabs/spendguard/pkg/governor"
	"github.com/altairalabs/spendguard/pkg/ledger"
	"github.com/altairalabs/spendguard/pkg/logging"
	"github.com/altairalabs/spendguard/pkg/metrics"
	"github.com/altairalabs/spendguard/pkg/mirror"
	"github.com/altairalabs/spendguard/pkg/pricing"
	"github.com/altairalabs/spendguard/pkg/tracing"
)

// flags groups all CLI flags for the spendguard binary.
type flags struct {
	apiAddr     string
	healthAddr  string
	metricsAddr string
	configFile  string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.apiAddr, "api-addr", ":8080", "API server listen address")
	flag.StringVar(&f.healthAddr, "health-addr", ":8081", "Health probe listen address")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Metrics server listen address")
	flag.StringVar(&f.configFile, "config", "", "Path to a YAML config file")
	flag.Parse()

	f.applyEnvFallbacks()
	return f
}

// applyEnvFallbacks applies environment variable overrides to flag defaults.
func (f *flags) applyEnvFallbacks() {
	envFallback(&f.apiAddr, ":8080", "SPENDGUARD_API_ADDR")
	envFallback(&f.healthAddr, ":8081", "SPENDGUARD_HEALTH_ADDR")
	envFallback(&f.metricsAddr, ":9090", "SPENDGUARD_METRICS_ADDR")
	envFallback(&f.configFile, "", "SPENDGUARD_CONFIG_FILE")
}

// envFallback sets *dst from the environment variable envKey when *dst still
// equals the default value and the environment variable is non-empty.
func envFallback(dst *string, defaultVal, envKey string) {
	if *dst == defaultVal {
		if v := os.Getenv(envKey); v != "" {
			*dst = v
		}
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	// --- Logger ---
	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	// --- Config ---
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// --- Tracing ---
	tracer, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:    cfg.TracingEnabled,
		Endpoint:   cfg.TracingEndpoint,
		SampleRate: cfg.TracingSampleRate,
		Insecure:   cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("creating tracing provider: %w", err)
	}
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		if err := tracer.Shutdown(shutCtx); err != nil {
			log.Error(err, "tracing shutdown error")
		}
	}()

	// --- Pricing ---
	table, err := buildPricingTable(cfg, log)
	if err != nil {
		return err
	}
	log.V(1).Info("pricing table ready", "models", len(table.Models()))

	// --- Ledger, breaker, mirror ---
	led := ledger.New(ledger.Policy{
		MaxSessionCost:     cfg.MaxSessionCostUSD,
		MaxSessionDuration: cfg.MaxSessionDuration,
	}, table)
	brk := breaker.New(cfg.BreakerCooldown)

	mir, rdb := initMirror(cfg, log)
	defer func() { _ = mir.Close() }()

	// --- Metrics ---
	spendMetrics := metrics.NewSpendMetrics(metrics.SpendMetricsConfig{})
	spendMetrics.Initialize(table.Models())

	// --- Governor ---
	gov := governor.New(led, brk, mir, governor.Config{
		Enabled:          cfg.Enabled,
		BreakerThreshold: cfg.BreakerThresholdUSD,
		Metrics:          spendMetrics,
		Events:           initEventPublisher(cfg, rdb, log),
	}, log)

	// --- Servers ---
	healthSrv := newHealthServer(f.healthAddr, rdb)
	metricsSrv := newMetricsServer(f.metricsAddr)
	apiSrv := &http.Server{Addr: f.apiAddr, Handler: buildAPIMux(gov, tracer, cfg, log)}

	startHTTPServer(log, "health", f.healthAddr, healthSrv)
	startHTTPServer(log, "metrics", f.metricsAddr, metricsSrv)
	startHTTPServer(log, "spend API", f.apiAddr, apiSrv)

	// --- Janitor ---
	if cfg.JanitorInterval > 0 {
		startJanitor(ctx, gov, tracer, cfg.JanitorInterval, cfg.JanitorGrace, log)
	}

	log.Info("spendguard ready",
		"api", f.apiAddr,
		"health", f.healthAddr,
		"metrics", f.metricsAddr,
		"enforcement", cfg.Enabled,
		"mirror", rdb != nil,
		"tracing", cfg.TracingEnabled,
	)

	// --- Wait for shutdown ---
	<-ctx.Done()
	log.Info("shutting down")

	shutdownServers(log, apiSrv, healthSrv, metricsSrv)
	return nil
}

// buildPricingTable loads rates from the configured file, or the built-in
// defaults, then applies per-model overrides from the config.
func buildPricingTable(cfg *config.Config, log logr.Logger) (*pricing.Table, error) {
	var table *pricing.Table
	var err error
	if cfg.PricingFile != "" {
		table, err = pricing.LoadFile(cfg.PricingFile, log)
		if err != nil {
			return nil, fmt.Errorf("loading pricing file: %w", err)
		}
	} else {
		table = pricing.NewDefaultTable(log)
	}

	if len(cfg.ModelRates) > 0 {
		table, err = table.Merge(cfg.ModelRates)
		if err != nil {
			return nil, fmt.Errorf("applying model rate overrides: %w", err)
		}
	}
	return table, nil
}

// initMirror connects the Redis spend mirror when configured. Connection
// failures degrade to the no-op mirror so enforcement keeps working with
// local state only. The returned client is nil when Redis is not in use.
func initMirror(cfg *config.Config, log logr.Logger) (mirror.Mirror, *goredis.Client) {
	if cfg.RedisURL == "" {
		log.V(1).Info("spend mirror disabled", "reason", "no redis url")
		return mirror.Noop{}, nil
	}

	rm, err := mirror.NewRedisMirror(mirror.RedisConfig{
		URL:                cfg.RedisURL,
		MaxSessionDuration: cfg.MaxSessionDuration,
	})
	if err != nil {
		log.Error(err, "redis mirror unavailable, continuing with local state only")
		return mirror.Noop{}, nil
	}

	log.V(1).Info("spend mirror initialized")
	return mirror.NewGuarded(rm), rm.Client()
}

// initEventPublisher creates a lifecycle event publisher on the mirror's
// Redis client. Returns nil when Redis is not configured, which disables
// event publishing.
func initEventPublisher(cfg *config.Config, rdb *goredis.Client, log logr.Logger) governor.EventPublisher {
	if rdb == nil {
		log.V(1).Info("event publisher skipped", "reason", "no redis client")
		return nil
	}
	log.V(1).Info("event publisher initialized", "stream", cfg.EventStream)
	return governor.NewRedisEventPublisher(rdb, cfg.EventStream, log)
}

// buildAPIMux assembles the HTTP handler: routes, breaker gate, Prometheus
// metrics, and (when tracing is on) OpenTelemetry server spans.
func buildAPIMux(gov *governor.Governor, tracer *tracing.Provider, cfg *config.Config, log logr.Logger) http.Handler {
	handler := httpapi.NewHandler(gov, log, httpapi.WithTracingProvider(tracer))

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	httpMetrics := httpapi.NewHTTPMetrics(nil)
	wrapped := httpapi.MetricsMiddleware(httpMetrics, httpapi.BreakerMiddleware(gov, mux))

	if cfg.TracingEnabled {
		wrapped = otelhttp.NewHandler(wrapped, "spendguard-api",
			otelhttp.WithTracerProvider(tracer.TracerProvider()))
	}
	return wrapped
}

// startJanitor sweeps idle sessions on a fixed interval until ctx is done.
func startJanitor(ctx context.Context, gov *governor.Governor, tracer *tracing.Provider, interval, grace time.Duration, log logr.Logger) {
	log.V(1).Info("janitor started", "interval", interval, "grace", grace)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, span := tracer.StartSweepSpan(ctx)
				expired := gov.ExpireIdle(sweepCtx, grace)
				if expired > 0 {
					log.Info("expired idle sessions", "count", expired)
				}
				tracing.SetSuccess(span)
				span.End()
			}
		}
	}()
}

// startHTTPServer starts an HTTP server in a background goroutine.
func startHTTPServer(log logr.Logger, name, addr string, srv *http.Server) {
	go func() {
		log.Info("starting server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error", "server", name)
		}
	}()
}

// shutdownServers gracefully stops all servers with a 30-second timeout.
func shutdownServers(log logr.Logger, apiSrv, healthSrv, metricsSrv *http.Server) {
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()

	for _, s := range []struct {
		name string
		srv  *http.Server
	}{
		{"metrics", metricsSrv},
		{"API", apiSrv},
		{"health", healthSrv},
	} {
		if err := s.srv.Shutdown(shutCtx); err != nil {
			log.Error(err, "server shutdown error", "server", s.name)
		}
	}
}

// newMetricsServer creates a dedicated HTTP server for Prometheus metrics.
func newMetricsServer(addr string) *http.Server {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: metricsMux}
}

// newHealthServer creates an HTTP server for health and readiness probes.
// Readiness checks the Redis mirror when one is configured; without Redis
// the process is ready as soon as it listens.
func newHealthServer(addr string, rdb *goredis.Client) *http.Server {
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	healthMux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if rdb != nil {
			if err := rdb.Ping(r.Context()).Err(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("redis unavailable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: healthMux}
}
