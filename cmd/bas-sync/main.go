/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carverauto/bas-connector/pkg/bas"
	"github.com/carverauto/bas-connector/pkg/config"
	"github.com/carverauto/bas-connector/pkg/db"
	"github.com/carverauto/bas-connector/pkg/importer"
	"github.com/carverauto/bas-connector/pkg/logger"
	"github.com/carverauto/bas-connector/pkg/natsutil"
	"github.com/carverauto/bas-connector/pkg/notify"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/bas-connector/bas-sync.json", "Path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, *configPath)
	cancel()

	if err != nil {
		log.Printf("bas-sync: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	var cfg Config

	if err := config.NewConfig(nil).LoadAndValidate(ctx, configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mainLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	pool, err := db.NewPool(ctx, &cfg.Database, mainLogger)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := db.NewStateStore(pool, mainLogger)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	nc, err := natsutil.Connect(cfg.NATS.URL, cfg.NATS.TLS, mainLogger, nats.Name("bas-sync"))
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := natsutil.EnsureStream(ctx, js, cfg.NATS.Stream, natsutil.Subjects(cfg.NATS.SubjectPrefix)); err != nil {
		return err
	}

	publisher := natsutil.NewObservationPublisher(js, cfg.NATS.SubjectPrefix, mainLogger)
	notifier := notify.NewDedupe(notify.Multi{
		notify.NewLogNotifier(mainLogger),
		notify.NewJetStreamNotifier(js, cfg.NATS.SubjectPrefix, mainLogger),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics, err := bas.NewPrometheusMetrics(registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	client, err := bas.NewClient(&cfg.Config, mainLogger,
		bas.WithNotifier(notifier),
		bas.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		mainLogger.Warn().Err(err).Msg("Continuing without an initial token; renewal will retry")
	}

	if cfg.StreamEnabled {
		if err := client.StartStream(ctx, bas.ForwardObservations(publisher), cfg.Sensors...); err != nil {
			return fmt.Errorf("failed to start stream: %w", err)
		}
	}

	imp, err := importer.New(cfg.importerConfig(), client.Trends(), publisher, store, mainLogger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           newHTTPHandler(registry, client.IsAPIAvailable),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mainLogger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("Metrics server failed")
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	mainLogger.Info().
		Str("base_url", cfg.BaseURL).
		Int("sensors", len(cfg.Sensors)).
		Bool("stream", cfg.StreamEnabled).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("bas-sync started")

	if err := imp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	mainLogger.Info().Msg("bas-sync stopped")

	return nil
}

// newHTTPHandler serves Prometheus metrics and a health endpoint that reports
// 503 while the BAS API is unavailable.
func newHTTPHandler(gatherer prometheus.Gatherer, available func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !available() {
			http.Error(w, "bas api unavailable", http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write([]byte("ok\n"))
	})

	return mux
}
