// Copyright (C) 2025 SingularityHQ
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

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

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"golang.org/x/sync/errgroup"

	"github.com/SingularityHQ/centralcloud/pkg/logging"
	"github.com/SingularityHQ/centralcloud/services/coordination/config"
	"github.com/SingularityHQ/centralcloud/services/coordination/consensus"
	"github.com/SingularityHQ/centralcloud/services/coordination/guardian"
	"github.com/SingularityHQ/centralcloud/services/coordination/ingest"
	"github.com/SingularityHQ/centralcloud/services/coordination/patterns"
	"github.com/SingularityHQ/centralcloud/services/coordination/queue"
	"github.com/SingularityHQ/centralcloud/services/coordination/routes"
	"github.com/SingularityHQ/centralcloud/services/coordination/semantic"
	"github.com/SingularityHQ/centralcloud/services/coordination/telemetry"
	"github.com/SingularityHQ/centralcloud/services/coordination/workers"
)

// runServe wires the full coordination plane and blocks until the
// context is canceled or a component fails.
func runServe(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logFile := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "coordination",
		JSON:    cfg.Logging.JSON,
	})
	defer logFile.Close()
	logger := logFile.Slog()

	sub, err := queue.NewBadgerQueue(queue.BadgerConfig{
		Path:              cfg.Queue.Dir,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		SyncWrites:        true,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("open queue substrate: %w", err)
	}
	defer sub.Close()

	producer, err := queue.NewProducer(sub, logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}

	pool := workers.NewPool(cfg.Workers.Count, cfg.Workers.Capacity, logger)
	defer pool.Close()

	var weaviateClient *weaviate.Client
	if cfg.Weaviate.Host != "" {
		weaviateClient, err = weaviate.NewClient(weaviate.Config{
			Host:   cfg.Weaviate.Host,
			Scheme: cfg.Weaviate.Scheme,
		})
		if err != nil {
			logger.Warn("weaviate unavailable, vector features run locally", "error", err)
			weaviateClient = nil
		}
	}

	var embedder semantic.Embedder = &semantic.HashEmbedder{}
	if cfg.OpenAI.APIKey != "" {
		embedder = semantic.NewOpenAIEmbedder(semantic.OpenAIEmbedderConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
		})
	}

	scorer, err := semantic.NewCorpusScorer(embedder, weaviateClient, logger)
	if err != nil {
		return fmt.Errorf("create similarity scorer: %w", err)
	}
	if weaviateClient != nil {
		if err := scorer.EnsureSchema(ctx); err != nil {
			logger.Warn("safe pattern schema not ensured", "error", err)
		}
	}

	metrics, metricsHandler, err := telemetry.Setup()
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	var recorder guardian.TimeSeriesRecorder
	if cfg.InfluxDB.URL != "" {
		influxClient := influxdb2.NewClient(cfg.InfluxDB.URL, cfg.InfluxDB.Token)
		defer influxClient.Close()
		recorder = guardian.NewInfluxRecorder(influxClient, cfg.InfluxDB.Org, cfg.InfluxDB.Bucket, logger)
	}

	var exporter patterns.GenesisExporter
	if weaviateClient != nil {
		wv := patterns.NewWeaviateExporter(weaviateClient, logger)
		if err := wv.EnsureSchema(ctx); err != nil {
			logger.Warn("genesis schema not ensured", "error", err)
		}
		exporter = wv
	}

	g, err := guardian.New(guardian.Config{
		Thresholds: cfg.Guardian,
		Logger:     logger,
		Scorer:     scorer,
		Publisher:  producer,
		Profiles:   producer,
		Pool:       pool,
		Recorder:   recorder,
		Telemetry:  metrics,
	})
	if err != nil {
		return fmt.Errorf("create guardian: %w", err)
	}

	engine, err := consensus.New(consensus.Config{
		Rules:      cfg.Consensus,
		Logger:     logger,
		Approver:   g,
		Publisher:  producer,
		Confidence: &semantic.HeuristicConfidenceScorer{},
		Telemetry:  metrics,
	})
	if err != nil {
		return fmt.Errorf("create consensus engine: %w", err)
	}

	aggregator, err := patterns.New(patterns.Config{
		Criteria:  cfg.Patterns,
		Logger:    logger,
		Embedder:  embedder,
		Pool:      pool,
		Exporter:  exporter,
		Telemetry: metrics,
	})
	if err != nil {
		return fmt.Errorf("create pattern aggregator: %w", err)
	}

	consumerFor := func(name string, handler queue.Handler, poll time.Duration) (*queue.Consumer, error) {
		return queue.NewConsumer(sub, queue.ConsumerConfig{
			Queue:        name,
			Handler:      handler,
			PollInterval: poll,
			BatchSize:    cfg.Queue.BatchSize,
			RetryBackoff: cfg.Queue.VisibilityTimeout,
			MaxAttempts:  cfg.Queue.MaxAttempts,
			Logger:       logger,
			Metrics:      metrics,
		})
	}

	consumers := make([]*queue.Consumer, 0, 4)
	for _, lane := range []struct {
		name    string
		handler queue.Handler
		poll    time.Duration
	}{
		{queue.QueueProposals, ingest.ProposalHandler(g, engine, logger), cfg.Queue.PollInterval},
		{queue.QueueMetrics, ingest.MetricsHandler(g, logger), cfg.Queue.PollInterval},
		{queue.QueuePatterns, ingest.PatternHandler(aggregator, logger), cfg.Queue.PollInterval},
		// Rollbacks preempt everything else, so their consumer polls on
		// the tight interval.
		{queue.QueueRollbacks, ingest.RollbackDispatchHandler(logger), cfg.Queue.RollbackPollInterval},
	} {
		c, err := consumerFor(lane.name, lane.handler, lane.poll)
		if err != nil {
			return fmt.Errorf("create %s consumer: %w", lane.name, err)
		}
		consumers = append(consumers, c)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	routes.SetupRoutes(router, g, engine, aggregator, metricsHandler)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		group.Go(func() error { return c.Run(ctx) })
	}
	group.Go(func() error {
		logger.Info("coordination service listening", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("coordination service stopped")
	return nil
}
