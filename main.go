package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flash-queue/config"
	"flash-queue/handler"
	"flash-queue/internal/bootstrap"
	"flash-queue/logger"
	"flash-queue/repository"
	"flash-queue/service"
	"flash-queue/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	seedStock := pflag.Int64("seed-stock", 0, "if > 0, reset every worker item to this stock at startup")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("api", "info", "text").Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.Init("api", cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Error("open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	if *seedStock > 0 {
		if err := stores.Seed(ctx, cfg.Worker.Items, *seedStock); err != nil {
			log.Error("seed", "error", err)
			os.Exit(1)
		}
		log.Info("items seeded", "items", cfg.Worker.Items, "stock", *seedStock)
	}

	svc := stores.Service(cfg, log)
	var wg sync.WaitGroup

	if cfg.Worker.Enabled {
		qw := worker.NewQueueWorker(stores.Queue, stores.Tickets, stores.Locks, svc, worker.QueueWorkerConfig{
			PollInterval:  cfg.Worker.PollInterval,
			LockTTL:       cfg.Worker.LockTTL,
			ProcessingTTL: cfg.FlashSale.ProcessingTTL,
			Items:         cfg.Worker.Items,
		}, log.With("component", "queue-worker"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			qw.Start(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		service.StartGaugeRefresher(ctx, stores.Queue, stores.Stock, cfg.Worker.Items, 500*time.Millisecond, log)
	}()

	internal := handler.NewInternalHandler(service.NewEvidenceService(stores.Tickets), cfg.Internal.Token, log)
	if len(cfg.Kafka.Brokers) > 0 {
		dlq := repository.NewKafkaRepository(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic)
		defer dlq.Close()
		consumer := worker.NewOutcomeConsumer(nil, stores.MySQL, dlq, log.With("component", "dlq-replay"))
		internal.ReplayDeadLetters = func(ctx context.Context) {
			reader := worker.NewDeadLetterReader(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic, cfg.Kafka.GroupID+"-recovery")
			consumer.ReplayDeadLetters(ctx, reader, 3*time.Second)
		}
	}

	mux := http.NewServeMux()
	handler.NewFlashSaleHandler(svc, stores.Redis, log).Register(mux)
	internal.Register(mux)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	metricsServer := &http.Server{
		Addr:    cfg.HTTP.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		log.Info("metrics server started", "addr", cfg.HTTP.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()
	go func() {
		log.Info("flash-sale api started", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics shutdown", "error", err)
	}
	wg.Wait()
}
