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
	"flash-queue/internal/bootstrap"
	"flash-queue/logger"
	"flash-queue/repository"
	"flash-queue/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

// The standalone worker drains the flash-sale queues and, when Kafka is
// configured, copies outcome events into the MySQL ledger. Run as many as
// needed; the per-item lock serializes dequeueing.
func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	metricsAddr := pflag.String("metrics-addr", ":8082", "listen address for /metrics")
	noQueue := pflag.Bool("no-queue", false, "do not run the queue worker")
	noLedger := pflag.Bool("no-ledger", false, "do not run the outcome ledger consumer")
	replayDLQ := pflag.Bool("replay-dlq", false, "replay the dead-letter topic once and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("worker", "info", "text").Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.Init("worker", cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := bootstrap.Open(ctx, cfg, log)
	if err != nil {
		log.Error("open stores", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	kafkaOn := len(cfg.Kafka.Brokers) > 0
	var dlq *repository.KafkaRepository
	if kafkaOn {
		dlq = repository.NewKafkaRepository(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic)
		defer dlq.Close()
	}

	if *replayDLQ {
		if !kafkaOn {
			log.Error("replay-dlq needs kafka brokers")
			os.Exit(1)
		}
		consumer := worker.NewOutcomeConsumer(nil, stores.MySQL, dlq, log)
		reader := worker.NewDeadLetterReader(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic, cfg.Kafka.GroupID+"-recovery")
		consumer.ReplayDeadLetters(ctx, reader, 3*time.Second)
		return
	}

	go func() {
		log.Info("metrics server started", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, promhttp.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "error", err)
		}
	}()

	var wg sync.WaitGroup

	if !*noQueue {
		qw := worker.NewQueueWorker(stores.Queue, stores.Tickets, stores.Locks, stores.Service(cfg, log), worker.QueueWorkerConfig{
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

	if !*noLedger && kafkaOn {
		reader := worker.NewOutcomeReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
		consumer := worker.NewOutcomeConsumer(reader, stores.MySQL, dlq, log.With("component", "outcome-consumer"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Start(ctx)
		}()
	}

	wg.Wait()
	log.Info("worker exited")
}
