package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// join outcomes: created, rejoined, rejected, failed
	JoinRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_join_requests_total",
		Help: "Join requests by result",
	}, []string{"result"})

	// terminal ticket transitions by status
	TicketOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_ticket_outcomes_total",
		Help: "Tickets reaching a terminal status",
	}, []string{"status"})

	// worker ticks: skipped (lock contention), idle, discarded, dispatched, failed
	WorkerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flashsale_worker_ticks_total",
		Help: "Worker ticks by result",
	}, []string{"result"})

	ProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flashsale_process_duration_seconds",
		Help:    "Time spent reserving stock and writing the order for one ticket",
		Buckets: prometheus.DefBuckets,
	})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flashsale_queue_depth",
		Help: "Tickets waiting in the FIFO list",
	}, []string{"item"})

	StockLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flashsale_stock_level",
		Help: "Remaining stock of a flash-sale item",
	}, []string{"item"})

	OutcomesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flashsale_outcome_ledger_saved_total",
		Help: "Outcome events persisted by the ledger consumer",
	})
)
