package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocrfleet_jobs_active",
		Help: "Jobs registered with items outstanding",
	})

	JobsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_jobs_admitted_total",
		Help: "Jobs registered and fanned out",
	})

	JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_jobs_completed_total",
		Help: "Jobs whose every item has a stored result",
	})

	IntakeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrfleet_intake_messages_total",
		Help: "Intake messages by outcome",
	}, []string{"outcome"})

	ItemsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_items_dispatched_total",
		Help: "Work items enqueued for workers",
	})

	ResultsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_results_applied_total",
		Help: "Item results stored and counted",
	})

	ResultsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrfleet_results_dropped_total",
		Help: "Result-queue messages acknowledged without being counted",
	}, []string{"reason"})

	MalformedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ocrfleet_malformed_messages_total",
		Help: "Messages that could not be decoded or had an unexpected kind",
	}, []string{"pipeline"})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_notify_failures_total",
		Help: "Submitter notifications that could not be sent",
	})

	IdleTeardowns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_idle_teardowns_total",
		Help: "Fleet teardowns triggered by the idle window",
	})
)
