package syshealth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HeapUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocrfleet_admission_heap_ratio",
		Help: "Heap in use as a fraction of the admission ceiling at the last check",
	})

	AdmissionsDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_admission_deferred_total",
		Help: "Intake messages deferred under memory pressure",
	})
)
