package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DesiredWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocrfleet_fleet_desired_workers",
		Help: "Worker count the fleet controller is aiming for",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ocrfleet_fleet_active_workers",
		Help: "Pending or running worker instances at the last observation",
	})

	LaunchedWorkers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_fleet_launched_workers_total",
		Help: "Worker instances launched",
	})

	LaunchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_fleet_launch_failures_total",
		Help: "Failed launch requests",
	})

	CapacityExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ocrfleet_fleet_capacity_exceeded_total",
		Help: "Capacity requests ignored because the fleet was at its cap",
	})
)
