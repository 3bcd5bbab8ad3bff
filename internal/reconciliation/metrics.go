package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	openIncidents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "assetescrow",
		Subsystem: "reconciliation",
		Name:      "open_incidents",
		Help:      "Number of paid-but-undelivered trades awaiting manual reconciliation.",
	})

	oldestOpenIncidentAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "assetescrow",
		Subsystem: "reconciliation",
		Name:      "oldest_open_incident_age_seconds",
		Help:      "Age of the oldest open incident in seconds, 0 when none.",
	})

	incidentsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assetescrow",
		Subsystem: "reconciliation",
		Name:      "incidents_recorded_total",
		Help:      "Total incidents opened.",
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assetescrow",
		Subsystem: "reconciliation",
		Name:      "sweep_errors_total",
		Help:      "Total failed incident sweeps.",
	})
)

func init() {
	prometheus.MustRegister(
		openIncidents,
		oldestOpenIncidentAge,
		incidentsRecorded,
		sweepErrors,
	)
}
