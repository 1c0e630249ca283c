// Package metrics registers the prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PanelRequestsTotal counts remote panel API calls by panel kind,
	// operation and outcome.
	PanelRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panelbridge_panel_requests_total",
		Help: "Remote panel API calls.",
	}, []string{"kind", "op", "outcome"})

	// PanelRequestDuration observes remote panel API latency.
	PanelRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "panelbridge_panel_request_duration_seconds",
		Help:    "Remote panel API call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "op"})

	// MonitorCycleDuration observes full reconciliation cycle time.
	MonitorCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "panelbridge_monitor_cycle_duration_seconds",
		Help:    "Traffic monitor reconciliation cycle time.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 180},
	})

	// MonitorClientsTracked is the number of ledger rows the last cycle saw.
	MonitorClientsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panelbridge_monitor_clients_tracked",
		Help: "Ledger rows evaluated by the last monitor cycle.",
	})

	// NotificationsTotal counts telegram notifications by kind.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panelbridge_notifications_total",
		Help: "Telegram notifications sent.",
	}, []string{"kind"})

	// FailedLoginAttempts counts rejected ops console logins.
	FailedLoginAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panelbridge_failed_login_attempts_total",
		Help: "Rejected ops console logins.",
	})
)
