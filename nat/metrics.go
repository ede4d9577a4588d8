package nat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTranslated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nat44",
		Name:      "packets_translated_total",
		Help:      "Packets successfully translated, by direction.",
	}, []string{"direction"})

	metricUntranslated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nat44",
		Name:      "packets_untranslated_total",
		Help:      "Packets with no matching session.",
	})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nat44",
		Name:      "packets_dropped_total",
		Help:      "Packets dropped, by reason.",
	}, []string{"reason"})

	metricBypassed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nat44",
		Name:      "packets_bypassed_total",
		Help:      "Packets passed through without translation by rule.",
	})

	metricSessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nat44",
		Name:      "sessions_created_total",
		Help:      "Sessions created, by protocol.",
	}, []string{"protocol"})

	metricSessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nat44",
		Name:      "sessions_expired_total",
		Help:      "Sessions removed by the expiry sweeper.",
	})

	// Updated by the engine after session churn.
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nat44",
		Name:      "sessions_active",
		Help:      "Sessions currently in the table.",
	})
)
