package license

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "license_validations_total",
		Help: "License checks by mode and outcome.",
	}, []string{"mode", "reason"})

	syncsConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "license_syncs_consumed_total",
		Help: "Metered syncs successfully consumed.",
	})

	issuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "license_issued_total",
		Help: "Licenses minted or re-keyed, by type.",
	}, []string{"type"})

	keyCollisionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "license_key_collisions_total",
		Help: "Minted keys rejected because another license already holds them.",
	})

	agingChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "license_aging_changes_total",
		Help: "Records changed by the aging rules.",
	}, []string{"rule"})
)
