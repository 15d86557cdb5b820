// Package metrics defines Prometheus metrics for the karma service.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ModificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karma_modifications_total",
			Help: "Score modifications applied, by direction",
		},
		[]string{"direction"},
	)

	CooldownRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "karma_cooldown_rejections_total",
			Help: "Modifications rejected by an active cooldown",
		},
	)

	LinkOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "karma_link_ops_total",
			Help: "Link graph mutations, by operation",
		},
		[]string{"op"},
	)

	DecayedActionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "karma_decayed_actions_total",
			Help: "Action records removed by decay sweeps",
		},
	)

	DecayedTermsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "karma_decayed_terms_total",
			Help: "Terms touched by decay sweeps",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ModificationsTotal, CooldownRejectionsTotal,
		LinkOpsTotal, DecayedActionsTotal, DecayedTermsTotal,
	)
}
