// Package metrics exposes the termination core's Prometheus counters and
// gauges and the HTTP handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "e2tc_errors_total",
		Help: "Errors observed by the termination core, by taxonomy kind.",
	}, []string{"kind"})

	indicationsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "e2tc_indications_dropped_total",
		Help: "Indications dropped before delivery, by reason.",
	}, []string{"reason"})

	transactionsOutstanding = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "e2tc_transactions_outstanding",
		Help: "Transactions awaiting a response, per node.",
	}, []string{"node"})

	transactionsExpiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "e2tc_transactions_expired_total",
		Help: "Transactions that hit their deadline before a response arrived.",
	}, []string{"node"})

	subscriptions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "e2tc_subscriptions",
		Help: "Subscriptions tracked by the manager, per state.",
	}, []string{"state"})

	nodesByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "e2tc_nodes",
		Help: "E2 Nodes tracked by the termination core, per state.",
	}, []string{"state"})
)

func init() {
	registry.MustRegister(errorsTotal, indicationsDroppedTotal, transactionsOutstanding,
		transactionsExpiredTotal, subscriptions, nodesByState)
}

// IncError records one occurrence of the named error kind.
func IncError(kind string) { errorsTotal.WithLabelValues(kind).Inc() }

// IncIndicationDropped records one dropped indication, tagged with the
// reason: a sink's backpressure reason (drop_oldest, drop_newest,
// block_timeout), or the Router's unknown and not_active.
func IncIndicationDropped(reason string) { indicationsDroppedTotal.WithLabelValues(reason).Inc() }

// SetTransactionsOutstanding publishes the current outstanding-transaction
// count for a node.
func SetTransactionsOutstanding(node string, count int) {
	transactionsOutstanding.WithLabelValues(node).Set(float64(count))
}

// IncTransactionExpired records one transaction that missed its deadline.
func IncTransactionExpired(node string) { transactionsExpiredTotal.WithLabelValues(node).Inc() }

// SetSubscriptions publishes the current subscription count for a state.
func SetSubscriptions(state string, count int) { subscriptions.WithLabelValues(state).Set(float64(count)) }

// SetNodes publishes the current node count for a state.
func SetNodes(state string, count int) { nodesByState.WithLabelValues(state).Set(float64(count)) }

// Handler returns the HTTP handler serving the registry in the Prometheus
// text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
