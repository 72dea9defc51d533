// Package metrics holds the Prometheus collectors of the exchange. They are
// registered with the default registry and served by the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "p2pexchange"

var (
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tx_retries_total",
		Help:      "Transactions restarted after a serialization failure or deadlock",
	})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_placed_total",
		Help:      "Orders accepted into the book",
	}, []string{"direction"})

	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_cancelled_total",
		Help:      "Orders withdrawn by their owner",
	})

	TradesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_opened_total",
		Help:      "Trades opened against a resting order",
	})

	TradesSettled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_settled_total",
		Help:      "Trades released from escrow",
	})

	TradesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_cancelled_total",
		Help:      "Trades cancelled before settlement",
	})

	SettlementInconsistencies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_inconsistencies_total",
		Help:      "Settlements aborted because escrowed funds were missing",
	})

	UsersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "users_registered_total",
		Help:      "Accounts created",
	})

	BookSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "book_subscribers",
		Help:      "Open websocket order book feeds",
	})
)
