package metrics

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stratum/core/events"
)

// Collector exposes protocol activity as Prometheus metrics. It implements
// events.Emitter, so wiring it as the core's event sink is all the
// instrumentation the engines need.
type Collector struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec
	depositedW  prometheus.Counter
	withdrawnW  prometheus.Counter
	borrowedW   prometheus.Counter
	reducedW    prometheus.Counter
	harvestedW  prometheus.Counter
	totalDebt   prometheus.Gauge
	bufferAdded prometheus.Counter
}

// NewCollector builds a collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stratum",
			Name:      "operations_total",
			Help:      "Protocol operations by event type.",
		}, []string{"type"}),
		depositedW: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratum",
			Name:      "collateral_deposited_wei_total",
			Help:      "Cumulative collateral deposited, in wei.",
		}),
		withdrawnW: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratum",
			Name:      "collateral_withdrawn_wei_total",
			Help:      "Cumulative collateral withdrawn, in wei.",
		}),
		borrowedW: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratum",
			Name:      "debt_borrowed_wei_total",
			Help:      "Cumulative debt minted, in wei.",
		}),
		reducedW: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratum",
			Name:      "debt_reduced_wei_total",
			Help:      "Cumulative debt retired by harvests, in wei.",
		}),
		harvestedW: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratum",
			Name:      "harvest_proceeds_wei_total",
			Help:      "Cumulative stable proceeds realized by harvests, in wei.",
		}),
		totalDebt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stratum",
			Name:      "total_debt_wei",
			Help:      "Outstanding protocol debt after the last reduction, in wei.",
		}),
		bufferAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stratum",
			Name:      "buffer_funded_wei_total",
			Help:      "Cumulative stable tokens added to the pairing buffer, in wei.",
		}),
	}
	registry.MustRegister(
		c.operations, c.depositedW, c.withdrawnW, c.borrowedW,
		c.reducedW, c.harvestedW, c.totalDebt, c.bufferAdded,
	)
	return c
}

// Emit implements events.Emitter.
func (c *Collector) Emit(evt events.Event) {
	if c == nil || evt == nil {
		return
	}
	c.operations.WithLabelValues(evt.EventType()).Inc()
	switch e := evt.(type) {
	case events.CollateralDeposited:
		c.depositedW.Add(weiFloat(e.Amount))
	case events.CollateralWithdrawn:
		c.withdrawnW.Add(weiFloat(e.Amount))
	case events.DebtBorrowed:
		c.borrowedW.Add(weiFloat(e.Amount))
	case events.DebtReduced:
		c.reducedW.Add(weiFloat(e.Amount))
		c.totalDebt.Set(weiFloat(e.TotalDebt))
	case events.YieldHarvested:
		c.harvestedW.Add(weiFloat(e.DebtValue))
	case events.BufferFunded:
		c.bufferAdded.Add(weiFloat(e.Amount))
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func weiFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
