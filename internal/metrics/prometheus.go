package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "arb_trader"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		OrdersPlaced:      promCounter{newCounter("orders_placed_total", "Total number of leg orders accepted.")},
		OrdersFailed:      promCounter{newCounter("orders_failed_total", "Total number of leg order failures.")},
		OpensPartial:      promCounter{newCounter("opens_partial_total", "Total number of opens ending partially filled.")},
		OpensFailed:       promCounter{newCounter("opens_failed_total", "Total number of opens with no leg accepted.")},
		UnwindsTriggered:  promCounter{newCounter("unwinds_triggered_total", "Total number of reduce-only unwinds submitted.")},
		UnwindsFailed:     promCounter{newCounter("unwinds_failed_total", "Total number of unwind flows reporting failure.")},
		AutoCloseFired:    promCounter{newCounter("auto_close_fired_total", "Total number of auto-close tasks executed.")},
		FundingGuardFired: promCounter{newCounter("funding_guard_fired_total", "Total number of funding-settlement guard triggers.")},
		LiquidationFired:  promCounter{newCounter("liquidation_guard_fired_total", "Total number of liquidation guard triggers.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
