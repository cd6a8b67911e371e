package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dip_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	cyclesCompleted  prometheus.Counter
	cyclesRejected   prometheus.Counter
	cyclesAborted    prometheus.Counter
	ordersPlaced     prometheus.Counter
	ordersFailed     prometheus.Counter
	classifierFailed prometheus.Counter
	dipSignals       prometheus.Counter
	cryptoValue      prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	cyclesCompleted := newCounter("cycles_completed_total", "Total number of trading cycles that ran to completion.")
	cyclesRejected := newCounter("cycles_rejected_total", "Total number of cycle requests rejected because a cycle was in progress.")
	cyclesAborted := newCounter("cycles_aborted_total", "Total number of cycles aborted at the snapshot phase.")
	ordersPlaced := newCounter("orders_placed_total", "Total number of orders placed.")
	ordersFailed := newCounter("orders_failed_total", "Total number of order placement failures.")
	classifierFailed := newCounter("classifier_failed_total", "Total number of failed dip classifier calls.")
	dipSignals := newCounter("dip_signals_total", "Total number of recorded dip signals.")
	cryptoValue := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      "crypto_value_usd",
		Help:      "Current USD value of crypto holdings at last cycle.",
	})

	registry.MustRegister(cyclesCompleted, cyclesRejected, cyclesAborted, ordersPlaced, ordersFailed, classifierFailed, dipSignals, cryptoValue)

	m := &Metrics{
		CyclesCompleted:  promCounter{cyclesCompleted},
		CyclesRejected:   promCounter{cyclesRejected},
		CyclesAborted:    promCounter{cyclesAborted},
		OrdersPlaced:     promCounter{ordersPlaced},
		OrdersFailed:     promCounter{ordersFailed},
		ClassifierFailed: promCounter{classifierFailed},
		DipSignals:       promCounter{dipSignals},
		CryptoValueUSD:   promGauge{cryptoValue},
	}

	return &Prometheus{
		Metrics:          m,
		registry:         registry,
		cyclesCompleted:  cyclesCompleted,
		cyclesRejected:   cyclesRejected,
		cyclesAborted:    cyclesAborted,
		ordersPlaced:     ordersPlaced,
		ordersFailed:     ordersFailed,
		classifierFailed: classifierFailed,
		dipSignals:       dipSignals,
		cryptoValue:      cryptoValue,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
