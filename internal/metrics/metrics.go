// Package metrics exposes bus and daemon counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/goax12/internal/dxl"
)

// NewRegistry creates a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// BusMetrics implements dxl.Observer.
type BusMetrics struct {
	Transactions *prometheus.CounterVec   // labels: instruction, result
	Faults       *prometheus.CounterVec   // labels: id, fault
	Latency      *prometheus.HistogramVec // labels: instruction
	Online       prometheus.Gauge         // servos found by the last scan
	Commands     *prometheus.CounterVec   // labels: command, result
	WSClients    prometheus.Gauge
}

var _ dxl.Observer = (*BusMetrics)(nil)

// NewBusMetrics registers and returns the bus metrics.
func NewBusMetrics(reg prometheus.Registerer) *BusMetrics {
	m := &BusMetrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dxl_transactions_total",
			Help: "Instruction/status transactions by instruction and result.",
		}, []string{"instruction", "result"}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dxl_faults_total",
			Help: "Fault bits reported by servos.",
		}, []string{"id", "fault"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dxl_transaction_seconds",
			Help:    "Time from flush to decoded reply.",
			Buckets: []float64{.002, .005, .01, .015, .02, .05, .1, .25},
		}, []string{"instruction"}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dxl_servos_online",
			Help: "Servos that answered the last scan.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goax12_commands_total",
			Help: "Queued bus commands by kind and result.",
		}, []string{"command", "result"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goax12_ws_clients",
			Help: "Connected websocket clients.",
		}),
	}
	reg.MustRegister(m.Transactions, m.Faults, m.Latency, m.Online, m.Commands, m.WSClients)
	return m
}

func (m *BusMetrics) ObserveTransaction(op dxl.Instruction, result string, took time.Duration) {
	m.Transactions.WithLabelValues(op.String(), result).Inc()
	m.Latency.WithLabelValues(op.String()).Observe(took.Seconds())
}

func (m *BusMetrics) ObserveFault(id byte, f dxl.Fault) {
	label := strconv.Itoa(int(id))
	for _, bit := range f.List() {
		m.Faults.WithLabelValues(label, bit.String()).Inc()
	}
}
