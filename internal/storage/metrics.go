package storage

import "github.com/prometheus/client_golang/prometheus"

// Save outcomes reported in the result label.
const (
	resultOK        = "ok"
	resultCommitted = "committed"
	resultConflict  = "conflict"
	resultError     = "error"
)

// Metrics counts storage operations. A nil *Metrics records nothing.
type Metrics struct {
	loads    *prometheus.CounterVec
	saves    *prometheus.CounterVec
	degraded *prometheus.CounterVec
}

// NewMetrics builds the storage counters and registers them when registerer is non-nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "assocrm",
				Subsystem: "storage",
				Name:      "loads_total",
				Help:      "Total number of table loads.",
			},
			[]string{"table", "backend", "result"},
		),
		saves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "assocrm",
				Subsystem: "storage",
				Name:      "saves_total",
				Help:      "Total number of table saves by outcome.",
			},
			[]string{"table", "backend", "result"},
		),
		degraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "assocrm",
				Subsystem: "storage",
				Name:      "degraded_reads_total",
				Help:      "Reads where unparseable content was replaced by an empty table.",
			},
			[]string{"table", "backend"},
		),
	}
	if registerer == nil {
		return metrics, nil
	}
	for _, collector := range []prometheus.Collector{metrics.loads, metrics.saves, metrics.degraded} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *Metrics) observeLoad(table, backend, result string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(table, backend, result).Inc()
}

func (m *Metrics) observeSave(table, backend, result string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(table, backend, result).Inc()
}

func (m *Metrics) observeDegraded(table, backend string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(table, backend).Inc()
}
