package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	slotMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinroster",
			Name:      "slot_mutations_total",
			Help:      "Count of slot mutations by operation and result.",
		},
		[]string{"op", "result"},
	)

	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinroster",
			Name:      "exchanges_total",
			Help:      "Count of assignment exchanges by result.",
		},
		[]string{"result"},
	)

	bulkRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinroster",
			Name:      "bulk_import_rows_total",
			Help:      "Count of bulk-imported slot rows by result.",
		},
		[]string{"result"},
	)

	changeEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clinroster",
			Name:      "change_events_total",
			Help:      "Count of (site, date) change events emitted.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinroster",
			Name:      "http_requests_total",
			Help:      "Count of API requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(slotMutations, exchanges, bulkRows, changeEvents, httpRequests)
	})
}

func IncSlotMutation(op, result string) {
	slotMutations.WithLabelValues(op, result).Inc()
}

func IncExchange(result string) {
	exchanges.WithLabelValues(result).Inc()
}

func AddBulkRows(result string, n int) {
	bulkRows.WithLabelValues(result).Add(float64(n))
}

func IncChangeEvent() {
	changeEvents.Inc()
}

func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
