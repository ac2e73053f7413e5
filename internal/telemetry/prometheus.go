package telemetry

import "github.com/prometheus/client_golang/prometheus"

const livemeetNamespace string = "livemeet"

var (
	promPeersTotal          prometheus.Gauge
	promProducersTotal      *prometheus.GaugeVec
	promEgressSlots         prometheus.Gauge
	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promPeersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livemeetNamespace,
		Subsystem: "peers",
		Name:      "total",
	})

	promProducersTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: livemeetNamespace,
		Subsystem: "producers",
		Name:      "total",
	}, []string{"kind"})

	promEgressSlots = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livemeetNamespace,
		Subsystem: "egress",
		Name:      "occupied_slots",
	})

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livemeetNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": "1"},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(promPeersTotal)
	prometheus.MustRegister(promProducersTotal)
	prometheus.MustRegister(promEgressSlots)
	prometheus.MustRegister(ServiceOperationCounter)
}

func PeerJoined() {
	promPeersTotal.Inc()
}

func PeerLeft() {
	promPeersTotal.Dec()
}

func ProducerAdded(kind string) {
	promProducersTotal.WithLabelValues(kind).Inc()
}

func ProducerRemoved(kind string) {
	promProducersTotal.WithLabelValues(kind).Dec()
}

func SlotOccupied() {
	promEgressSlots.Inc()
}

func SlotReleased() {
	promEgressSlots.Dec()
}
