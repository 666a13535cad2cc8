package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients             = promauto.NewGauge(prometheus.GaugeOpts{Name: "echod_active_clients", Help: "Currently active TCP echo workers"})
	AcceptedTotal             = promauto.NewCounter(prometheus.CounterOpts{Name: "echod_tcp_accepted_total", Help: "TCP connections admitted"})
	RejectedTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "echod_rejected_total", Help: "Connections or datagrams refused by reason"}, []string{"proto", "reason"})
	DatagramsTotal            = promauto.NewCounter(prometheus.CounterOpts{Name: "echod_udp_datagrams_total", Help: "UDP datagrams echoed"})
	EchoedBytesTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "echod_echoed_bytes_total", Help: "Bytes echoed back to peers"}, []string{"proto"})
	ErrorsTotal               = promauto.NewCounterVec(prometheus.CounterOpts{Name: "echod_errors_total", Help: "Errors by type"}, []string{"type"})
	ConnectionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "echod_tcp_connection_duration_seconds", Help: "TCP echo session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.001, 2, 16)})
)
