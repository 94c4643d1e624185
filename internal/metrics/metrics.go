// Package metrics exports Prometheus collectors for the proxy core:
// active proxy count, tx/rx byte totals, credit updates emitted, and
// decode-error counts by reason. Pending accepts are not exported.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ActiveProxies is the current count of proxies held by the
	// dispatcher.
	ActiveProxies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsi",
		Name:      "proxies_active",
		Help:      "Number of ProxyInstance entries currently held by the dispatcher.",
	})

	// BytesTx counts the payload bytes of guest Rw packets whose Send
	// returned no error; a partial write still counts the full payload.
	BytesTx = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tsi",
		Name:      "bytes_tx_total",
		Help:      "Total bytes delivered from the guest to host sockets.",
	})

	// BytesRx counts bytes read from host sockets via Recv.
	BytesRx = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tsi",
		Name:      "bytes_rx_total",
		Help:      "Total bytes delivered from host sockets to the guest.",
	})

	// CreditUpdatesEmitted counts CreditUpdate responses sent to the guest.
	CreditUpdatesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tsi",
		Name:      "credit_updates_emitted_total",
		Help:      "Total CreditUpdate responses sent to the guest.",
	})

	// DecodeErrors counts malformed/unroutable inbound packets by reason.
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsi",
		Name:      "decode_errors_total",
		Help:      "Total inbound packets dropped due to decode failures, by reason.",
	}, []string{"reason"})
)

// Registry bundles the collectors above into a single Prometheus
// registry for internal/api to serve.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(ActiveProxies, BytesTx, BytesRx, CreditUpdatesEmitted, DecodeErrors)

	return r
}
