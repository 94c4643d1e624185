// Package api serves a small introspection HTTP surface alongside the
// proxy core: a JSON snapshot of active proxies, a health probe, and
// the Prometheus metrics registry.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenvm/tsi-proxy/internal/proxy"
)

// Snapshotter is the subset of the dispatcher the API reads from.
type Snapshotter interface {
	Snapshot() map[proxy.ID]proxy.Status
	Len() int
}

// New builds the router. reg may be nil, in which case no /metrics
// route is registered.
func New(d Snapshotter, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/proxies", func(w http.ResponseWriter, req *http.Request) {
		snap := d.Snapshot()

		out := make([]proxyView, 0, len(snap))
		for id, status := range snap {
			out = append(out, proxyView{
				GuestCID:  id.GuestCID,
				PeerPort:  id.PeerPort,
				LocalPort: id.LocalPort,
				Status:    status.String(),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

type proxyView struct {
	GuestCID  uint64 `json:"guest_cid"`
	PeerPort  uint32 `json:"peer_port"`
	LocalPort uint32 `json:"local_port"`
	Status    string `json:"status"`
}
