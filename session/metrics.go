package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// sessionMetrics is the engine-wide Prometheus registry; torrents share
// the counters, the RPC server exposes them on /metrics.
type sessionMetrics struct {
	registry *prometheus.Registry

	torrentsAdded     prometheus.Counter
	torrentsCompleted prometheus.Counter
	piecesVerified    prometheus.Counter
	bytesDownloaded   prometheus.Counter
	bytesUploaded     prometheus.Counter
	peersConnected    prometheus.Gauge
}

func newSessionMetrics() *sessionMetrics {
	m := &sessionMetrics{
		registry: prometheus.NewRegistry(),
		torrentsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goridge", Name: "torrents_added_total",
			Help: "Torrents added to the session.",
		}),
		torrentsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goridge", Name: "torrents_completed_total",
			Help: "Torrents that finished downloading.",
		}),
		piecesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goridge", Name: "pieces_verified_total",
			Help: "Pieces downloaded and hash-verified.",
		}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goridge", Name: "downloaded_bytes_total",
			Help: "Piece payload bytes received from peers.",
		}),
		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goridge", Name: "uploaded_bytes_total",
			Help: "Piece payload bytes sent to peers.",
		}),
		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goridge", Name: "peers_connected",
			Help: "Currently connected peers across all torrents.",
		}),
	}
	m.registry.MustRegister(
		m.torrentsAdded,
		m.torrentsCompleted,
		m.piecesVerified,
		m.bytesDownloaded,
		m.bytesUploaded,
		m.peersConnected,
	)
	return m
}
