package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// rpcServer is the session's HTTP control surface: a small JSON API for
// the operations the CLI and platform glue need, plus the Prometheus
// /metrics endpoint. net/http (rather than the fasthttp client stack
// used for trackers) because promhttp's handler plugs into it directly.
type rpcServer struct {
	session *Session
	server  *http.Server
}

func newRPCServer(s *Session) *rpcServer {
	return &rpcServer{session: s}
}

func (r *rpcServer) Start(host string, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/torrents", r.handleTorrents)
	mux.HandleFunc("/torrents/", r.handleTorrent)
	if r.session.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(r.session.metrics.registry, promhttp.HandlerOpts{}))
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.session.log.Errorln("rpc server error:", err)
		}
	}()
	r.session.log.Infoln("rpc server is listening on", addr)
	return nil
}

func (r *rpcServer) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.server.Shutdown(ctx)
}

type torrentInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	InfoHash  string    `json:"info_hash"`
	Port      uint16    `json:"port"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

func torrentToInfo(t *Torrent) torrentInfo {
	stats := t.Stats()
	return torrentInfo{
		ID:        t.ID(),
		Name:      t.Name(),
		InfoHash:  fmt.Sprintf("%x", t.InfoHash()),
		Port:      t.Port(),
		CreatedAt: t.CreatedAt(),
		Status:    stats.Status.String(),
	}
}

func (r *rpcServer) handleTorrents(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		torrents := r.session.ListTorrents()
		out := make([]torrentInfo, 0, len(torrents))
		for _, t := range torrents {
			out = append(out, torrentToInfo(t))
		}
		writeJSON(w, out)
	case http.MethodPost:
		if uri := req.URL.Query().Get("uri"); uri != "" {
			t, err := r.session.AddURI(uri)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeJSON(w, torrentToInfo(t))
			return
		}
		// Body is a raw .torrent file.
		t, err := r.session.AddTorrent(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, torrentToInfo(t))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *rpcServer) handleTorrent(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.TrimPrefix(req.URL.Path, "/torrents/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, req)
		return
	}
	t := r.session.GetTorrent(parts[0])
	if t == nil {
		http.NotFound(w, req)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	switch {
	case req.Method == http.MethodGet && action == "":
		writeJSON(w, torrentToInfo(t))
	case req.Method == http.MethodGet && action == "stats":
		writeJSON(w, t.Stats())
	case req.Method == http.MethodGet && action == "peers":
		writeJSON(w, t.Peers())
	case req.Method == http.MethodGet && action == "trackers":
		writeJSON(w, t.Trackers())
	case req.Method == http.MethodPost && action == "start":
		if err := t.Start(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case req.Method == http.MethodPost && action == "stop":
		if err := t.Stop(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case req.Method == http.MethodPost && action == "recheck":
		t.Recheck()
		w.WriteHeader(http.StatusNoContent)
	case req.Method == http.MethodDelete && action == "":
		if err := r.session.RemoveTorrent(parts[0]); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
