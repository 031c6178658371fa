package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/knrog/knrog/internal/gateway"
	"github.com/knrog/knrog/internal/obs"
	"github.com/knrog/knrog/internal/registry"
)

type healthState struct {
	mu      sync.Mutex
	ready   bool
	closing bool
}

func (h *healthState) setReady(v bool)   { h.mu.Lock(); h.ready = v; h.mu.Unlock() }
func (h *healthState) setClosing(v bool) { h.mu.Lock(); h.closing = v; h.mu.Unlock() }
func (h *healthState) ok() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready && !h.closing
}

// stateSnapshot is the JSON shape served on /api/state.
type stateSnapshot struct {
	Tunnels []string `json:"tunnels"`
	Pending int      `json:"pending"`
	Now     string   `json:"now"`
}

// startMetricsServer serves Prometheus metrics and simple health endpoints.
func startMetricsServer(addr string, reg *registry.Registry, gw *gateway.Gateway, health *healthState) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		st := stateSnapshot{
			Tunnels: reg.Snapshot(),
			Pending: gw.PendingCount(),
			Now:     time.Now().UTC().Format(time.RFC3339),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !health.ok() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
	}
}
