// Package server provides HTTP server construction for the sync
// service.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/discovery"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/retry"
	"github.com/AndreySavastyuk/MES-v1.0-sub000/internal/wifisync"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Sync      *wifisync.Service
	Discovery *discovery.Service
	Retries   *retry.Manager
	Logger    *slog.Logger
	Version   string
}

// NewMux builds the HTTP mux: the WebSocket sync endpoint plus small
// JSON read-only views for health, devices, and queue statistics.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", cfg.Sync.HandleWS)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfg.Logger, map[string]string{"status": "ok", "version": cfg.Version})
	})
	mux.HandleFunc("GET /devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfg.Logger, cfg.Sync.ConnectedDevices())
	})
	mux.HandleFunc("GET /devices/discovered", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfg.Logger, cfg.Discovery.Devices())
	})
	mux.HandleFunc("GET /statistics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfg.Logger, cfg.Sync.QueueStatistics())
	})
	mux.HandleFunc("GET /retries", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, cfg.Logger, cfg.Retries.ScheduledRetries())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("writing response", slog.String("error", err.Error()))
	}
}
