package net

import (
	"encoding/json"
	nethttp "net/http"
	"time"

	"tickrelay/server/internal/observability"
	"tickrelay/server/internal/telemetry"
)

// HTTPHandlerConfig wires the operational endpoints of a process.
type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
	// Role names the process in diagnostics.
	Role string
	// Ready gates /health; nil means always ready.
	Ready func() bool
	// Diagnostics supplies the process-specific part of /diagnostics.
	Diagnostics func() any
	// Metrics serves /metrics when set.
	Metrics nethttp.Handler
	// WebSocket serves /ws when set.
	WebSocket nethttp.Handler
}

func NewHTTPHandler(cfg HTTPHandlerConfig) nethttp.Handler {
	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if cfg.Ready != nil && !cfg.Ready() {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			w.Write([]byte("unavailable"))
			return
		}
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Status     string `json:"status"`
			Role       string `json:"role,omitempty"`
			ServerTime int64  `json:"serverTime"`
			Details    any    `json:"details,omitempty"`
		}{
			Status:     "ok",
			Role:       cfg.Role,
			ServerTime: time.Now().UnixMilli(),
		}
		if cfg.Diagnostics != nil {
			payload.Details = cfg.Diagnostics()
		}

		data, err := json.Marshal(payload)
		if err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Printf("failed to encode diagnostics: %v", err)
			}
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}
	if cfg.WebSocket != nil {
		mux.Handle("/ws", cfg.WebSocket)
	}
	cfg.Observability.Mount(mux)

	return mux
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
