// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waypost-net/waypost/lib/version"
)

// AdminConfig configures the relay's admin HTTP surface: health,
// metrics, and allocation enumeration/revocation. It listens on a
// separate (typically loopback) address from the forwarding port.
type AdminConfig struct {
	Server *Server

	// AdminToken gates the allocation routes. Empty leaves them
	// unrouted; health and metrics stay available.
	AdminToken string

	Logger *slog.Logger
}

// NewAdminHandler builds the relay admin routing table.
func NewAdminHandler(cfg AdminConfig) http.Handler {
	h := &adminHandler{
		server:     cfg.Server,
		adminToken: cfg.AdminToken,
		log:        cfg.Logger,
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.AdminToken != "" {
		mux.HandleFunc("GET /v1/admin/allocations", h.list)
		mux.HandleFunc("DELETE /v1/admin/allocations/{id}", h.revoke)
	}
	return mux
}

type adminHandler struct {
	server     *Server
	adminToken string
	log        *slog.Logger
	started    time.Time
}

func (h *adminHandler) authorized(r *http.Request) bool {
	presented := r.Header.Get("Authorization")
	expected := "Bearer " + h.adminToken
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func (h *adminHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"version":        version.Info(),
	})
}

func (h *adminHandler) list(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allocations": h.server.Table().Snapshot(),
	})
}

func (h *adminHandler) revoke(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := r.PathValue("id")
	if err := h.server.Terminate(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.log.Info("allocation revoked by admin", "allocation", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
