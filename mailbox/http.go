// Copyright 2026 The Waypost Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waypost-net/waypost/lib/ratelimit"
	"github.com/waypost-net/waypost/lib/version"
)

// Response headers carrying message metadata. The body is the opaque
// payload, so metadata travels out of band.
const (
	headerSequence    = "X-Message-Sequence"
	headerQueueLength = "X-Queue-Length"
)

// HandlerConfig configures the mailbox HTTP handler.
type HandlerConfig struct {
	Service *Service

	// AdminToken gates the admin routes. Empty leaves them unrouted.
	AdminToken string

	Logger *slog.Logger
}

// NewHandler builds the mailbox HTTP routing table.
func NewHandler(cfg HandlerConfig) http.Handler {
	h := &handler{
		service:    cfg.Service,
		adminToken: cfg.AdminToken,
		log:        cfg.Logger,
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/mailbox/{recipient}", h.post)
	mux.HandleFunc("GET /v1/mailbox/{recipient}", h.get)
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.AdminToken != "" {
		mux.HandleFunc("GET /v1/admin/mailboxes", h.adminList)
		mux.HandleFunc("DELETE /v1/admin/mailboxes/{recipient}", h.adminEvict)
	}
	return mux
}

type handler struct {
	service    *Service
	adminToken string
	log        *slog.Logger
	started    time.Time
}

// errorBody is the JSON error response shape. Kind values are stable;
// clients branch on them, never on message text.
type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}

func (h *handler) post(w http.ResponseWriter, r *http.Request) {
	recipient, err := ParseRecipientID(r.PathValue("recipient"))
	if err != nil {
		writeError(w, err)
		return
	}

	// One byte past the configured limit: oversized payloads are
	// detected without buffering arbitrarily large bodies, and a body
	// of exactly the limit reads through untouched.
	limit := int64(h.service.MaxMessageSize()) + 1
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		writeError(w, ErrMessageTooLarge)
		return
	}

	seq, err := h.service.Post(recipient, payload, r.Header.Get("Authorization"), sourceAddr(r))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set(headerSequence, strconv.FormatUint(seq, 10))
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	recipient, err := ParseRecipientID(r.PathValue("recipient"))
	if err != nil {
		writeError(w, err)
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait_ms"))
	if err != nil {
		writeError(w, err)
		return
	}

	message, remaining, err := h.service.Get(r.Context(), recipient, wait, r.Header.Get("Authorization"), sourceAddr(r))
	if errors.Is(err, ErrNoMessage) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(headerSequence, strconv.FormatUint(message.Sequence, 10))
	w.Header().Set(headerQueueLength, strconv.Itoa(remaining))
	w.WriteHeader(http.StatusOK)
	w.Write(message.Payload)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	switch {
	case h.service.Store().Draining():
		status = "draining"
		code = http.StatusServiceUnavailable
	case h.service.Overloaded():
		status = "overloaded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"version":        version.Info(),
	})
}

func (h *handler) adminList(w http.ResponseWriter, r *http.Request) {
	if !h.adminAuthorized(r) {
		writeError(w, ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mailboxes": h.service.Store().Snapshot(),
	})
}

func (h *handler) adminEvict(w http.ResponseWriter, r *http.Request) {
	if !h.adminAuthorized(r) {
		writeError(w, ErrUnauthorized)
		return
	}
	recipient, err := ParseRecipientID(r.PathValue("recipient"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.service.Store().EvictMailbox(recipient) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.log.Info("mailbox evicted by admin", "recipient", recipient.String())
	w.WriteHeader(http.StatusNoContent)
}

// adminAuthorized checks the admin bearer token in constant time.
func (h *handler) adminAuthorized(r *http.Request) bool {
	presented := r.Header.Get("Authorization")
	expected := "Bearer " + h.adminToken
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// parseWait converts the wait_ms query parameter. Absent means the
// configured default (signalled by -1); explicit values are validated
// here and clamped by the service.
func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return -1, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		return 0, ErrInvalidWait
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// sourceAddr returns the client host without the ephemeral port, the
// key for per-source rate limiting.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps an error to its HTTP status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	kind := ErrorKind(err)
	status := http.StatusInternalServerError
	body := errorBody{Error: kind}

	var rateErr *RateLimitedError
	switch {
	case errors.As(err, &rateErr):
		status = http.StatusTooManyRequests
		retryAfter := rateErr.RetryAfter
		if retryAfter == ratelimit.Forever {
			retryAfter = time.Hour
		}
		seconds := int64(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		body.RetryAfter = retryAfter.Milliseconds()
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ErrMessageTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrQueueFull):
		status = http.StatusInsufficientStorage
	case errors.Is(err, ErrInvalidRecipient):
		status = http.StatusBadRequest
	case errors.Is(err, ErrDraining):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	case errors.Is(err, ErrInvalidWait):
		status = http.StatusBadRequest
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
