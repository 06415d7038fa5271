// Package api implements the HTTP API: the proxy endpoint the receivers
// fetch from and the control surface the senders use.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cast-proxy-go/pkg/appctx"
	"cast-proxy-go/pkg/cast"
	"cast-proxy-go/pkg/logging"
	"cast-proxy-go/pkg/monitor"
	"cast-proxy-go/pkg/services"
	"cast-proxy-go/pkg/types"
)

const version = "1.3.0"

// Handlers holds the API handlers.
type Handlers struct {
	ctx *appctx.Context
	log *logging.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(ctx *appctx.Context) *Handlers {
	return &Handlers{ctx: ctx, log: ctx.Log.WithComponent("api")}
}

// RegisterRoutes mounts all routes on the router.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleRoot)
	r.Get("/proxy", h.handleProxy)
	r.Head("/proxy", h.handleProxy)

	r.Route("/api", func(r chi.Router) {
		r.Get("/info", h.handleInfo)
		r.Post("/cast", h.handleCast)
		r.Post("/stop", h.handleStop)
		r.Get("/session/{device}", h.handleSession)
		r.Get("/stats", h.handleStats)
		r.Get("/devices", h.handleDevices)
		r.Get("/events", h.handleEvents)
	})

	if h.ctx.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.ctx.Metrics.Handler(func() {
			h.ctx.Metrics.ActiveSessions.Set(float64(h.ctx.Table.Len()))
		}))
	}
}

func (h *Handlers) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "cast-proxy",
		"version": version,
	})
}

func (h *Handlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         "cast-proxy",
		"version":      version,
		"base_url":     h.ctx.BaseURL,
		"sessions":     h.ctx.Table.Len(),
		"cast_enabled": h.ctx.Controller != nil,
		"endpoints": []string{
			"/proxy?url={url}&referer={referer}",
			"/api/cast",
			"/api/stop",
			"/api/session/{device}",
			"/api/stats",
			"/api/devices",
			"/api/events",
			"/metrics",
		},
	})
}

// handleProxy relays one manifest or segment fetch for a receiver.
func (h *Handlers) handleProxy(w http.ResponseWriter, r *http.Request) {
	targetURL := r.URL.Query().Get("url")
	if targetURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	req := types.StreamRequest{
		URL:     targetURL,
		Referer: r.URL.Query().Get("referer"),
	}

	resp, err := h.ctx.Proxy.Handle(r.Context(), req, clientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidTarget):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, services.ErrPrivateTarget):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			h.log.WithError(err).Error("proxy request failed", "url", targetURL)
			writeError(w, http.StatusBadGateway, "upstream fetch failed")
		}
		return
	}
	defer resp.Body.Close()

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.Debug("client disconnected mid-stream", "url", targetURL)
	}
}

type castRequest struct {
	Device  string `json:"deviceAddress"`
	URL     string `json:"url"`
	Referer string `json:"referer,omitempty"`
	Proxy   *bool  `json:"proxy,omitempty"`   // default true
	Resolve bool   `json:"resolve,omitempty"` // run the URL through the source resolver first

	// ClientAddress overrides proxy traffic attribution. Simulated
	// receivers fetch from somewhere other than the device host.
	ClientAddress string `json:"clientAddress,omitempty"`
}

func (h *Handlers) handleCast(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, "cast support not configured")
		return
	}

	var req castRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Device == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "device and url are required")
		return
	}

	streamURL := req.URL
	referer := req.Referer
	if req.Resolve {
		if h.ctx.Resolver == nil {
			writeError(w, http.StatusServiceUnavailable, "no source resolver configured")
			return
		}
		source, err := h.ctx.Resolver.Resolve(r.Context(), req.URL)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("source resolution failed: %v", err))
			return
		}
		streamURL = source.URL
		if source.Referer != "" {
			referer = source.Referer
		}
	}

	useProxy := true
	if req.Proxy != nil {
		useProxy = *req.Proxy
	}
	clientAddr := req.ClientAddress
	if clientAddr == "" {
		clientAddr = clientIP(r)
	}

	rec, err := h.ctx.Controller.Start(r.Context(), cast.StartRequest{
		DeviceAddress: req.Device,
		URL:           streamURL,
		Referer:       referer,
		Proxy:         useProxy,
		ClientAddress: clientAddr,
	})
	if err != nil {
		var timeoutErr *cast.LoadTimeoutError
		switch {
		case errors.Is(err, cast.ErrNoDialer):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.As(err, &timeoutErr):
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{
				"error": "receiver did not start playback in time",
				"troubleshooting": map[string]any{
					"device":  timeoutErr.DeviceAddress,
					"proxy":   timeoutErr.ProxyBase,
					"timeout": timeoutErr.Timeout.String(),
					"hint":    "the receiver must be able to reach the proxy address over the LAN",
				},
			})
		default:
			h.log.WithError(err).Error("cast start failed", "device", req.Device)
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": rec.ID,
		"device":     rec.DeviceAddr,
		"url":        rec.Media().URL,
	})
}

type stopRequest struct {
	Device string `json:"deviceAddress"`
}

func (h *Handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, "cast support not configured")
		return
	}
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Device == "" {
		writeError(w, http.StatusBadRequest, "device is required")
		return
	}

	if err := h.ctx.Controller.Stop(r.Context(), req.Device); err != nil {
		if errors.Is(err, cast.ErrNoSession) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true, "deviceAddress": req.Device})
}

func (h *Handlers) handleSession(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	rec, ok := h.ctx.Table.Get(device)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"active":       true,
		"session_id":   rec.ID,
		"created_at":   rec.CreatedAt,
		"stats":        rec.Stats(),
		"tracking":     rec.Tracking(),
		"buffer_score": rec.HealthScore(now),
		"conn_state":   string(rec.ConnSnapshot().State),
		"player_state": string(rec.LastState()),
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	records := h.ctx.Table.Snapshot()
	sessions := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, map[string]any{
			"device":       rec.DeviceAddr,
			"session_id":   rec.ID,
			"stats":        rec.Stats(),
			"tracking":     rec.Tracking(),
			"buffer_score": rec.HealthScore(now),
			"conn_state":   string(rec.ConnSnapshot().State),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":      sessions,
		"buffer_health": monitor.BufferHealth(h.ctx.Table, now),
	})
}

func (h *Handlers) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := []map[string]any{}
	if h.ctx.Directory != nil {
		for _, d := range h.ctx.Directory.Devices() {
			devices = append(devices, map[string]any{
				"address":   d.Address,
				"name":      d.Name,
				"model":     d.Model,
				"last_seen": d.LastSeen,
				"casting":   h.ctx.Table.HasSession(d.Address),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleEvents streams stats, health, and recovery events as SSE.
func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, cancel := h.ctx.Events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// clientIP strips the port from the remote address; sessions are attributed
// by sender host, not ephemeral port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
