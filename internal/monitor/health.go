package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a1g0-creator/ct-bot-sub000/pkg/goplus"
	"github.com/a1g0-creator/ct-bot-sub000/pkg/logger"
)

// AppRef 复制交易监控器
type AppRef interface {
	Ready() bool
	Status() map[string]any
}

// PublisherRef 告警通道，nil 表示只写日志
type PublisherRef interface {
	IsConnected() bool
}

// HealthServer /health、/metrics、/status
type HealthServer struct {
	addr      string
	app       AppRef
	publisher PublisherRef
	server    *http.Server
	draining  atomic.Bool
	startedAt time.Time
}

func NewHealthServer(addr string, app AppRef, publisher PublisherRef) *HealthServer {
	return &HealthServer{
		addr:      addr,
		app:       app,
		publisher: publisher,
		startedAt: time.Now(),
	}
}

func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) { writeText(w, http.StatusOK, "ok") })
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, h.snapshot()) })
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (h *HealthServer) Start() error {
	h.server = &http.Server{
		Addr:         h.addr,
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	goplus.Go(func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", h.addr).Msg("health server error")
		}
	})
	logger.Info().Str("addr", h.addr).Msg("health server started")
	return nil
}

// Stop 先标记 draining，探针立即返回 503
func (h *HealthServer) Stop(ctx context.Context) error {
	h.draining.Store(true)
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := h.snapshot()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.draining.Load() || (h.app != nil && !h.app.Ready()) {
		writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeText(w, http.StatusOK, "ok")
}

func (h *HealthServer) snapshot() HealthStatus {
	st := HealthStatus{
		Healthy:   !h.draining.Load(),
		StartedAt: h.startedAt.Format(time.RFC3339),
		Uptime:    time.Since(h.startedAt).Truncate(time.Second).String(),
	}
	if h.publisher != nil {
		st.Alerts.Channel = "nats"
		st.Alerts.Connected = h.publisher.IsConnected()
	} else {
		st.Alerts.Channel = "log"
	}
	if h.app != nil {
		st.Ready = st.Healthy && h.app.Ready()
		st.Bot = h.app.Status()
	}
	return st
}

type HealthStatus struct {
	Healthy   bool           `json:"healthy"`
	Ready     bool           `json:"ready"`
	StartedAt string         `json:"started_at"`
	Uptime    string         `json:"uptime"`
	Alerts    AlertStatus    `json:"alerts"`
	Bot       map[string]any `json:"bot,omitempty"`
}

type AlertStatus struct {
	Channel   string `json:"channel"`
	Connected bool   `json:"connected"`
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("write health response failed")
	}
}
