// Package monitoring serves health, status and Prometheus metrics over HTTP.
package monitoring

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-tandem/internal/engine"
	"github.com/23skdu/longbow-tandem/internal/logger"
	"github.com/23skdu/longbow-tandem/internal/metrics"
)

// HealthStatus is the /status document.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      string          `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      engine.Status   `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
	Fatal       string          `json:"fatal,omitempty"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type PerformanceInfo struct {
	TokensTotal     int64     `json:"tokens_total"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	LastStepMs      float64   `json:"last_step_ms"`
	LastStep        time.Time `json:"last_step"`
}

// Server holds the latest engine snapshot. The engine is single-threaded,
// so the driver pushes snapshots with Update instead of the handlers
// reading the engine directly.
type Server struct {
	startTime time.Time
	server    *http.Server
	listener  net.Listener

	mu       sync.RWMutex
	status   engine.Status
	lastStep time.Time
	lastDur  time.Duration
	lastToks int
	fatal    string
}

func NewServer() *Server {
	return &Server{startTime: time.Now()}
}

// Update records the engine state after a step of tokens that took d.
func (s *Server) Update(st engine.Status, tokens int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.lastStep = time.Now()
	s.lastDur = d
	s.lastToks = tokens
}

// MarkFatal flips health to failed with the error kind.
func (s *Server) MarkFatal(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatal = kind
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("Monitoring server starting", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Monitoring server error", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if st.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{
		"status":    st.Status,
		"timestamp": st.Timestamp.Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Snapshot())
}

// Snapshot assembles the status document.
func (s *Server) Snapshot() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := "healthy"
	switch {
	case s.fatal != "":
		status = "failed"
	case !s.status.Loaded:
		status = "starting"
	}
	perf := PerformanceInfo{
		TokensTotal: metrics.TotalTokens(),
		LastStep:    s.lastStep,
		LastStepMs:  float64(s.lastDur.Microseconds()) / 1000,
	}
	if s.lastDur > 0 {
		perf.TokensPerSecond = float64(s.lastToks) / s.lastDur.Seconds()
	}
	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		System:      systemInfo(),
		Engine:      s.status,
		Performance: perf,
		Fatal:       s.fatal,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
