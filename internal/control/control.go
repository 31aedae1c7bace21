// Package control implements the optional HTTP control plane: /health,
// /stats, and /metrics, plus the graceful-shutdown orchestration the main
// binary drives on SIGINT/SIGTERM.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is the point-in-time counters the control plane exposes.
type Snapshot struct {
	Adapters         int
	Clients          int
	RateLimitBuckets int
	RateLimitBans    int
	PendingCommands  int
	Timeouts         int64
	DroppedReplies   int64
	Overflows        int64
}

// SnapshotFunc is called fresh on every /stats request; the control
// plane holds no counters of its own.
type SnapshotFunc func() Snapshot

// Server is the control-plane HTTP listener.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
	startedAt  time.Time
}

// New constructs a Server bound to addr. statsEnabled gates the /stats
// endpoint; /health and /metrics are always served.
func New(addr string, statsEnabled bool, snapshot SnapshotFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{log: log, startedAt: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth(snapshot))
	mux.Handle("/metrics", promhttp.Handler())
	if statsEnabled {
		mux.HandleFunc("/stats", s.handleStats(snapshot))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the control plane until the listener is
// closed via Shutdown.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the control-plane listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthBody struct {
	Status   string `json:"status"`
	UptimeS  int64  `json:"uptime_s"`
	Adapters int    `json:"adapters"`
	Clients  int    `json:"clients"`
}

func (s *Server) handleHealth(snapshot SnapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := snapshot()
		body := healthBody{
			Status:   "ok",
			UptimeS:  int64(time.Since(s.startedAt).Seconds()),
			Adapters: snap.Adapters,
			Clients:  snap.Clients,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

type statsBody struct {
	Adapters         int   `json:"adapters"`
	Clients          int   `json:"clients"`
	RateLimitBuckets int   `json:"rate_limit_buckets"`
	RateLimitBans    int   `json:"rate_limit_bans"`
	PendingCommands  int   `json:"pending_commands"`
	Timeouts         int64 `json:"command_timeouts"`
	DroppedReplies   int64 `json:"dropped_replies"`
	Overflows        int64 `json:"correlator_overflows"`
}

func (s *Server) handleStats(snapshot SnapshotFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := snapshot()
		body := statsBody{
			Adapters:         snap.Adapters,
			Clients:          snap.Clients,
			RateLimitBuckets: snap.RateLimitBuckets,
			RateLimitBans:    snap.RateLimitBans,
			PendingCommands:  snap.PendingCommands,
			Timeouts:         snap.Timeouts,
			DroppedReplies:   snap.DroppedReplies,
			Overflows:        snap.Overflows,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &responseLogger{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.Debug("control_http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", requestIP(r),
		)
	})
}

type responseLogger struct {
	http.ResponseWriter
	status int
}

func (r *responseLogger) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
