// Package hub wires the token service, rate limiter, registry, router,
// and correlator together into the two listening WebSocket endpoints:
// accept, handshake, authenticate, heartbeat, route, and tear down
// connections for N adapters and N clients, each authenticating over
// its own listener with a token-bearing handshake.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/iojanis/bcon-hub/internal/connection"
	"github.com/iojanis/bcon-hub/internal/control"
	"github.com/iojanis/bcon-hub/internal/correlator"
	"github.com/iojanis/bcon-hub/internal/ratelimit"
	"github.com/iojanis/bcon-hub/internal/registry"
	"github.com/iojanis/bcon-hub/internal/router"
	"github.com/iojanis/bcon-hub/internal/token"
	"github.com/iojanis/bcon-hub/internal/wire"
)

// Config collects the tunables a Hub is constructed with, mirroring the
// options table's runtime knobs.
type Config struct {
	AdapterAddr   string
	ClientAddr    string
	ControlAddr   string

	AllowedOrigins []string

	RateLimits ratelimit.Limits

	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	AuthTimeout       time.Duration
	CommandTimeout    time.Duration
	ShutdownTimeout   time.Duration

	CorrelatorCapacity int
	SendQueueSize      int

	EventPaceHz    float64
	EventPaceBurst int

	StatsEnabled bool
}

// Hub owns both listeners and every live connection.
type Hub struct {
	cfg       Config
	log       *slog.Logger
	startedAt time.Time

	tokens *token.Service
	limit  *ratelimit.Limiter
	reg    *registry.Registry
	corr   *correlator.Correlator
	route  *router.Router

	nextID atomic.Uint64

	mu    sync.RWMutex
	conns map[registry.ConnID]*connection.Conn

	adapterServer *http.Server
	clientServer  *http.Server
	controlServer *control.Server

	wg sync.WaitGroup
}

// New constructs a Hub. tokens must already be validated (secrets of
// sufficient length); New itself performs no fallible setup. The
// limiter, correlator, and router are constructed lazily in Run, whose
// context governs their background sweep goroutines' lifetime.
func New(cfg Config, tokens *token.Service, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 128
	}

	h := &Hub{
		cfg:       cfg,
		log:       log,
		startedAt: time.Now(),
		tokens:    tokens,
		conns:     make(map[registry.ConnID]*connection.Conn),
		reg:       registry.New(),
	}
	h.controlServer = control.New(cfg.ControlAddr, cfg.StatsEnabled, h.snapshot, log.With("component", "control"))
	return h
}

func (h *Hub) snapshot() control.Snapshot {
	regStats := h.reg.Stats()
	rlStats := h.limit.Stats()
	corrStats := h.corr.Stats()
	return control.Snapshot{
		Adapters:         regStats.Adapters,
		Clients:          regStats.Clients,
		RateLimitBuckets: rlStats.Buckets,
		RateLimitBans:    rlStats.Bans,
		PendingCommands:  corrStats.Pending,
		Timeouts:         corrStats.Timeouts,
		DroppedReplies:   corrStats.DroppedReplies,
		Overflows:        corrStats.Overflows,
	}
}

// Run starts both listeners (and the control plane, if configured) and
// blocks until ctx is canceled, at which point it drives the shutdown
// sequence: stop accepting, close every connection with a going-away
// status, wait up to ShutdownTimeout, then return.
func (h *Hub) Run(ctx context.Context) error {
	h.limit = ratelimit.New(ctx, h.cfg.RateLimits, h.log.With("component", "ratelimit"))
	h.corr = correlator.New(ctx, h.cfg.CorrelatorCapacity, time.Second, h.log.With("component", "correlator"))
	h.route = router.New(h.reg, h.corr, nil, h.cfg.CommandTimeout, h.log.With("component", "router"))

	adapterMux := http.NewServeMux()
	adapterMux.HandleFunc("/", h.handleAdapterUpgrade)
	h.adapterServer = &http.Server{
		Addr:              h.cfg.AdapterAddr,
		Handler:           adapterMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	clientMux := http.NewServeMux()
	clientMux.HandleFunc("/health", h.handleHealthHTTP)
	clientMux.HandleFunc("/", h.handleClientUpgrade)
	h.clientServer = &http.Server{
		Addr:              h.cfg.ClientAddr,
		Handler:           clientMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 3)
	go func() {
		h.log.Info("adapter_listener_starting", "addr", h.cfg.AdapterAddr)
		errs <- h.adapterServer.ListenAndServe()
	}()
	go func() {
		h.log.Info("client_listener_starting", "addr", h.cfg.ClientAddr)
		errs <- h.clientServer.ListenAndServe()
	}()
	if h.cfg.ControlAddr != "" {
		go func() {
			h.log.Info("control_listener_starting", "addr", h.cfg.ControlAddr)
			errs <- h.controlServer.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		h.log.Info("shutdown_signal")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	return h.shutdown()
}

func (h *Hub) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ShutdownTimeout)
	defer cancel()

	_ = h.adapterServer.Shutdown(shutdownCtx)
	_ = h.clientServer.Shutdown(shutdownCtx)
	if h.controlServer != nil {
		_ = h.controlServer.Shutdown(shutdownCtx)
	}

	h.mu.RLock()
	live := make([]*connection.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		live = append(live, c)
	}
	h.mu.RUnlock()

	for _, c := range live {
		c.Close(websocket.StatusGoingAway, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		h.log.Warn("shutdown_timeout_exceeded")
	}
	return nil
}

func (h *Hub) register(c *connection.Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(id registry.ConnID) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) lookup(id registry.ConnID) (router.Sender, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) acceptOptions() *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled}
	if len(h.cfg.AllowedOrigins) > 0 && h.cfg.AllowedOrigins[0] != "*" {
		opts.OriginPatterns = h.cfg.AllowedOrigins
	}
	return opts
}

func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, p := range strings.Split(xff, ",") {
			if c := strings.TrimSpace(p); c != "" {
				return c
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, prefix))
	}
	return ""
}

// writeRateLimitRejection translates a non-Allow ratelimit.Decision into
// the HTTP response spec.md §7 specifies: an active ban closes the
// attempt with 403 (the upgrade never proceeds), a quota violation with
// 429, matching "Rate limit at upgrade: HTTP 429 Too Many Requests".
func writeRateLimitRejection(w http.ResponseWriter, decision ratelimit.Decision) {
	if decision == ratelimit.RejectBanned {
		http.Error(w, "banned", http.StatusForbidden)
		return
	}
	http.Error(w, "rate limited", http.StatusTooManyRequests)
}

// handleAdapterUpgrade implements the adapter-side handshake: the token
// is presented as an Authorization: Bearer header on the HTTP upgrade
// itself, not as a first frame, since an adapter connection carries no
// guest fallback.
func (h *Hub) handleAdapterUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if h.limit.IsBanned(ip) {
		http.Error(w, "banned", http.StatusForbidden)
		return
	}

	// ACCEPTED ──(rate_limit ok)──► AWAITING_AUTH: every adapter upgrade
	// attempt draws on the unauthenticated_adapter_attempts_per_minute
	// budget until the bearer token is verified, so this single call both
	// gates admission and accrues violations toward a ban on repeated
	// failures.
	if decision := h.limit.OnUnauthAdapterAttempt(ip); decision != ratelimit.Allow {
		writeRateLimitRejection(w, decision)
		return
	}

	raw := bearerToken(r)
	if raw == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	claims, err := h.tokens.Verify(raw, token.KindAdapter)
	if err != nil {
		h.log.Warn("adapter_auth_failed", "remote_ip", ip, "err", err.Error())
		http.Error(w, "auth failed", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.log.Error("adapter_accept_failed", "remote_ip", ip, "err", err.Error())
		return
	}

	id := registry.ConnID(h.nextID.Add(1))
	c := connection.New(context.WithoutCancel(r.Context()), id, connection.PeerAdapter, ws, ip, connection.Config{
		QueueSize:    h.cfg.SendQueueSize,
		WriteTimeout: 5 * time.Second,
	}, h.log.With("component", "connection", "conn_id", id))
	c.ServerID = claims.ServerID
	c.SetState(connection.Authenticated)

	prev, displaced := h.reg.AddAdapter(claims.ServerID, id)
	if displaced {
		h.log.Info("adapter_displaced", "server_id", claims.ServerID, "previous_conn_id", prev, "new_conn_id", id)
		if old, ok := h.lookupConn(prev); ok {
			old.Close(websocket.StatusPolicyViolation, "displaced by new connection")
		}
	}

	h.register(c)
	c.StartWriter()
	h.log.Info("adapter_connected", "server_id", claims.ServerID, "conn_id", id, "remote_ip", ip)

	h.wg.Add(1)
	go h.runAdapterConn(c)
}

func (h *Hub) lookupConn(id registry.ConnID) (*connection.Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

func (h *Hub) runAdapterConn(c *connection.Conn) {
	defer h.wg.Done()
	defer h.teardownAdapter(c)

	go h.heartbeatLoop(c)

	for {
		_, data, err := c.Underlying().Read(c.Context())
		if err != nil {
			return
		}
		c.Touch()
		h.handleAdapterFrame(c, data)
	}
}

func (h *Hub) handleAdapterFrame(c *connection.Conn, data []byte) {
	eventType, err := wire.PeekEventType(data)
	if err != nil {
		h.log.Warn("adapter_frame_invalid", "conn_id", c.ID, "err", err.Error())
		return
	}

	switch eventType {
	case "command_result":
		reply, err := wire.DecodeReply(data)
		if err != nil {
			h.log.Warn("adapter_reply_invalid", "conn_id", c.ID, "err", err.Error())
			return
		}
		h.route.RouteReply(reply)
	default:
		env, err := wire.DecodeEventEnvelope(data)
		if err != nil {
			h.log.Warn("adapter_event_invalid", "conn_id", c.ID, "err", err.Error())
			return
		}
		h.route.RouteEvent(c.ServerID, env, h.lookup)
	}
}

func (h *Hub) teardownAdapter(c *connection.Conn) {
	h.reg.RemoveAdapter(c.ServerID, c.ID)
	h.unregister(c.ID)
	code, reason := c.CloseReason()
	c.Close(code, reason)
	h.log.Info("adapter_disconnected", "server_id", c.ServerID, "conn_id", c.ID)
}

// handleHealthHTTP serves GET /health as a plain HTTP response on the
// client listener, out-of-band of the WebSocket upgrade, per the
// control-surface requirement that the client port double as a health
// check without needing the optional control listener.
func (h *Hub) handleHealthHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status   string `json:"status"`
		UptimeS  int64  `json:"uptime_s"`
		Adapters int    `json:"adapters"`
		Clients  int    `json:"clients"`
	}{
		Status:   "ok",
		UptimeS:  int64(time.Since(h.startedAt).Seconds()),
		Adapters: snap.Adapters,
		Clients:  snap.Clients,
	})
}

// handleClientUpgrade implements the client-side handshake: accept first,
// then read the first frame within AuthTimeout looking for an auth
// frame. A guest that never sends one is promoted to role=guest once the
// timeout elapses, per the documented deterministic choice.
func (h *Hub) handleClientUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if h.limit.IsBanned(ip) {
		http.Error(w, "banned", http.StatusForbidden)
		return
	}

	// ACCEPTED ──(rate_limit ok)──► AWAITING_AUTH: the client's role isn't
	// known until the auth frame is read, so the admission gate draws on
	// the guest budget, the lowest tier and the nearest fit for an
	// as-yet-unauthenticated connection attempt.
	if decision := h.limit.Check(ip, ratelimit.RoleGuest); decision != ratelimit.Allow {
		writeRateLimitRejection(w, decision)
		return
	}

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.log.Error("client_accept_failed", "remote_ip", ip, "err", err.Error())
		return
	}

	id := registry.ConnID(h.nextID.Add(1))
	c := connection.New(context.WithoutCancel(r.Context()), id, connection.PeerClient, ws, ip, connection.Config{
		QueueSize:    h.cfg.SendQueueSize,
		WriteTimeout: 5 * time.Second,
		PaceEventsHz: h.cfg.EventPaceHz,
		PaceBurst:    h.cfg.EventPaceBurst,
	}, h.log.With("component", "connection", "conn_id", id))

	role, ok := h.clientHandshake(c, ip)
	if !ok {
		return
	}
	c.Role = role
	c.SetState(connection.Authenticated)

	h.reg.AddClient(id, registry.Role(role))
	h.register(c)
	c.StartWriter()
	h.log.Info("client_connected", "conn_id", id, "role", role, "remote_ip", ip)

	h.wg.Add(1)
	go h.runClientConn(c)
}

// clientHandshake reads the first frame with an AuthTimeout deadline. On
// a decode/verify failure it closes with 4401; on timeout it falls back
// to role=guest; the returned bool is false only when the connection was
// already closed and the caller must not proceed.
func (h *Hub) clientHandshake(c *connection.Conn, ip string) (token.Role, bool) {
	readCtx, cancel := context.WithTimeout(c.Context(), h.cfg.AuthTimeout)
	defer cancel()

	_, data, err := c.Underlying().Read(readCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return token.RoleGuest, true
		}
		c.Close(websocket.StatusCode(4408), "handshake timeout")
		return "", false
	}

	frame, err := wire.DecodeAuthFrame(data)
	if err != nil {
		h.limit.Check(ip, ratelimit.RoleGuest)
		h.log.Warn("client_auth_frame_invalid", "conn_id", c.ID, "remote_ip", ip, "err", err.Error())
		c.Close(websocket.StatusCode(4401), "auth failed")
		return "", false
	}

	claims, err := h.tokens.Verify(frame.Data.Token, token.KindClient)
	if err != nil {
		h.limit.Check(ip, ratelimit.RoleGuest)
		h.log.Warn("client_auth_failed", "conn_id", c.ID, "remote_ip", ip, "err", err.Error())
		c.Close(websocket.StatusCode(4401), "auth failed")
		return "", false
	}
	c.Touch()
	return claims.Role, true
}

func (h *Hub) runClientConn(c *connection.Conn) {
	defer h.wg.Done()
	defer h.teardownClient(c)

	go h.heartbeatLoop(c)

	for {
		_, data, err := c.Underlying().Read(c.Context())
		if err != nil {
			return
		}
		c.Touch()

		if decision := h.limit.Check(c.RemoteAddr, ratelimit.Role(c.Role)); decision != ratelimit.Allow {
			continue
		}
		h.handleClientFrame(c, data)
	}
}

func (h *Hub) handleClientFrame(c *connection.Conn, data []byte) {
	eventType, err := wire.PeekEventType(data)
	if err != nil {
		h.log.Warn("client_frame_invalid", "conn_id", c.ID, "err", err.Error())
		return
	}

	switch eventType {
	case "execute_command":
		cmd, err := wire.DecodeExecuteCommand(data)
		if err != nil {
			h.log.Warn("client_command_invalid", "conn_id", c.ID, "err", err.Error())
			return
		}
		h.dispatchCommand(c, cmd)
	case "subscribe":
		sub, err := wire.DecodeSubscribe(data)
		if err != nil {
			h.log.Warn("client_subscribe_invalid", "conn_id", c.ID, "err", err.Error())
			return
		}
		if err := h.route.Subscribe(c.ID, token.Role(c.Role), sub.Data.ServerID); err != nil {
			h.log.Info("client_subscribe_rejected", "conn_id", c.ID, "err", err.Error())
		}
	case "unsubscribe":
		sub, err := wire.DecodeSubscribe(data)
		if err != nil {
			return
		}
		h.route.Unsubscribe(c.ID, sub.Data.ServerID)
	default:
		h.log.Warn("client_unknown_event_type", "conn_id", c.ID, "event_type", eventType)
	}
}

func (h *Hub) dispatchCommand(c *connection.Conn, cmd wire.ExecuteCommandFrame) {
	newSink := func(messageID string) correlator.ResultSink {
		return func(o correlator.Outcome) {
			payload, err := router.EncodeOutcomeForClient(messageID, o)
			if err != nil {
				return
			}
			if err := c.EnqueueControl(payload); err != nil {
				h.log.Warn("client_reply_dropped", "conn_id", c.ID, "err", err.Error())
			}
		}
	}

	messageID, err := h.route.RouteCommand(c.ID, token.Role(c.Role), cmd, h.lookup, newSink)
	if err != nil {
		h.log.Info("client_command_rejected", "conn_id", c.ID, "err", err.Error())
		// A non-empty messageID means the correlator already registered the
		// request and its sink has (or will have) already delivered a
		// command_result via correlator.Fail — sending a second reply here
		// would violate the exactly-once delivery guarantee. Only reply
		// directly when RouteCommand rejected the command before ever
		// registering it (no messageID was minted).
		if messageID == "" {
			errPayload, encErr := router.EncodeOutcomeForClient(messageID, correlator.Outcome{Success: false, Error: err.Error()})
			if encErr == nil {
				_ = c.EnqueueControl(errPayload)
			}
		}
	}
}

func (h *Hub) teardownClient(c *connection.Conn) {
	h.reg.RemoveClient(c.ID)
	h.unregister(c.ID)
	code, reason := c.CloseReason()
	c.Close(code, reason)
	h.log.Info("client_disconnected", "conn_id", c.ID, "role", c.Role)
}

// heartbeatLoop pings on HeartbeatInterval and closes the connection if
// no activity has been observed within ConnectionTimeout. It never holds
// any lock while sending; Ping writes directly to the socket.
func (h *Hub) heartbeatLoop(c *connection.Conn) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Context().Done():
			return
		case <-ticker.C:
			if time.Since(c.LastActivity()) >= h.cfg.ConnectionTimeout {
				c.Close(websocket.StatusPolicyViolation, "connection timeout")
				return
			}
			pingCtx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close(websocket.StatusInternalError, "ping failed")
				return
			}
			c.TouchPong()
		}
	}
}
