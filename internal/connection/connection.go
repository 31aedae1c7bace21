// Package connection implements the per-socket Connection record and its
// state machine: a bounded outbound send queue with a dedicated writer
// goroutine, and the Handshaking → Authenticated → Closing → Closed
// lifecycle. Supports N adapters and N clients with per-recipient FIFO
// ordering and two distinct backpressure policies: drop-oldest for
// events, reject for command replies.
package connection

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/iojanis/bcon-hub/internal/registry"
	"github.com/iojanis/bcon-hub/internal/token"
)

// State is the connection lifecycle.
type State int32

const (
	Handshaking State = iota
	Authenticated
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Authenticated:
		return "authenticated"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerKind distinguishes the two listener sides.
type PeerKind string

const (
	PeerAdapter PeerKind = "adapter"
	PeerClient  PeerKind = "client"
)

// outboundKind tags a queued frame with the backpressure policy it
// requires on enqueue: events drop the oldest queued frame to make room;
// command responses/requests are rejected outright so the correlator can
// surface a delivery failure instead of silently losing control traffic.
type outboundKind int

const (
	kindEvent outboundKind = iota
	kindControl
)

type outboundFrame struct {
	kind outboundKind
	data []byte
}

// ErrQueueFull is returned by Enqueue when a control-kind frame is
// rejected because the send queue has no room.
var ErrQueueFull = errQueueFull{}

type errQueueFull struct{}

func (errQueueFull) Error() string { return "connection: send queue full" }

// Conn is the mutable per-socket record. Exported fields
// set once at construction are safe to read without synchronization;
// fields mutated after construction go through the accessor methods,
// which use atomics or the embedded mutex as appropriate so that the
// reader task, writer task, heartbeat task, and router never race.
type Conn struct {
	ID         registry.ConnID
	PeerKind   PeerKind
	RemoteAddr string
	ConnectedAt time.Time

	// Role and ServerID are set once during the handshake and read-only
	// thereafter (an adapter's server_id and a client's role never change
	// for the lifetime of the connection).
	Role     token.Role
	ServerID string

	ws  *websocket.Conn
	log *slog.Logger

	state atomic.Int32

	lastActivity atomic.Int64 // unix nanos
	lastPong     atomic.Int64 // unix nanos

	queue      chan outboundFrame
	queueMu    sync.Mutex
	writerOnce sync.Once
	closeOnce  sync.Once

	pacer *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	writeTimeout time.Duration

	// closeCode/closeReason are the values sent on the eventual
	// conn.Close(); set by whichever task decides to tear the connection
	// down (handshake failure, heartbeat timeout, protocol error, peer
	// close, shutdown).
	closeCode   websocket.StatusCode
	closeReason string
}

// Config configures a new Conn.
type Config struct {
	QueueSize     int
	WriteTimeout  time.Duration
	PaceEventsHz  float64 // 0 disables pacing
	PaceBurst     int
}

// New constructs a Conn wrapping an already-upgraded WebSocket. The
// connection starts in the Handshaking state.
func New(parent context.Context, id registry.ConnID, kind PeerKind, ws *websocket.Conn, remoteAddr string, cfg Config, log *slog.Logger) *Conn {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)

	c := &Conn{
		ID:           id,
		PeerKind:     kind,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  time.Now(),
		ws:           ws,
		log:          log,
		queue:        make(chan outboundFrame, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
		writeTimeout: cfg.WriteTimeout,
		closeCode:    websocket.StatusNormalClosure,
		closeReason:  "normal closure",
	}
	if cfg.PaceEventsHz > 0 {
		burst := cfg.PaceBurst
		if burst <= 0 {
			burst = 1
		}
		c.pacer = rate.NewLimiter(rate.Limit(cfg.PaceEventsHz), burst)
	}
	now := time.Now().UnixNano()
	c.lastActivity.Store(now)
	c.lastPong.Store(now)
	c.state.Store(int32(Handshaking))
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// SetState transitions the connection to s.
func (c *Conn) SetState(s State) { c.state.Store(int32(s)) }

// Touch records activity (any inbound frame, or a reader loop that's
// simply still running) for the heartbeat task's inactivity check.
func (c *Conn) Touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// TouchPong records receipt of a pong frame.
func (c *Conn) TouchPong() {
	now := time.Now().UnixNano()
	c.lastActivity.Store(now)
	c.lastPong.Store(now)
}

// LastActivity returns the time of the connection's most recent activity.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// EnqueueEvent queues an outbound event frame. If the queue is full, the
// oldest queued event is dropped to make room. Control frames already
// queued are never dropped to make room for an event.
func (c *Conn) EnqueueEvent(data []byte) {
	frame := outboundFrame{kind: kindEvent, data: data}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()

	select {
	case c.queue <- frame:
		return
	default:
	}

	// Queue full: drop the oldest *event* frame, preserving any queued
	// control frames, then retry once.
	c.dropOldestEventLocked()
	select {
	case c.queue <- frame:
	default:
		c.log.Warn("event_dropped_queue_saturated", "conn_id", c.ID)
	}
}

// dropOldestEventLocked must be called with queueMu held. It drains the
// queue looking for the first event-kind frame to discard, re-enqueuing
// any control frames it has to pop past.
func (c *Conn) dropOldestEventLocked() {
	var requeue []outboundFrame
	for {
		select {
		case f := <-c.queue:
			if f.kind == kindEvent {
				for _, r := range requeue {
					c.queue <- r
				}
				return
			}
			requeue = append(requeue, f)
		default:
			for _, r := range requeue {
				c.queue <- r
			}
			return
		}
	}
}

// EnqueueControl queues an outbound control-kind frame (a command or a
// command_result reply). Unlike events, a full queue rejects the frame
// outright so the caller (router/correlator) can surface the failure
// instead of silently dropping control traffic.
func (c *Conn) EnqueueControl(data []byte) error {
	select {
	case c.queue <- outboundFrame{kind: kindControl, data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// StartWriter launches the connection's single writer goroutine, which
// drains the send queue and never holds any lock while performing the
// socket write.
func (c *Conn) StartWriter() {
	c.writerOnce.Do(func() {
		go c.writeLoop()
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.queue:
			if !ok {
				return
			}
			if c.pacer != nil && frame.kind == kindEvent {
				_ = c.pacer.Wait(c.ctx)
			}
			writeCtx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame.data)
			cancel()
			if err != nil {
				c.log.Warn("write_failed", "conn_id", c.ID, "err", err.Error())
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Ping sends a WebSocket ping without holding any application-level lock.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// Underlying exposes the raw *websocket.Conn for the reader loop, which
// lives in the connection manager (hub package) so it can dispatch
// decoded frames into the router/correlator.
func (c *Conn) Underlying() *websocket.Conn { return c.ws }

// Context returns the connection's lifetime context, canceled on Close.
func (c *Conn) Context() context.Context { return c.ctx }

// Close transitions the connection to Closed and closes the underlying
// socket with the given status/reason. Safe to call more than once; only
// the first call takes effect.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.SetState(Closing)
		c.closeCode = code
		c.closeReason = reason
		c.cancel()
		_ = c.ws.Close(code, reason)
		c.SetState(Closed)
	})
}

// CloseReason returns the code/reason the connection was (or will be)
// closed with.
func (c *Conn) CloseReason() (websocket.StatusCode, string) {
	return c.closeCode, c.closeReason
}
