// Package correlator pairs a client-originated command with its adapter
// reply via a message_id, honoring per-request deadlines and surfacing
// exactly one outcome to the originating sink.
package correlator

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal result delivered to a pending request's sink.
type Outcome struct {
	Success bool
	Result  []byte
	Error   string
}

// ResultSink receives exactly one Outcome, either from a matching reply or
// from expiry/overflow/delivery failure. Implementations must not block.
type ResultSink func(Outcome)

// PendingRequest tracks one in-flight command awaiting a reply.
type PendingRequest struct {
	MessageID string
	OriginID  uint64 // origin_connection_id, left generic over registry.ConnID
	IssuedAt  time.Time
	Deadline  time.Time
	sink      ResultSink
	elem      *list.Element // this request's node in order, removed whenever req leaves pending
}

// Correlator is a bounded message_id -> PendingRequest map. A single
// background sweeper expires stale entries, and the map size is capped
// to bound memory under a stalled or malicious adapter.
type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*PendingRequest
	capacity int
	order    *list.List // insertion order of message ids still pending, for O(1) oldest-first eviction

	log *slog.Logger

	droppedReplies int64
	timeouts       int64
	overflows      int64
}

// New constructs a Correlator with the given capacity (default 10k) and
// starts its sweeper, which runs until ctx is done.
func New(ctx context.Context, capacity int, sweepInterval time.Duration, log *slog.Logger) *Correlator {
	if capacity <= 0 {
		capacity = 10_000
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Correlator{
		pending:  make(map[string]*PendingRequest),
		capacity: capacity,
		order:    list.New(),
		log:      log,
	}
	go c.sweepLoop(ctx, sweepInterval)
	return c
}

// NewMessageID generates a globally unique message id.
func NewMessageID() string {
	return uuid.NewString()
}

// Register records a new pending request with the given deadline. It
// returns false (and registers nothing) if messageID already has a
// pending entry; callers should treat that as a protocol error.
func (c *Correlator) Register(messageID string, originID uint64, deadline time.Time, sink ResultSink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[messageID]; exists {
		return false
	}

	if len(c.pending) >= c.capacity {
		c.evictOldestLocked()
	}

	req := &PendingRequest{
		MessageID: messageID,
		OriginID:  originID,
		IssuedAt:  time.Now(),
		Deadline:  deadline,
		sink:      sink,
	}
	req.elem = c.order.PushBack(messageID)
	c.pending[messageID] = req
	return true
}

// removeLocked drops messageID from both pending and order. Caller must
// hold c.mu. Every path that takes a request out of pending — Resolve,
// Fail, sweepOnce, evictOldestLocked — must go through this so the two
// stay in lockstep; order is the only structure evictOldestLocked can use
// to find the oldest survivor in O(1), and it only works if entries that
// are already resolved/failed/expired are pruned from it immediately
// instead of accumulating for the life of the process.
func (c *Correlator) removeLocked(req *PendingRequest) {
	delete(c.pending, req.MessageID)
	c.order.Remove(req.elem)
}

// evictOldestLocked expires the oldest entry with an overloaded outcome
// when capacity is reached, bounding memory. Caller must hold c.mu.
func (c *Correlator) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	oldest := front.Value.(string)
	req, ok := c.pending[oldest]
	if !ok {
		c.order.Remove(front)
		return
	}
	c.removeLocked(req)
	c.overflows++
	sink := req.sink
	go sink(Outcome{Success: false, Error: "overloaded"})
}

// Resolve matches an adapter reply to its pending request and delivers
// the outcome exactly once. If no entry matches — a late or duplicate
// reply — it is dropped and counted.
func (c *Correlator) Resolve(messageID string, success bool, result []byte, errMsg string) {
	c.mu.Lock()
	req, ok := c.pending[messageID]
	if ok {
		c.removeLocked(req)
	} else {
		c.droppedReplies++
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("correlator_reply_dropped", "message_id", messageID)
		return
	}

	req.sink(Outcome{Success: success, Result: result, Error: errMsg})
}

// Fail resolves a pending request immediately with a delivery failure,
// used when the router cannot enqueue the command on the target adapter.
func (c *Correlator) Fail(messageID string, reason string) {
	c.mu.Lock()
	req, ok := c.pending[messageID]
	if ok {
		c.removeLocked(req)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	req.sink(Outcome{Success: false, Error: reason})
}

// Stats reports counters for the optional control-plane /stats surface.
type Stats struct {
	Pending        int
	Timeouts       int64
	DroppedReplies int64
	Overflows      int64
}

// Stats returns a snapshot of correlator counters.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Pending:        len(c.pending),
		Timeouts:       c.timeouts,
		DroppedReplies: c.droppedReplies,
		Overflows:      c.overflows,
	}
}

// sweepLoop expires pending requests past their deadline, delivering a
// timeout outcome to each. Timeouts are an expected outcome, not a fault,
// so they're never logged above debug.
func (c *Correlator) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweepOnce(now)
		}
	}
}

func (c *Correlator) sweepOnce(now time.Time) {
	var expired []*PendingRequest

	c.mu.Lock()
	for _, req := range c.pending {
		if !now.Before(req.Deadline) {
			expired = append(expired, req)
		}
	}
	for _, req := range expired {
		c.removeLocked(req)
	}
	if len(expired) > 0 {
		c.timeouts += int64(len(expired))
	}
	c.mu.Unlock()

	for _, req := range expired {
		req.sink(Outcome{Success: false, Error: "timeout"})
	}
}
