package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iojanis/bcon-hub/internal/correlator"
	"github.com/iojanis/bcon-hub/internal/registry"
	"github.com/iojanis/bcon-hub/internal/token"
	"github.com/iojanis/bcon-hub/internal/wire"
)

type fakeSender struct {
	events   [][]byte
	controls [][]byte
	rejectControl bool
}

func (f *fakeSender) EnqueueEvent(data []byte) { f.events = append(f.events, data) }
func (f *fakeSender) EnqueueControl(data []byte) error {
	if f.rejectControl {
		return assert.AnError
	}
	f.controls = append(f.controls, data)
	return nil
}

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *correlator.Correlator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := registry.New()
	corr := correlator.New(ctx, 100, time.Hour, nil)
	return New(reg, corr, nil, time.Hour, nil), reg, corr
}

func TestSubscribe_RejectsUnknownServerID(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	reg.AddClient(1, registry.RolePlayer)

	err := r.Subscribe(1, token.RolePlayer, "mc-1")
	assert.Error(t, err)
}

func TestSubscribe_SucceedsForKnownServer(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	reg.AddAdapter("mc-1", 99)
	reg.AddClient(1, registry.RolePlayer)

	err := r.Subscribe(1, token.RolePlayer, "mc-1")
	require.NoError(t, err)
	assert.True(t, reg.IsSubscribed(1, "mc-1"))
}

func TestRouteEvent_FansOutToSystemAndSubscribed(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	reg.AddClient(1, registry.RoleSystem)
	reg.AddClient(2, registry.RolePlayer)
	reg.AddClient(3, registry.RolePlayer)
	reg.Subscribe(2, "mc-1")

	senders := map[registry.ConnID]*fakeSender{1: {}, 2: {}, 3: {}}
	lookup := func(id registry.ConnID) (Sender, bool) {
		s, ok := senders[id]
		return s, ok
	}

	r.RouteEvent("mc-1", wire.EventEnvelope{EventType: "chat", Data: json.RawMessage(`{}`)}, lookup)

	assert.Len(t, senders[1].events, 1, "system client receives every event")
	assert.Len(t, senders[2].events, 1, "subscribed client receives the event")
	assert.Empty(t, senders[3].events, "unsubscribed client receives nothing")
}

func TestRouteCommand_GuestRejected(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	reg.AddAdapter("mc-1", 99)

	cmd := wire.ExecuteCommandFrame{Data: wire.ExecuteCommandData{ServerID: "mc-1", Command: "say"}}
	_, err := r.RouteCommand(1, token.RoleGuest, cmd, func(registry.ConnID) (Sender, bool) { return nil, false }, func(string) correlator.ResultSink { return func(correlator.Outcome) {} })
	assert.Error(t, err)
}

func TestRouteCommand_PlayerAllowListEnforced(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	reg.AddAdapter("mc-1", 99)
	sender := &fakeSender{}
	lookup := func(registry.ConnID) (Sender, bool) { return sender, true }

	allowed := wire.ExecuteCommandFrame{Data: wire.ExecuteCommandData{ServerID: "mc-1", Command: "say"}}
	_, err := r.RouteCommand(1, token.RolePlayer, allowed, lookup, func(string) correlator.ResultSink { return func(correlator.Outcome) {} })
	assert.NoError(t, err)
	assert.Len(t, sender.controls, 1)

	disallowed := wire.ExecuteCommandFrame{Data: wire.ExecuteCommandData{ServerID: "mc-1", Command: "ban"}}
	_, err = r.RouteCommand(1, token.RolePlayer, disallowed, lookup, func(string) correlator.ResultSink { return func(correlator.Outcome) {} })
	assert.Error(t, err)
}

func TestRouteCommand_UnknownServerRejected(t *testing.T) {
	r, _, _ := newTestRouter(t)
	cmd := wire.ExecuteCommandFrame{Data: wire.ExecuteCommandData{ServerID: "ghost", Command: "say"}}
	_, err := r.RouteCommand(1, token.RoleAdmin, cmd, func(registry.ConnID) (Sender, bool) { return nil, false }, func(string) correlator.ResultSink { return func(correlator.Outcome) {} })
	assert.Error(t, err)
}

func TestRouteCommand_QueueFullFailsCorrelator(t *testing.T) {
	r, reg, _ := newTestRouter(t)
	reg.AddAdapter("mc-1", 99)
	sender := &fakeSender{rejectControl: true}
	lookup := func(registry.ConnID) (Sender, bool) { return sender, true }

	done := make(chan correlator.Outcome, 1)
	cmd := wire.ExecuteCommandFrame{Data: wire.ExecuteCommandData{ServerID: "mc-1", Command: "say"}}
	_, err := r.RouteCommand(1, token.RoleAdmin, cmd, lookup, func(string) correlator.ResultSink { return func(o correlator.Outcome) { done <- o } })
	assert.Error(t, err)

	select {
	case o := <-done:
		assert.False(t, o.Success)
		assert.Equal(t, "delivery_failed", o.Error)
	case <-time.After(time.Second):
		t.Fatal("expected correlator to be failed immediately")
	}
}

func TestRouteReply_ResolvesCorrelator(t *testing.T) {
	r, _, corr := newTestRouter(t)

	done := make(chan correlator.Outcome, 1)
	id := correlator.NewMessageID()
	require.True(t, corr.Register(id, 1, time.Now().Add(time.Hour), func(o correlator.Outcome) { done <- o }))

	reply := wire.ReplyFrame{
		EventType: "command_result",
		ReplyTo:   id,
		Data:      json.RawMessage(`{"success":true,"result":"ok"}`),
	}
	r.RouteReply(reply)

	select {
	case o := <-done:
		assert.True(t, o.Success)
	case <-time.After(time.Second):
		t.Fatal("expected reply to resolve the pending request")
	}
}
