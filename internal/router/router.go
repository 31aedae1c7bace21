// Package router implements message routing and command authorization:
// fan-out of adapter events to system and subscribed clients, role-gated
// dispatch of client commands to their target adapter, and wiring
// adapter replies back through the correlator.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/iojanis/bcon-hub/internal/correlator"
	"github.com/iojanis/bcon-hub/internal/registry"
	"github.com/iojanis/bcon-hub/internal/token"
	"github.com/iojanis/bcon-hub/internal/wire"
)

// Sender is the subset of connection.Conn the router needs to deliver a
// frame. Routing against an interface instead of the concrete connection
// type keeps this package free of any dependency on the transport layer.
type Sender interface {
	EnqueueEvent(data []byte)
	EnqueueControl(data []byte) error
}

// Lookup resolves connection ids to their live Sender, returning false
// once a connection has torn down and been removed from the manager's
// live set (a router operation racing teardown is expected, not an
// error).
type Lookup func(id registry.ConnID) (Sender, bool)

// Policy is the per-role authorization table described in the "Policy
// summary": which commands a role may execute, and whether it may
// subscribe to adapter events at all.
type Policy struct {
	CanSubscribe  bool
	AllowAllCmds  bool
	AllowedCmds   map[string]struct{}
}

// DefaultPolicies is the built-in guest/player/admin/system table. Guests
// may not issue commands; players may issue only an explicit allow-list;
// admin and system are unrestricted.
func DefaultPolicies() map[token.Role]Policy {
	return map[token.Role]Policy{
		token.RoleGuest: {
			CanSubscribe: true,
			AllowAllCmds: false,
			AllowedCmds:  map[string]struct{}{},
		},
		token.RolePlayer: {
			CanSubscribe: true,
			AllowAllCmds: false,
			AllowedCmds: map[string]struct{}{
				"say":    {},
				"list":   {},
				"whisper": {},
			},
		},
		token.RoleAdmin: {
			CanSubscribe: true,
			AllowAllCmds: true,
		},
		token.RoleSystem: {
			CanSubscribe: true,
			AllowAllCmds: true,
		},
	}
}

// CommandError is returned when a client command is rejected before ever
// reaching an adapter (authorization failure, unknown target, or a full
// send queue).
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string { return "router: " + e.Reason }

// Router holds no mutable state of its own; the registry and correlator
// it's constructed with remain the sole sources of truth, so a Router
// value can be copied freely and is safe for concurrent use by any
// number of reader goroutines.
type Router struct {
	registry    *registry.Registry
	correlator  *correlator.Correlator
	policies    map[token.Role]Policy
	cmdTimeout  time.Duration
	log         *slog.Logger
}

// New constructs a Router. policies may be nil, in which case
// DefaultPolicies() is used.
func New(reg *registry.Registry, corr *correlator.Correlator, policies map[token.Role]Policy, cmdTimeout time.Duration, log *slog.Logger) *Router {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if cmdTimeout <= 0 {
		cmdTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{registry: reg, correlator: corr, policies: policies, cmdTimeout: cmdTimeout, log: log}
}

// RouteEvent fans an adapter-originated event out to every system client
// and every client explicitly subscribed to serverID, per the fan-out
// rule: system clients receive every adapter's events implicitly,
// non-system clients only what they've subscribed to.
func (r *Router) RouteEvent(serverID string, env wire.EventEnvelope, lookup Lookup) {
	payload, err := wire.EncodeEventEnvelope(env)
	if err != nil {
		r.log.Error("event_encode_failed", "server_id", serverID, "err", err.Error())
		return
	}

	recipients := r.registry.SystemClients()
	recipients = append(recipients, r.registry.SubscribedClients(serverID)...)

	for _, id := range recipients {
		sender, ok := lookup(id)
		if !ok {
			continue
		}
		sender.EnqueueEvent(payload)
	}
}

// Subscribe authorizes and applies a client's subscribe request.
func (r *Router) Subscribe(clientID registry.ConnID, role token.Role, serverID string) error {
	policy, ok := r.policies[role]
	if !ok || !policy.CanSubscribe {
		return &CommandError{Reason: fmt.Sprintf("role %q may not subscribe", role)}
	}
	if _, ok := r.registry.LookupAdapter(serverID); !ok {
		return &CommandError{Reason: fmt.Sprintf("unknown server_id %q", serverID)}
	}
	r.registry.Subscribe(clientID, serverID)
	return nil
}

// Unsubscribe removes a client's subscription; always permitted.
func (r *Router) Unsubscribe(clientID registry.ConnID, serverID string) {
	r.registry.Unsubscribe(clientID, serverID)
}

// authorize checks role against the command the client is attempting,
// returning a *CommandError describing the rejection when disallowed.
func (r *Router) authorize(role token.Role, command string) error {
	policy, ok := r.policies[role]
	if !ok {
		return &CommandError{Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if policy.AllowAllCmds {
		return nil
	}
	if _, ok := policy.AllowedCmds[command]; ok {
		return nil
	}
	return &CommandError{Reason: fmt.Sprintf("role %q may not execute command %q", role, command)}
}

// RouteCommand authorizes and dispatches a client's execute_command
// request to its target adapter, registering the pending reply with the
// correlator. newSink is handed the generated message id so the caller
// can build a sink that already knows which client reply frame to stamp
// it onto — the id isn't known until Router generates it, and the sink
// may run synchronously (a same-call encode/delivery failure) before
// RouteCommand itself returns, so callers must not rely on capturing
// RouteCommand's own return value from inside the sink.
func (r *Router) RouteCommand(originID registry.ConnID, role token.Role, cmd wire.ExecuteCommandFrame, lookup Lookup, newSink func(messageID string) correlator.ResultSink) (string, error) {
	if err := r.authorize(role, cmd.Data.Command); err != nil {
		return "", err
	}

	adapterID, ok := r.registry.LookupAdapter(cmd.Data.ServerID)
	if !ok {
		return "", &CommandError{Reason: fmt.Sprintf("unknown server_id %q", cmd.Data.ServerID)}
	}
	sender, ok := lookup(adapterID)
	if !ok {
		return "", &CommandError{Reason: fmt.Sprintf("adapter %q not connected", cmd.Data.ServerID)}
	}

	messageID := correlator.NewMessageID()
	sink := newSink(messageID)
	deadline := time.Now().Add(r.cmdTimeout)
	if !r.correlator.Register(messageID, uint64(originID), deadline, sink) {
		return "", &CommandError{Reason: "message id collision, retry"}
	}

	data, err := dataForCommand(cmd)
	if err != nil {
		r.correlator.Fail(messageID, "encode_failed")
		return messageID, &CommandError{Reason: err.Error()}
	}

	payload, err := wire.EncodeCommand(wire.CommandEnvelope{
		MessageID:   messageID,
		Type:        cmd.Data.Command,
		Data:        data,
		RequiresAck: true,
	})
	if err != nil {
		r.correlator.Fail(messageID, "encode_failed")
		return messageID, &CommandError{Reason: err.Error()}
	}

	if err := sender.EnqueueControl(payload); err != nil {
		r.correlator.Fail(messageID, "delivery_failed")
		return messageID, &CommandError{Reason: "adapter send queue full"}
	}
	return messageID, nil
}

// dataForCommand re-serializes the command's raw data payload for
// forwarding to the adapter, unwrapped from its execute_command envelope.
func dataForCommand(cmd wire.ExecuteCommandFrame) (json.RawMessage, error) {
	if len(cmd.Data.Raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	return cmd.Data.Raw, nil
}

// RouteReply matches an adapter's command_result frame back to its
// pending client request via the correlator.
func (r *Router) RouteReply(reply wire.ReplyFrame) {
	data, err := wire.DecodeReplyData(reply.Data)
	if err != nil {
		r.log.Warn("reply_data_decode_failed", "reply_to", reply.ReplyTo, "err", err.Error())
		r.correlator.Resolve(reply.ReplyTo, false, nil, "malformed_reply")
		return
	}
	r.correlator.Resolve(reply.ReplyTo, data.Success, data.Result, data.Error)
}

// EncodeOutcomeForClient converts a resolved correlator.Outcome into the
// wire frame delivered back to the originating client.
func EncodeOutcomeForClient(messageID string, o correlator.Outcome) ([]byte, error) {
	return wire.EncodeCommandResult(wire.CommandResultEnvelope{
		EventType: "command_result",
		ReplyTo:   messageID,
		Timestamp: time.Now().Unix(),
		Data: wire.ReplyData{
			Success: o.Success,
			Result:  o.Result,
			Error:   o.Error,
		},
	})
}
