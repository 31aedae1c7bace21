// Package wire implements the JSON envelope codec for the frame shapes
// exchanged over both listeners, plus validation of required fields.
// Unknown top-level fields are ignored (encoding/json's default
// behavior); missing required fields produce a *FrameError. The hub logs
// and drops such frames; it keeps no count of them and does not close
// the connection over them.
package wire

import (
	"encoding/json"
	"fmt"
)

// FrameError marks a decode/validation failure of a single frame. The hub
// logs and drops the frame; no per-connection error count is kept.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return "wire: " + e.Reason }

func frameErr(format string, args ...any) *FrameError {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}

// AuthFrame is the first post-upgrade client frame:
// {"eventType":"auth","data":{"token":"…"}}
type AuthFrame struct {
	EventType string `json:"eventType"`
	Data      struct {
		Token string `json:"token"`
	} `json:"data"`
}

// EventEnvelope is the adapter→hub→client event frame.
type EventEnvelope struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// CommandEnvelope is the outbound hub→adapter command form: a message id,
// a type, an opaque data payload, and an acknowledgement flag. Adopted as
// the canonical shape for all control traffic, not just execute_command.
type CommandEnvelope struct {
	MessageID   string          `json:"messageId"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	RequiresAck bool            `json:"requiresAck"`
}

// ExecuteCommandFrame is the inbound client→hub command request:
// {"eventType":"execute_command","data":{"server_id","command", …}}.
type ExecuteCommandFrame struct {
	EventType string             `json:"eventType"`
	Data      ExecuteCommandData `json:"data"`
}

// ExecuteCommandData is the payload of an ExecuteCommandFrame.
type ExecuteCommandData struct {
	ServerID string          `json:"server_id"`
	Command  string          `json:"command"`
	Raw      json.RawMessage `json:"-"`
}

// SubscribeFrame lets a non-system client subscribe to an adapter's events.
type SubscribeFrame struct {
	EventType string `json:"eventType"`
	Data      struct {
		ServerID string `json:"server_id"`
	} `json:"data"`
}

// ReplyFrame is the adapter→hub reply frame carrying replyTo.
type ReplyFrame struct {
	EventType string          `json:"eventType"`
	ReplyTo   string          `json:"replyTo"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ReplyData is the decoded Data of a command_result reply.
type ReplyData struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// CommandResultEnvelope is the hub→client reply delivered by the
// correlator.
type CommandResultEnvelope struct {
	EventType string    `json:"eventType"`
	ReplyTo   string    `json:"replyTo"`
	Timestamp int64     `json:"timestamp"`
	Data      ReplyData `json:"data"`
}

// DecodeAuthFrame parses and validates a client auth frame.
func DecodeAuthFrame(raw []byte) (AuthFrame, error) {
	var f AuthFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return AuthFrame{}, frameErr("invalid json: %v", err)
	}
	if f.EventType != "auth" {
		return AuthFrame{}, frameErr("eventType must be %q, got %q", "auth", f.EventType)
	}
	if f.Data.Token == "" {
		return AuthFrame{}, frameErr("missing required field: data.token")
	}
	return f, nil
}

// DecodeEventEnvelope parses and validates an adapter-originated event.
func DecodeEventEnvelope(raw []byte) (EventEnvelope, error) {
	var e EventEnvelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return EventEnvelope{}, frameErr("invalid json: %v", err)
	}
	if e.EventType == "" {
		return EventEnvelope{}, frameErr("missing required field: eventType")
	}
	return e, nil
}

// EncodeEventEnvelope serializes an event for fan-out to clients.
func EncodeEventEnvelope(e EventEnvelope) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeExecuteCommand parses and validates a client command request.
func DecodeExecuteCommand(raw []byte) (ExecuteCommandFrame, error) {
	var generic struct {
		EventType string          `json:"eventType"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return ExecuteCommandFrame{}, frameErr("invalid json: %v", err)
	}
	if generic.EventType != "execute_command" {
		return ExecuteCommandFrame{}, frameErr("eventType must be %q, got %q", "execute_command", generic.EventType)
	}

	var data struct {
		ServerID string `json:"server_id"`
		Command  string `json:"command"`
	}
	if err := json.Unmarshal(generic.Data, &data); err != nil {
		return ExecuteCommandFrame{}, frameErr("invalid data: %v", err)
	}
	if data.ServerID == "" {
		return ExecuteCommandFrame{}, frameErr("missing required field: data.server_id")
	}
	if data.Command == "" {
		return ExecuteCommandFrame{}, frameErr("missing required field: data.command")
	}

	return ExecuteCommandFrame{
		EventType: generic.EventType,
		Data: ExecuteCommandData{
			ServerID: data.ServerID,
			Command:  data.Command,
			Raw:      generic.Data,
		},
	}, nil
}

// DecodeSubscribe parses and validates a subscribe request.
func DecodeSubscribe(raw []byte) (SubscribeFrame, error) {
	var f SubscribeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return SubscribeFrame{}, frameErr("invalid json: %v", err)
	}
	if f.Data.ServerID == "" {
		return SubscribeFrame{}, frameErr("missing required field: data.server_id")
	}
	return f, nil
}

// EncodeCommand serializes the hub→adapter command envelope.
func EncodeCommand(c CommandEnvelope) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeReply parses and validates an adapter reply frame.
func DecodeReply(raw []byte) (ReplyFrame, error) {
	var f ReplyFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ReplyFrame{}, frameErr("invalid json: %v", err)
	}
	if f.EventType != "command_result" {
		return ReplyFrame{}, frameErr("eventType must be %q, got %q", "command_result", f.EventType)
	}
	if f.ReplyTo == "" {
		return ReplyFrame{}, frameErr("missing required field: replyTo")
	}
	return f, nil
}

// DecodeReplyData parses the Data object of a ReplyFrame.
func DecodeReplyData(raw json.RawMessage) (ReplyData, error) {
	var d ReplyData
	if err := json.Unmarshal(raw, &d); err != nil {
		return ReplyData{}, frameErr("invalid reply data: %v", err)
	}
	return d, nil
}

// EncodeCommandResult serializes the hub→client reply envelope.
func EncodeCommandResult(e CommandResultEnvelope) ([]byte, error) {
	return json.Marshal(e)
}

// PeekEventType extracts just the eventType field, used to pick the right
// decoder for an incoming frame; that decoder then parses the frame again.
func PeekEventType(raw []byte) (string, error) {
	var generic struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", frameErr("invalid json: %v", err)
	}
	return generic.EventType, nil
}
