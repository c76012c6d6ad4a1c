// Package schema defines the wire types shared across the proxy: upstream
// frames, downstream envelopes, and the canonical payload shapes emitted to
// clients.
package schema

import (
	"strings"

	json "github.com/goccy/go-json"
)

// Frame is a decoded upstream message. Msg stays raw so unrecognised frames
// can be forwarded downstream without re-encoding their body.
type Frame struct {
	Name      string          `json:"name"`
	Msg       json.RawMessage `json:"msg,omitempty"`
	RequestID FlexID          `json:"request_id,omitempty"`
	LocalTime int64           `json:"local_time,omitempty"`
	Version   string          `json:"version,omitempty"`
	Status    int             `json:"status,omitempty"`
}

// OutFrame is an upstream-bound message whose body is still a Go value.
// Msg carries plain frame bodies; versioned inner frames carry theirs under
// Body instead.
type OutFrame struct {
	Name      string `json:"name"`
	Msg       any    `json:"msg,omitempty"`
	Body      any    `json:"body,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	LocalTime int64  `json:"local_time,omitempty"`
	Version   string `json:"version,omitempty"`
}

// NewFrame builds an upstream-bound frame for the given event name and body.
func NewFrame(name string, msg any) OutFrame {
	return OutFrame{Name: name, Msg: msg}
}

// WrapSendMessage nests a frame in the sendMessage envelope that older
// upstream revisions expect alongside the direct form.
func WrapSendMessage(inner OutFrame) OutFrame {
	return OutFrame{Name: EventSendMessage, Msg: inner}
}

// DecodeFrame parses a raw upstream payload.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	f.Name = strings.TrimSpace(f.Name)
	return f, nil
}

// Message is a downstream-bound envelope: one named event plus its payload.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Command is a downstream-received envelope with the payload left raw for the
// session mediator to interpret per command.
type Command struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeCommand parses a raw downstream payload.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, err
	}
	c.Event = strings.TrimSpace(c.Event)
	return c, nil
}
