// Package protocol defines the JSON frames exchanged between the relay and its
// websocket peers.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound and outbound event names.
const (
	EventServerInfo         = "serverInfo"
	EventClients            = "clients"
	EventPrinterList        = "printerList"
	EventClientInfo         = "clientInfo"
	EventGetClients         = "getClients"
	EventRefreshPrinterList = "refreshPrinterList"
	EventAddress            = "address"
	EventError              = "error"
	EventConnectError       = "connect_error"

	EventIPPPrint            = "ippPrint"
	EventIPPRequest          = "ippRequest"
	EventNews                = "news"
	EventIPPPrinterConnected = "ippPrinterConnected"
	EventIPPPrinterCallback  = "ippPrinterCallback"
	EventIPPRequestCallback  = "ippRequestCallback"
	EventSuccess             = "success"
)

// Payload field names with routing meaning.
const (
	FieldTarget      = "client"
	FieldReplyRoute  = "replyId"
	FieldCorrelation = "templateId"
	FieldPrinter     = "printer"
)

// AddressUnsupported is the answer to the address event.
const AddressUnsupported = "Address is not supported in transit server, you should use getClients."

// ErrEmptyFrame is returned when a frame carries no event name.
var ErrEmptyFrame = errors.New("frame has no event name")

// Envelope is one websocket text frame: an event name, its first argument and any
// further callback arguments.
type Envelope struct {
	Event string            `json:"event"`
	Data  json.RawMessage   `json:"data,omitempty"`
	Args  []json.RawMessage `json:"args,omitempty"`
}

// ErrorPayload is the body of an error event produced by the relay.
type ErrorPayload struct {
	Msg        string          `json:"msg"`
	TemplateID json.RawMessage `json:"templateId,omitempty"`
}

// ServerInfo is sent to every connection right after it is accepted.
type ServerInfo struct {
	Version        string `json:"version"`
	CurrentClients int    `json:"currentClients"`
	AllClients     int    `json:"allClients"`
	WebClients     int    `json:"webClients"`
	AllWebClients  int    `json:"allWebClients"`
	TotalMem       uint64 `json:"totalmem"`
	FreeMem        uint64 `json:"freemem"`
}

// Encode renders a frame. data may be nil, a json.RawMessage or any JSON-encodable value.
func Encode(event string, data any, args ...json.RawMessage) ([]byte, error) {
	if strings.TrimSpace(event) == "" {
		return nil, ErrEmptyFrame
	}
	env := Envelope{Event: event, Args: args}
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		env.Data = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(event string, data any, args ...json.RawMessage) []byte {
	frame, err := Encode(event, data, args...)
	if err != nil {
		panic(err)
	}
	return frame
}

// Decode parses a frame received from a peer.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	env.Event = strings.TrimSpace(env.Event)
	if env.Event == "" {
		return Envelope{}, ErrEmptyFrame
	}
	return env, nil
}

// Object decodes the frame data as a JSON object. Missing or null data yields an
// empty map; any other non-object payload is an error.
func (e Envelope) Object() (map[string]any, error) {
	if isNull(e.Data) {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, fmt.Errorf("%s payload is not an object: %w", e.Event, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// ObjectList decodes the frame data as an array of JSON objects. Missing or null
// data yields an empty list.
func (e Envelope) ObjectList() ([]map[string]any, error) {
	if isNull(e.Data) {
		return []map[string]any{}, nil
	}
	var out []map[string]any
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, fmt.Errorf("%s payload is not a list of objects: %w", e.Event, err)
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// StringField returns the string value of key, or "" when absent or not a string.
func StringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	value, _ := payload[key].(string)
	return value
}

// RawField re-encodes payload[key] so it can be echoed back unchanged. It returns
// nil when the key is absent.
func RawField(payload map[string]any, key string) json.RawMessage {
	if payload == nil {
		return nil
	}
	value, ok := payload[key]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return raw
}
