package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	errs "github.com/Blazheiko/partygate/tools/errs"
)

// Event namespaces. "service:" frames are protocol control, "broadcast:"
// frames are server push, everything else is an application RPC route and
// must be answered with the same (event, timestamp) pair.
const (
	ServicePrefix   = "service:"
	BroadcastPrefix = "broadcast:"

	EventPing             = ServicePrefix + "ping"
	EventPong             = ServicePrefix + "pong"
	EventConnEstablished  = ServicePrefix + "connection_established"
	EventConnClosed       = ServicePrefix + "connection_closed"
	EventError            = ServicePrefix + "error"
)

// WebSocket close-code policy shared by both sides.
// 4000-4099 is fatal (no reconnect; 4001 doubles as the session-expired
// service status), 4100-4199 asks for a randomized slow retry, anything at
// or above 4200 reconnects immediately. 4201 is reserved for a failed
// keepalive cycle.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006

	CloseFatalStart     = 4000
	CloseFatalEnd       = 4099
	CloseSlowRetryStart = 4100
	CloseSlowRetryEnd   = 4199
	CloseFastRetryMin   = 4200

	CloseKeepaliveFailed = 4201
)

// Status is a wire status that tolerates both number and string encodings.
type Status int

func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Itoa(int(s))), nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return err
	}
	*s = Status(n)
	return nil
}

// Envelope is the single wire unit, one per frame, both directions.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
}

func IsService(event string) bool   { return strings.HasPrefix(event, ServicePrefix) }
func IsBroadcast(event string) bool { return strings.HasPrefix(event, BroadcastPrefix) }

func ParseEnvelope(raw []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, errs.WrapMsg(err, "unmarshal envelope")
	}
	if env.Event == "" {
		return nil, errs.ErrValidationFailed.WithDetail("envelope missing event").Wrap()
	}
	return env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload parses the payload into a generic map for dispatch.
// A null/absent payload dispatches as an empty map.
func (e *Envelope) DecodePayload() (map[string]any, error) {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return map[string]any{}, nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, errs.WrapMsg(err, "unmarshal payload")
	}
	return m, nil
}

// NewEnvelope marshals payload in place; it panics only on unmarshalable
// payloads, which is a programming error in a handler.
func NewEnvelope(event string, ts int64, status int, payload any) *Envelope {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
		}
		raw = b
	}
	return &Envelope{Event: event, Timestamp: ts, Status: Status(status), Payload: raw}
}

func NewServiceEnvelope(name string, status int, payload any) *Envelope {
	return NewEnvelope(ServicePrefix+name, time.Now().UnixMilli(), status, payload)
}

func NewBroadcastEnvelope(name string, payload any) *Envelope {
	return NewEnvelope(BroadcastPrefix+name, time.Now().UnixMilli(), errs.CodeOK, payload)
}

// wireError is the error body carried by non-200 response envelopes.
type wireError struct {
	Code     int      `json:"code"`
	Message  string   `json:"message"`
	Messages []string `json:"messages,omitempty"`
}

type errorPayload struct {
	Error wireError `json:"error"`
}

// NewErrorEnvelope answers an RPC envelope with a correlated error.
func NewErrorEnvelope(event string, ts int64, ce *errs.CodeError) *Envelope {
	return NewEnvelope(event, ts, ce.Code, errorPayload{Error: wireError{
		Code:     ce.Code,
		Message:  ce.Msg,
		Messages: ce.Messages,
	}})
}
