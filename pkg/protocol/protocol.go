// Package protocol holds the wire contract shared between the walkie server
// and its Go clients: frame envelope, event names, payloads, failure codes and
// the input checks both sides apply before an audio clip is accepted.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Failure codes carried in a rejected Ack.
type Code string

const (
	CodeInvalidPayload   Code = "invalid_payload"
	CodeChannelFull      Code = "channel_full"
	CodeNotFound         Code = "not_found"
	CodeInternal         Code = "internal"
	CodeRateLimited      Code = "rate_limited"
	CodeUnauthorized     Code = "unauthorized"
	CodePayloadTooLarge  Code = "payload_too_large"
	CodeDurationExceeded Code = "duration_exceeded"
)

// Retryable reports whether a client may queue the failed request and try
// again later. Only transient infrastructure failures qualify.
func (c Code) Retryable() bool {
	return c == CodeInternal
}

// Requests (client → server).
const (
	EventChannelCreate      = "channel:create"
	EventChannelJoin        = "channel:join"
	EventChannelLeave       = "channel:leave"
	EventUserActivity       = "user:activity"
	EventSendAudio          = "send-audio-message"
	EventEmergencyBroadcast = "emergency:broadcast"
	EventHeartbeatPing      = "heartbeat:ping"
)

// Events (server → client).
const (
	EventAck            = "ack"
	EventUserJoined     = "user:joined"
	EventUserLeft       = "user:left"
	EventAudioMessage   = "audio-message"
	EventAudioHistory   = "audio-history"
	EventEmergencyAlert = "emergency:alert"
	EventEmergencyError = "emergency:error"
	EventRequestError   = "request:error"
)

// Frame is the single envelope exchanged in both directions.
//
// A request carrying an ID expects an Ack frame with the same ID back.
// Requests without an ID are fire-and-forget. Server events never carry an ID.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ack     *Ack            `json:"ack,omitempty"`
}

// Ack is the structured response correlated to one request.
type Ack struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
	Code         Code            `json:"code,omitempty"`
	RetryAfterMs int64           `json:"retryAfterMs,omitempty"`
}

// Error is a rejected request. Handlers return it and the gateway turns it
// into a failed Ack; clients get it back from a failed Ack.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RateLimited builds a rate_limited error with a retry hint.
func RateLimited(retryAfter time.Duration, msg string) *Error {
	return &Error{Code: CodeRateLimited, Message: msg, RetryAfter: retryAfter}
}

// OKAck encodes data into a successful Ack.
func OKAck(data any) (*Ack, error) {
	if data == nil {
		return &Ack{OK: true}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal ack data: %w", err)
	}
	return &Ack{OK: true, Data: raw}, nil
}

// ErrorAck converts a wire error into a failed Ack.
func ErrorAck(e *Error) *Ack {
	ack := &Ack{OK: false, Error: e.Message, Code: e.Code}
	if ack.Error == "" {
		ack.Error = string(e.Code)
	}
	if e.RetryAfter > 0 {
		ack.RetryAfterMs = e.RetryAfter.Milliseconds()
		if ack.RetryAfterMs == 0 {
			ack.RetryAfterMs = 1
		}
	}
	return ack
}

// Err returns the failure carried by a rejected Ack, or nil when it succeeded.
func (a *Ack) Err() error {
	if a == nil || a.OK {
		return nil
	}
	return &Error{
		Code:       a.Code,
		Message:    a.Error,
		RetryAfter: time.Duration(a.RetryAfterMs) * time.Millisecond,
	}
}

// NewEvent builds a server event frame.
func NewEvent(event string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Payload: raw}, nil
}

// NewAckFrame wraps an Ack in a frame correlated to requestID.
func NewAckFrame(requestID string, ack *Ack) Frame {
	return Frame{ID: requestID, Event: EventAck, Ack: ack}
}
