package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrMissingType = errors.New("message has no type")
)

// Envelope is one decoded inbound message: {"type": "...", ...payload}.
type Envelope struct {
	Type       string
	Raw        json.RawMessage // The full message, type field included
	ReceivedAt time.Time
}

// Decode unmarshals the full message into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}

// Field returns one top-level payload field.
func (e Envelope) Field(name string) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Raw, &fields); err != nil {
		return nil, false
	}
	v, ok := fields[name]
	return v, ok
}

// parseEnvelope extracts the type of a raw message. The type must be a
// non-empty JSON string on a JSON object.
func parseEnvelope(data []byte, receivedAt time.Time) (Envelope, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if head.Type == nil || *head.Type == "" {
		return Envelope{}, ErrMissingType
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	return Envelope{
		Type:       *head.Type,
		Raw:        raw,
		ReceivedAt: receivedAt,
	}, nil
}

// HandlerFunc receives every envelope of the type it subscribed to.
type HandlerFunc func(Envelope)

// Subscription is the handle returned by Subscribe. Unsubscribe matches by
// handle identity, so subscribing the same function twice yields two handles.
type Subscription struct {
	eventType string
	fn        HandlerFunc
}

// EventType returns the bucket this subscription belongs to.
func (s *Subscription) EventType() string {
	return s.eventType
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64 // Envelopes delivered to at least one handler
	ParseErrors      int64
	UnroutedMessages int64 // Valid envelopes with no subscriber
	HandlerPanics    int64
}
