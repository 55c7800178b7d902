package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
)

const ProtocolVersion = 1

// Envelope wraps every event published on the ops feed.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope with a fresh id and timestamp.
// The payload is marshaled to JSON.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	var rawPayload json.RawMessage
	if payload != nil {
		var err error
		rawPayload, err = json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
	}
	return Envelope{
		V:       ProtocolVersion,
		Type:    eventType,
		ID:      NewID(),
		At:      time.Now().UTC(),
		Payload: rawPayload,
	}, nil
}

// DecodePayload unmarshals the envelope's payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ValidateBasic performs basic validation on the envelope.
func (e Envelope) ValidateBasic() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", e.V, ProtocolVersion)
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if e.ID == "" {
		return errors.New("id is required")
	}
	return nil
}

// NewID returns a sortable, globally unique identifier.
func NewID() string {
	return xid.New().String()
}
