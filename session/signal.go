package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SignalTypeWarmTransfer is the data-channel message type that moves a
// caller into the transfer room.
const SignalTypeWarmTransfer = "warm_transfer"

// ErrInvalidSignal is returned for payloads that must be ignored by
// listeners: wrong type, missing fields, or malformed JSON.
var ErrInvalidSignal = errors.New("invalid transfer signal")

// SignalMessage is the warm-transfer notification broadcast on the old
// room's data channel. Delivery is at-most-once and unordered; a caller
// that is not listening never sees it.
type SignalMessage struct {
	Type         string `json:"type"`
	ToRoom       string `json:"to_room"`
	CallerToken  string `json:"caller_token"`
	Summary      string `json:"summary,omitempty"`
	LLMAvailable bool   `json:"llm_available"`
}

// Validate checks the message is a complete warm-transfer signal.
func (m SignalMessage) Validate() error {
	if m.Type != SignalTypeWarmTransfer {
		return fmt.Errorf("%w: type %q", ErrInvalidSignal, m.Type)
	}
	if m.ToRoom == "" {
		return fmt.Errorf("%w: missing to_room", ErrInvalidSignal)
	}
	if m.CallerToken == "" {
		return fmt.Errorf("%w: missing caller_token", ErrInvalidSignal)
	}
	return nil
}

// EncodeSignal marshals a validated signal for the data channel.
func EncodeSignal(m SignalMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return payload, nil
}

// DecodeSignal parses and validates a data-channel payload. Callers must
// treat ErrInvalidSignal as "not for me" and ignore it silently.
func DecodeSignal(payload []byte) (SignalMessage, error) {
	var m SignalMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return SignalMessage{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := m.Validate(); err != nil {
		return SignalMessage{}, err
	}
	return m, nil
}
