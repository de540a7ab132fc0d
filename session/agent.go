package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"warm-transfer-server/apiclient"
)

// TransferAPI is the slice of the coordination service the agent needs.
// *apiclient.Client satisfies it.
type TransferAPI interface {
	Transfer(ctx context.Context, req apiclient.TransferRequest) (*apiclient.TransferResponse, error)
}

// Agent is the initiating agent's participant session. Besides joining
// rooms it drives the warm transfer: request the transfer from the
// coordination service, broadcast the signal to the caller on the old
// room's data channel, then independently move to the destination room.
type Agent struct {
	identity string
	dial     Dialer
	api      TransferAPI
	log      zerolog.Logger

	mu    sync.Mutex
	state State
	room  MediaRoom
}

// NewAgent builds an initiating agent.
func NewAgent(identity string, dial Dialer, api TransferAPI, log zerolog.Logger) *Agent {
	return &Agent{
		identity: identity,
		dial:     dial,
		api:      api,
		log:      log.With().Str("component", "agent").Str("identity", identity).Logger(),
		state:    StateIdle,
	}
}

// State returns the agent's connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Room returns the currently connected room name.
func (a *Agent) Room() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.room == nil {
		return ""
	}
	return a.room.Name()
}

// Join connects the agent to a room and publishes audio.
func (a *Agent) Join(ctx context.Context, token string) error {
	a.mu.Lock()
	if a.state != StateIdle && a.state != StateError {
		a.mu.Unlock()
		return fmt.Errorf("agent already joined (state %s)", a.state)
	}
	a.state = StateConnecting
	a.mu.Unlock()

	room, err := a.dial(ctx, token, Events{})
	if err != nil {
		a.setState(StateError)
		return fmt.Errorf("join room: %w", err)
	}
	if err := room.PublishAudio(); err != nil {
		room.Disconnect()
		a.setState(StateError)
		return fmt.Errorf("publish audio: %w", err)
	}

	a.mu.Lock()
	a.room = room
	a.state = StateConnected
	a.mu.Unlock()
	return nil
}

// Leave disconnects and returns the agent to idle.
func (a *Agent) Leave() {
	a.mu.Lock()
	room := a.room
	a.room = nil
	a.state = StateIdle
	a.mu.Unlock()
	if room != nil {
		room.Disconnect()
	}
}

// InitiateTransfer runs the agent's half of the warm transfer protocol:
//
//  1. ask the coordination service for a destination room, tokens and a
//     handoff summary;
//  2. broadcast the warm-transfer signal on the old room's data channel
//     (at-most-once: a caller that is not listening misses the transfer);
//  3. join the destination room with the initiator token and tear down
//     the old connection.
//
// A failure in step 1 or 2 leaves the agent connected to the old room
// and is retryable. After step 2 the signal cannot be unsent.
func (a *Agent) InitiateTransfer(ctx context.Context, targetIdentity, transcript string) (*apiclient.TransferResponse, error) {
	a.mu.Lock()
	if a.state != StateConnected || a.room == nil {
		a.mu.Unlock()
		return nil, fmt.Errorf("cannot transfer: agent not connected")
	}
	oldRoom := a.room
	a.mu.Unlock()

	resp, err := a.api.Transfer(ctx, apiclient.TransferRequest{
		FromRoom:          oldRoom.Name(),
		InitiatorIdentity: a.identity,
		TargetIdentity:    targetIdentity,
		Transcript:        transcript,
	})
	if err != nil {
		return nil, fmt.Errorf("initiate transfer: %w", err)
	}

	payload, err := EncodeSignal(SignalMessage{
		Type:         SignalTypeWarmTransfer,
		ToRoom:       resp.ToRoom,
		CallerToken:  resp.CallerToken,
		Summary:      resp.Summary,
		LLMAvailable: resp.LLMAvailable,
	})
	if err != nil {
		return nil, fmt.Errorf("build transfer signal: %w", err)
	}
	if err := oldRoom.PublishData(payload); err != nil {
		return nil, fmt.Errorf("notify caller: %w", err)
	}
	a.log.Info().Str("to_room", resp.ToRoom).Str("target", targetIdentity).Msg("transfer signal broadcast")

	a.setState(StateTransferring)
	newRoom, err := a.dial(ctx, resp.InitiatorToken, Events{})
	if err != nil {
		a.setState(StateError)
		return resp, fmt.Errorf("join transfer room: %w", err)
	}
	if err := newRoom.PublishAudio(); err != nil {
		newRoom.Disconnect()
		a.setState(StateError)
		return resp, fmt.Errorf("publish audio in transfer room: %w", err)
	}

	oldRoom.Disconnect()
	a.mu.Lock()
	a.room = newRoom
	a.state = StateConnected
	a.mu.Unlock()
	a.log.Info().Str("room", resp.ToRoom).Msg("agent moved to transfer room")
	return resp, nil
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
