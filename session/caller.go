package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Caller is the caller-side participant. It joins a room, publishes
// audio, and listens for warm-transfer signals on the data channel. On a
// valid signal it moves itself to the destination room: the old
// connection is torn down first, so a failed rejoin leaves the caller in
// StateError with no rollback.
type Caller struct {
	dial Dialer
	log  zerolog.Logger

	mu    sync.Mutex
	state State
	room  MediaRoom
	ctx   context.Context

	// onTransferred, when set, is invoked after a completed transfer with
	// the signal that caused it.
	onTransferred func(SignalMessage)
}

// NewCaller builds a caller around a room dialer.
func NewCaller(dial Dialer, log zerolog.Logger) *Caller {
	return &Caller{
		dial:  dial,
		log:   log.With().Str("component", "caller").Logger(),
		state: StateIdle,
	}
}

// OnTransferred registers a completion hook. Must be called before Join.
func (c *Caller) OnTransferred(fn func(SignalMessage)) {
	c.onTransferred = fn
}

// State returns the caller's connection state.
func (c *Caller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room returns the name of the room the caller is currently connected
// to, or empty when disconnected.
func (c *Caller) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return ""
	}
	return c.room.Name()
}

// Join connects to the initial room and publishes the caller's audio.
func (c *Caller) Join(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return fmt.Errorf("caller already joined (state %s)", c.state)
	}
	c.state = StateConnecting
	c.ctx = ctx
	c.mu.Unlock()

	room, err := c.dial(ctx, token, Events{
		OnData:         c.handleData,
		OnDisconnected: c.handleRemoteDisconnect,
	})
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("join room: %w", err)
	}
	if err := room.PublishAudio(); err != nil {
		room.Disconnect()
		c.setState(StateError)
		return fmt.Errorf("publish audio: %w", err)
	}

	c.mu.Lock()
	c.room = room
	c.state = StateConnected
	c.mu.Unlock()
	c.log.Info().Str("room", room.Name()).Msg("caller connected")
	return nil
}

// Leave disconnects and returns the caller to idle.
func (c *Caller) Leave() {
	c.mu.Lock()
	room := c.room
	c.room = nil
	c.state = StateIdle
	c.mu.Unlock()
	if room != nil {
		room.Disconnect()
	}
}

// handleData is the caller's data-channel listener. Anything that is not
// a well-formed warm-transfer signal is ignored without a state change.
func (c *Caller) handleData(payload []byte, senderIdentity string) {
	msg, err := DecodeSignal(payload)
	if err != nil {
		if !errors.Is(err, ErrInvalidSignal) {
			c.log.Warn().Err(err).Msg("data message rejected")
		}
		return
	}

	c.mu.Lock()
	if c.state != StateConnected {
		// A transfer is already in progress or the caller is not in a
		// room; the signal is consumed at most once.
		c.mu.Unlock()
		c.log.Warn().Str("state", string(c.state)).Msg("transfer signal ignored")
		return
	}
	c.state = StateTransferring
	oldRoom := c.room
	c.room = nil
	ctx := c.ctx
	c.mu.Unlock()

	c.log.Info().
		Str("from", senderIdentity).
		Str("to_room", msg.ToRoom).
		Bool("llm_available", msg.LLMAvailable).
		Msg("warm transfer signal received")

	// Point of no return: the old room is gone regardless of whether the
	// rejoin below succeeds.
	if oldRoom != nil {
		oldRoom.Disconnect()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	newRoom, err := c.dial(ctx, msg.CallerToken, Events{
		OnData:         c.handleData,
		OnDisconnected: c.handleRemoteDisconnect,
	})
	if err != nil {
		c.log.Error().Err(err).Str("to_room", msg.ToRoom).Msg("rejoin failed, call lost")
		c.setState(StateError)
		return
	}
	if err := newRoom.PublishAudio(); err != nil {
		c.log.Error().Err(err).Msg("republish audio failed")
		newRoom.Disconnect()
		c.setState(StateError)
		return
	}

	c.mu.Lock()
	c.room = newRoom
	c.state = StateConnected
	c.mu.Unlock()
	c.log.Info().Str("room", newRoom.Name()).Msg("caller transferred")

	if c.onTransferred != nil {
		c.onTransferred(msg)
	}
}

func (c *Caller) handleRemoteDisconnect() {
	c.mu.Lock()
	// During a transfer the disconnect of the old room is expected.
	if c.state == StateTransferring {
		c.mu.Unlock()
		return
	}
	c.room = nil
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Caller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
