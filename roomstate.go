package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// roomStates tracks per-room activity and in-flight transfers in memory.
// Durable room data lives in the store; this exists to expire stale
// rooms and to reject a second transfer racing on the same room.
type roomStates struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	inFlight map[string]bool

	staleAfter time.Duration
}

func newRoomStates(staleAfter time.Duration) *roomStates {
	return &roomStates{
		lastSeen:   make(map[string]time.Time),
		inFlight:   make(map[string]bool),
		staleAfter: staleAfter,
	}
}

// Touch records activity for a room.
func (r *roomStates) Touch(roomName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[roomName] = time.Now()
}

// BeginTransfer marks a transfer in flight for the room. It returns
// false when a transfer is already running, in which case the caller
// must not proceed.
func (r *roomStates) BeginTransfer(roomName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[roomName] {
		return false
	}
	r.inFlight[roomName] = true
	r.lastSeen[roomName] = time.Now()
	return true
}

// EndTransfer clears the in-flight mark set by BeginTransfer.
func (r *roomStates) EndTransfer(roomName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, roomName)
}

// TransferInFlight reports whether a transfer is currently running on
// the room.
func (r *roomStates) TransferInFlight(roomName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[roomName]
}

// sweep drops rooms with no activity past the stale threshold and
// returns how many were removed. Rooms with a transfer in flight are
// never expired.
func (r *roomStates) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.staleAfter)
	removed := 0
	for name, seen := range r.lastSeen {
		if seen.Before(cutoff) && !r.inFlight[name] {
			delete(r.lastSeen, name)
			removed++
		}
	}
	return removed
}

// RunCleanup sweeps stale rooms on an interval until ctx is canceled.
func (r *roomStates) RunCleanup(ctx context.Context, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("expired stale rooms")
			}
		}
	}
}
