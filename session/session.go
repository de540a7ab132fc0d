// Package session owns the lifecycle of connections to LiveKit rooms for
// the three warm-transfer participants: the caller, the initiating agent
// and the receiving agent. It implements the hand-off signaling protocol
// on top of the room data channel.
package session

import (
	"context"
	"fmt"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// State is the connection state of one participant session.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateTransferring State = "transferring"
	StateError        State = "error"
)

// MediaRoom is the surface of a connected media room the transfer logic
// depends on. *Session implements it against the LiveKit SDK; tests use
// fakes.
type MediaRoom interface {
	Name() string
	PublishData(payload []byte) error
	PublishAudio() error
	Disconnect()
}

// Events delivers room callbacks to the session owner.
type Events struct {
	OnData                    func(payload []byte, senderIdentity string)
	OnParticipantConnected    func(identity string)
	OnParticipantDisconnected func(identity string)
	OnDisconnected            func()
}

// Dialer connects to a room with a join token.
type Dialer func(ctx context.Context, token string, ev Events) (MediaRoom, error)

// Config describes one participant's media setup.
type Config struct {
	// URL is the LiveKit server ws(s) URL.
	URL string
	// AudioFile is an optional OGG/Opus file streamed as the local audio
	// track. When empty the published track stays silent.
	AudioFile string
	// RecordDir, when set, records each remote audio track to an OGG file
	// under this directory.
	RecordDir string
}

// Session is one connection to a LiveKit room: it publishes the local
// audio track, tracks remote audio (level metering plus optional
// recording) and forwards data-channel traffic. All media resources are
// released on Disconnect, on every path.
type Session struct {
	cfg Config
	log zerolog.Logger
	ev  Events

	mu           sync.Mutex
	room         *lksdk.Room
	audioTrack   *lksdk.LocalTrack
	audioCancel  context.CancelFunc
	remoteTracks map[string]*remoteTrack
	closed       bool
}

// Connect joins the room identified by the token and wires callbacks.
func Connect(ctx context.Context, cfg Config, token string, ev Events, log zerolog.Logger) (*Session, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("livekit url is required")
	}
	s := &Session{
		cfg:          cfg,
		log:          log.With().Str("component", "session").Logger(),
		ev:           ev,
		remoteTracks: make(map[string]*remoteTrack),
	}

	callbacks := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   s.onTrackSubscribed,
			OnTrackUnsubscribed: s.onTrackUnsubscribed,
			OnDataReceived:      s.onDataReceived,
		},
		OnParticipantConnected:    s.onParticipantConnected,
		OnParticipantDisconnected: s.onParticipantDisconnected,
		OnDisconnected:            s.onDisconnected,
	}

	room, err := lksdk.ConnectToRoomWithToken(cfg.URL, token, callbacks)
	if err != nil {
		return nil, fmt.Errorf("connect to room: %w", err)
	}
	s.room = room
	s.log.Info().Str("room", room.Name()).Msg("connected")
	return s, nil
}

// LiveDialer returns a Dialer backed by real LiveKit connections.
func LiveDialer(cfg Config, log zerolog.Logger) Dialer {
	return func(ctx context.Context, token string, ev Events) (MediaRoom, error) {
		return Connect(ctx, cfg, token, ev, log)
	}
}

// Name returns the connected room's name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.Name()
}

// PublishData broadcasts a reliable data packet to the room.
func (s *Session) PublishData(payload []byte) error {
	s.mu.Lock()
	room := s.room
	closed := s.closed
	s.mu.Unlock()
	if closed || room == nil {
		return fmt.Errorf("session is not connected")
	}
	err := room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
	)
	if err != nil {
		return fmt.Errorf("publish data: %w", err)
	}
	return nil
}

// PublishAudio publishes the local Opus track and, when an audio file is
// configured, starts streaming it.
func (s *Session) PublishAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.room == nil {
		return fmt.Errorf("session is not connected")
	}
	if s.audioTrack != nil {
		return nil // already published
	}

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  opusChannels,
	})
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	if _, err := s.room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name: "caller-audio",
	}); err != nil {
		return fmt.Errorf("publish audio track: %w", err)
	}
	s.audioTrack = track

	if s.cfg.AudioFile != "" {
		var ctx context.Context
		ctx, s.audioCancel = context.WithCancel(context.Background())
		go s.streamOGG(ctx, track, s.cfg.AudioFile)
	}
	return nil
}

// Disconnect tears the session down: stops audio streaming, closes the
// local track, finalizes recordings and leaves the room. Safe to call
// more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.audioCancel != nil {
		s.audioCancel()
		s.audioCancel = nil
	}
	track := s.audioTrack
	s.audioTrack = nil
	for id, rt := range s.remoteTracks {
		rt.close()
		delete(s.remoteTracks, id)
	}
	room := s.room
	s.mu.Unlock()

	if track != nil {
		_ = track.Close()
	}
	if room != nil {
		room.Disconnect()
	}
	s.log.Info().Msg("session disconnected")
}

// AudioLevel returns the most recent RMS level for a remote participant,
// or 0 when the participant has no active audio track.
func (s *Session) AudioLevel(identity string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rt := range s.remoteTracks {
		if rt.identity == identity {
			return rt.level()
		}
	}
	return 0
}

func (s *Session) onDataReceived(data []byte, params lksdk.DataReceiveParams) {
	if s.ev.OnData != nil {
		s.ev.OnData(data, params.SenderIdentity)
	}
}

func (s *Session) onParticipantConnected(p *lksdk.RemoteParticipant) {
	s.log.Debug().Str("identity", p.Identity()).Msg("participant connected")
	if s.ev.OnParticipantConnected != nil {
		s.ev.OnParticipantConnected(p.Identity())
	}
}

func (s *Session) onParticipantDisconnected(p *lksdk.RemoteParticipant) {
	s.log.Debug().Str("identity", p.Identity()).Msg("participant disconnected")
	if s.ev.OnParticipantDisconnected != nil {
		s.ev.OnParticipantDisconnected(p.Identity())
	}
}

func (s *Session) onDisconnected() {
	if s.ev.OnDisconnected != nil {
		s.ev.OnDisconnected()
	}
}
