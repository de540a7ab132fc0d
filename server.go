package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"warm-transfer-server/store"
	"warm-transfer-server/summary"
	"warm-transfer-server/telephony"
)

const serverVersion = "1.0.0"

// RoomProvider is the media-server surface the handlers depend on;
// satisfied by livekit.Client, faked in tests.
type RoomProvider interface {
	MintToken(roomName, identity, role string) (string, error)
	EnsureRoom(ctx context.Context, roomName string) error
	ValidateMembership(ctx context.Context, roomName, identity string) (bool, error)
	DisconnectParticipant(ctx context.Context, roomName, identity string) error
	BroadcastData(ctx context.Context, roomName string, payload []byte) error
}

// Summarizer produces handoff summaries; satisfied by summary.Client.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) summary.Result
	Status() summary.Status
}

// PhoneBridge dials a room out to a phone number; satisfied by
// telephony.Service.
type PhoneBridge interface {
	StartTransfer(ctx context.Context, roomName, agentIdentity, phoneNumber, summaryText string, timeoutSeconds int) (*telephony.Call, error)
	Enabled() bool
}

// RoomStore is the persistence surface the handlers use.
type RoomStore interface {
	EnsureRoom(ctx context.Context, roomName string) error
	AppendTranscript(ctx context.Context, roomName, transcript string) error
	Transcript(ctx context.Context, roomName string) (string, error)
	SetSummary(ctx context.Context, roomName, summaryText string) error
	Summary(ctx context.Context, roomName string) (string, error)
	AddRoomMember(ctx context.Context, roomName, identity string) error
	IsRoomMember(ctx context.Context, roomName, identity string) (bool, error)
	SetCallStatus(ctx context.Context, cs store.CallStatus) error
	CallStatus(ctx context.Context, roomName string) (store.CallStatus, error)
}

// Server wires the HTTP API to the media server, the summarizer, the
// phone bridge and the store.
type Server struct {
	rooms          RoomProvider
	summarizer     Summarizer
	phone          PhoneBridge
	store          RoomStore
	states         *roomStates
	events         *eventHub
	callerIdentity string
	log            zerolog.Logger
}

// NewServer builds the server around its collaborators. callerIdentity
// is the fixed identity the caller participant joins rooms with.
func NewServer(rooms RoomProvider, summarizer Summarizer, phone PhoneBridge, st RoomStore, callerIdentity string, log zerolog.Logger) *Server {
	if callerIdentity == "" {
		callerIdentity = "caller"
	}
	return &Server{
		rooms:          rooms,
		summarizer:     summarizer,
		phone:          phone,
		store:          st,
		states:         newRoomStates(time.Hour),
		events:         newEventHub(log),
		callerIdentity: callerIdentity,
		log:            log.With().Str("component", "server").Logger(),
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.events.Handle)

	r.Post("/create-room", s.handleCreateRoom)
	r.Post("/join-token", s.handleJoinToken)
	r.Post("/transfer", s.handleTransfer)
	r.Get("/room/{roomName}/summary", s.handleRoomSummary)
	r.Post("/validate-membership", s.handleValidateMembership)

	r.Post("/twilio-transfer", s.handleTwilioTransfer)
	r.Post("/twilio-status", s.handleTwilioStatus)
	r.Get("/twilio-call-status/{roomName}", s.handleTwilioCallStatus)

	return r
}

// Run starts the cleanup loop and serves HTTP until ctx is canceled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.states.RunCleanup(ctx, 5*time.Minute, s.log)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")
	s.events.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
