// Package telephony bridges a live room out to an external phone number
// via Twilio. The callee hears the handoff summary, then Twilio connects
// the call into the existing room while the initiating agent is dropped.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"warm-transfer-server/store"
)

// ErrNotConfigured is returned when Twilio credentials are absent; the
// server maps it to 501.
var ErrNotConfigured = errors.New("telephony is not configured")

// Terminal call states after which monitoring stops.
var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

// Call is the outcome of a successfully initiated phone transfer.
type Call struct {
	SID      string
	ToNumber string
	Status   string
}

// Config holds Twilio credentials and retry/monitor tuning.
type Config struct {
	AccountSID  string
	AuthToken   string
	FromNumber  string
	CallbackURL string // optional status-callback base URL
	MaxRetries  int
	RetryDelay  time.Duration
	// GraceDelay is how long to wait after call creation before the
	// initiating agent is disconnected from the room.
	GraceDelay time.Duration
	// PollInterval is the base delay between call status polls.
	PollInterval time.Duration
}

// callAPI is the slice of the Twilio REST API the service uses;
// satisfied by twilio's generated ApiService, faked in tests.
type callAPI interface {
	CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error)
	FetchCall(sid string, params *twilioapi.FetchCallParams) (*twilioapi.ApiV2010Call, error)
}

// RoomControl is the media-server surface the phone transfer needs.
type RoomControl interface {
	DisconnectParticipant(ctx context.Context, roomName, identity string) error
}

// StatusStore persists call status transitions.
type StatusStore interface {
	SetCallStatus(ctx context.Context, cs store.CallStatus) error
}

// Service drives outbound phone transfers.
type Service struct {
	cfg   Config
	api   callAPI
	rooms RoomControl
	st    StatusStore
	log   zerolog.Logger
}

// New builds the service. When credentials are missing the service is
// still constructed but every transfer returns ErrNotConfigured.
func New(cfg Config, rooms RoomControl, st StatusStore, log zerolog.Logger) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	s := &Service{
		cfg:   cfg,
		rooms: rooms,
		st:    st,
		log:   log.With().Str("component", "telephony").Logger(),
	}
	if s.Enabled() {
		client := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		s.api = client.Api
	}
	return s
}

// Enabled reports whether Twilio credentials are configured.
func (s *Service) Enabled() bool {
	return s.cfg.AccountSID != "" && s.cfg.AuthToken != "" && s.cfg.FromNumber != ""
}

// StartTransfer places the outbound call with retry and exponential
// backoff, persists the initial status and starts the background monitor
// that removes the initiating agent from the room.
func (s *Service) StartTransfer(ctx context.Context, roomName, agentIdentity, phoneNumber, summaryText string, timeoutSeconds int) (*Call, error) {
	if !s.Enabled() {
		return nil, ErrNotConfigured
	}
	if phoneNumber == "" {
		return nil, fmt.Errorf("phone number is required")
	}

	participantIdentity := "twilio-" + uuid.NewString()[:8]
	doc, err := transferTwiML(roomName, participantIdentity, summaryText)
	if err != nil {
		return nil, fmt.Errorf("build twiml: %w", err)
	}

	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}
	if timeoutSeconds > 60 {
		timeoutSeconds = 60 // Twilio API ceiling
	}

	params := &twilioapi.CreateCallParams{}
	params.SetTo(phoneNumber)
	params.SetFrom(s.cfg.FromNumber)
	params.SetTwiml(doc)
	params.SetTimeout(timeoutSeconds)
	if s.cfg.CallbackURL != "" {
		params.SetStatusCallback(s.cfg.CallbackURL + "/twilio-status?room=" + url.QueryEscape(roomName))
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		call, err := s.api.CreateCall(params)
		if err == nil {
			result := &Call{
				SID:      deref(call.Sid),
				ToNumber: phoneNumber,
				Status:   deref(call.Status),
			}
			s.log.Info().
				Str("call_sid", result.SID).
				Str("status", result.Status).
				Int("attempt", attempt).
				Msg("phone transfer call created")

			if err := s.st.SetCallStatus(ctx, store.CallStatus{
				RoomName:    roomName,
				CallSID:     result.SID,
				Status:      result.Status,
				PhoneNumber: phoneNumber,
			}); err != nil {
				s.log.Warn().Err(err).Msg("persist initial call status")
			}

			go s.monitor(result.SID, roomName, agentIdentity)
			return result, nil
		}

		lastErr = err
		if attempt < s.cfg.MaxRetries {
			wait := s.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			s.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("call attempt failed")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return nil, fmt.Errorf("call initiation failed after %d attempts: %w", s.cfg.MaxRetries, lastErr)
}

// monitor waits for the call to be established, disconnects the
// initiating agent from the room, then polls the call status with an
// increasing delay until it reaches a terminal state.
func (s *Service) monitor(callSID, roomName, agentIdentity string) {
	time.Sleep(s.cfg.GraceDelay)

	ctx := context.Background()
	if err := s.rooms.DisconnectParticipant(ctx, roomName, agentIdentity); err != nil {
		// The transfer proceeds even if the agent could not be dropped.
		s.log.Warn().Err(err).Str("identity", agentIdentity).Msg("disconnect agent failed")
	}

	const maxAttempts = 12
	for attempt := 0; attempt < maxAttempts; attempt++ {
		call, err := s.api.FetchCall(callSID, &twilioapi.FetchCallParams{})
		if err != nil {
			s.log.Warn().Err(err).Int("attempt", attempt).Msg("fetch call status")
		} else {
			status := deref(call.Status)
			if err := s.st.SetCallStatus(ctx, store.CallStatus{
				RoomName: roomName,
				CallSID:  callSID,
				Status:   status,
			}); err != nil {
				s.log.Warn().Err(err).Msg("persist call status")
			}
			if terminalStatuses[status] {
				s.log.Info().Str("call_sid", callSID).Str("status", status).Msg("call ended")
				return
			}
		}

		wait := s.cfg.PollInterval * time.Duration(attempt+1)
		if cap := 6 * s.cfg.PollInterval; wait > cap {
			wait = cap
		}
		time.Sleep(wait)
	}
	s.log.Warn().Str("call_sid", callSID).Msg("gave up polling call status")
}

// transferTwiML builds the voice document: read the summary to the
// callee, then connect the call into the LiveKit room.
func transferTwiML(roomName, participantIdentity, summaryText string) (string, error) {
	say := &twiml.VoiceSay{
		Message: "Hello. You are being connected for a warm transfer. " +
			"Here's a summary of the conversation so far: " + summaryText + " " +
			"Please wait while we connect you to the call.",
		Voice:    "Polly.Joanna",
		Language: "en-US",
	}
	room := &twiml.VoiceRoom{
		Name:                roomName,
		ParticipantIdentity: participantIdentity,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{room},
	}
	return twiml.Voice([]twiml.Element{say, connect})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
