package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"warm-transfer-server/apiclient"
	"warm-transfer-server/store"
	"warm-transfer-server/telephony"
)

// newRoomName mints a fresh room identifier.
func newRoomName() string {
	return "room-" + uuid.NewString()[:8]
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, apiclient.HealthResponse{
		Status:  "ok",
		LLM:     s.summarizer.Status(),
		Version: serverVersion,
	})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req apiclient.CreateRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Identity == "" {
		respondError(w, http.StatusBadRequest, "identity is required")
		return
	}
	role := req.Role
	if role == "" {
		role = "caller"
	}
	roomName := req.RoomName
	if roomName == "" {
		roomName = newRoomName()
	}

	ctx := r.Context()
	if err := s.rooms.EnsureRoom(ctx, roomName); err != nil {
		s.log.Error().Err(err).Str("room", roomName).Msg("create room failed")
		respondError(w, http.StatusBadGateway, "failed to create room")
		return
	}
	token, err := s.rooms.MintToken(roomName, req.Identity, role)
	if err != nil {
		s.log.Error().Err(err).Str("room", roomName).Msg("mint token failed")
		respondError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}

	if err := s.store.EnsureRoom(ctx, roomName); err != nil {
		s.log.Warn().Err(err).Str("room", roomName).Msg("persist room")
	}
	if err := s.store.AddRoomMember(ctx, roomName, req.Identity); err != nil {
		s.log.Warn().Err(err).Str("room", roomName).Msg("persist room member")
	}
	s.states.Touch(roomName)
	s.events.Publish("room_created", roomName, map[string]string{"identity": req.Identity})

	respondJSON(w, http.StatusOK, apiclient.CreateRoomResponse{RoomName: roomName, Token: token})
}

func (s *Server) handleJoinToken(w http.ResponseWriter, r *http.Request) {
	var req apiclient.JoinTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RoomName == "" || req.Identity == "" {
		respondError(w, http.StatusBadRequest, "room_name and identity are required")
		return
	}

	token, err := s.rooms.MintToken(req.RoomName, req.Identity, "participant")
	if err != nil {
		s.log.Error().Err(err).Str("room", req.RoomName).Msg("mint token failed")
		respondError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}

	ctx := r.Context()
	if err := s.store.AddRoomMember(ctx, req.RoomName, req.Identity); err != nil {
		s.log.Warn().Err(err).Str("room", req.RoomName).Msg("persist room member")
	}
	s.states.Touch(req.RoomName)

	respondJSON(w, http.StatusOK, apiclient.JoinTokenResponse{Token: token})
}

// handleTransfer coordinates a warm transfer: it appends any new
// transcript, generates the handoff summary, prepares a fresh
// destination room and mints one token per party. The initiating
// agent is responsible for signaling the caller over the old room's
// data channel; concurrent transfers on the same room are rejected.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req apiclient.TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FromRoom == "" {
		respondError(w, http.StatusBadRequest, "from_room is required")
		return
	}
	if req.InitiatorIdentity == "" || req.TargetIdentity == "" {
		respondError(w, http.StatusBadRequest, "initiator_identity and target_identity are required")
		return
	}
	if req.InitiatorIdentity == req.TargetIdentity {
		respondError(w, http.StatusBadRequest, "initiator_identity and target_identity must differ")
		return
	}
	if req.ToRoom == req.FromRoom && req.ToRoom != "" {
		respondError(w, http.StatusBadRequest, "to_room must differ from from_room")
		return
	}

	if !s.states.BeginTransfer(req.FromRoom) {
		respondError(w, http.StatusConflict, "a transfer is already in progress for this room")
		return
	}
	defer s.states.EndTransfer(req.FromRoom)

	ctx := r.Context()
	if err := s.store.EnsureRoom(ctx, req.FromRoom); err != nil {
		s.log.Warn().Err(err).Str("room", req.FromRoom).Msg("persist room")
	}
	if t := strings.TrimSpace(req.Transcript); t != "" {
		if err := s.store.AppendTranscript(ctx, req.FromRoom, t); err != nil {
			s.log.Warn().Err(err).Str("room", req.FromRoom).Msg("append transcript")
		}
	}

	transcript, err := s.store.Transcript(ctx, req.FromRoom)
	if err != nil {
		s.log.Warn().Err(err).Str("room", req.FromRoom).Msg("load transcript")
		transcript = strings.TrimSpace(req.Transcript)
	}

	result := s.summarizer.Summarize(ctx, transcript)

	toRoom := req.ToRoom
	if toRoom == "" {
		toRoom = newRoomName()
	}
	if err := s.rooms.EnsureRoom(ctx, toRoom); err != nil {
		s.log.Error().Err(err).Str("room", toRoom).Msg("create destination room failed")
		respondError(w, http.StatusBadGateway, "failed to create destination room")
		return
	}

	initiatorToken, err := s.rooms.MintToken(toRoom, req.InitiatorIdentity, "agent")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to mint initiator token")
		return
	}
	targetToken, err := s.rooms.MintToken(toRoom, req.TargetIdentity, "agent")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to mint target token")
		return
	}
	callerToken, err := s.rooms.MintToken(toRoom, s.callerIdentity, "caller")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to mint caller token")
		return
	}

	// Carry the conversation context into the destination room so
	// the target agent can fetch it there.
	if err := s.store.EnsureRoom(ctx, toRoom); err != nil {
		s.log.Warn().Err(err).Str("room", toRoom).Msg("persist room")
	}
	if err := s.store.SetSummary(ctx, toRoom, result.Text); err != nil {
		s.log.Warn().Err(err).Str("room", toRoom).Msg("persist summary")
	}
	if transcript != "" {
		if err := s.store.AppendTranscript(ctx, toRoom, transcript); err != nil {
			s.log.Warn().Err(err).Str("room", toRoom).Msg("carry transcript")
		}
	}
	for _, identity := range []string{req.InitiatorIdentity, req.TargetIdentity, s.callerIdentity} {
		if err := s.store.AddRoomMember(ctx, toRoom, identity); err != nil {
			s.log.Warn().Err(err).Str("room", toRoom).Msg("persist room member")
		}
	}
	s.states.Touch(toRoom)

	s.log.Info().
		Str("from_room", req.FromRoom).
		Str("to_room", toRoom).
		Str("initiator", req.InitiatorIdentity).
		Str("target", req.TargetIdentity).
		Bool("llm_available", !result.Fallback).
		Msg("transfer prepared")
	s.events.Publish("transfer_initiated", req.FromRoom, map[string]interface{}{
		"to_room":   toRoom,
		"initiator": req.InitiatorIdentity,
		"target":    req.TargetIdentity,
	})

	respondJSON(w, http.StatusOK, apiclient.TransferResponse{
		ToRoom:         toRoom,
		InitiatorToken: initiatorToken,
		TargetToken:    targetToken,
		CallerToken:    callerToken,
		Summary:        result.Text,
		LLMAvailable:   !result.Fallback,
	})
}

func (s *Server) handleRoomSummary(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "roomName")
	ctx := r.Context()

	summaryText, err := s.store.Summary(ctx, roomName)
	if err != nil {
		s.log.Warn().Err(err).Str("room", roomName).Msg("load summary")
	}
	transcript, err := s.store.Transcript(ctx, roomName)
	if err != nil {
		s.log.Warn().Err(err).Str("room", roomName).Msg("load transcript")
	}

	respondJSON(w, http.StatusOK, apiclient.RoomSummaryResponse{
		Summary:    summaryText,
		Transcript: transcript,
	})
}

func (s *Server) handleValidateMembership(w http.ResponseWriter, r *http.Request) {
	var req apiclient.ValidateMembershipRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RoomName == "" || req.Identity == "" {
		respondError(w, http.StatusBadRequest, "room_name and identity are required")
		return
	}

	ctx := r.Context()
	live, err := s.rooms.ValidateMembership(ctx, req.RoomName, req.Identity)
	if err != nil {
		// Fall back to recorded membership when the media server is
		// unreachable.
		s.log.Warn().Err(err).Str("room", req.RoomName).Msg("live membership check failed")
		recorded, serr := s.store.IsRoomMember(ctx, req.RoomName, req.Identity)
		if serr != nil {
			respondError(w, http.StatusBadGateway, "membership check failed")
			return
		}
		respondJSON(w, http.StatusOK, apiclient.ValidateMembershipResponse{
			IsMember: recorded,
			Message:  "verified from records",
		})
		return
	}

	msg := "participant is not in the room"
	if live {
		msg = "participant is in the room"
	}
	respondJSON(w, http.StatusOK, apiclient.ValidateMembershipResponse{IsMember: live, Message: msg})
}

// handleTwilioTransfer bridges the room to an external phone number.
// The summary is spoken to the callee before the call joins the room.
func (s *Server) handleTwilioTransfer(w http.ResponseWriter, r *http.Request) {
	var req apiclient.PhoneTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.FromRoom == "" || req.CallerIdentity == "" || req.PhoneNumber == "" {
		respondError(w, http.StatusBadRequest, "from_room, caller_identity and phone_number are required")
		return
	}

	ctx := r.Context()
	transcript, err := s.store.Transcript(ctx, req.FromRoom)
	if err != nil {
		s.log.Warn().Err(err).Str("room", req.FromRoom).Msg("load transcript")
	}
	result := s.summarizer.Summarize(ctx, transcript)

	call, err := s.phone.StartTransfer(ctx, req.FromRoom, req.CallerIdentity, req.PhoneNumber, result.Text, req.TimeoutSeconds)
	if err != nil {
		if errors.Is(err, telephony.ErrNotConfigured) {
			respondError(w, http.StatusNotImplemented, "telephony is not configured")
			return
		}
		s.log.Error().Err(err).Str("room", req.FromRoom).Msg("phone transfer failed")
		respondError(w, http.StatusInternalServerError, "failed to initiate phone call")
		return
	}

	// Let the participants still in the room know a phone leg is
	// being established.
	notice, _ := json.Marshal(map[string]string{
		"type":     "phone_transfer_initiated",
		"call_sid": call.SID,
		"status":   call.Status,
	})
	if err := s.rooms.BroadcastData(ctx, req.FromRoom, notice); err != nil {
		s.log.Warn().Err(err).Str("room", req.FromRoom).Msg("broadcast phone transfer notice")
	}
	s.states.Touch(req.FromRoom)
	s.events.Publish("phone_transfer_initiated", req.FromRoom, map[string]string{
		"call_sid": call.SID,
		"status":   call.Status,
	})

	respondJSON(w, http.StatusOK, apiclient.PhoneTransferResponse{
		CallSID:  call.SID,
		ToNumber: call.ToNumber,
		Status:   call.Status,
	})
}

// handleTwilioStatus receives Twilio status callbacks
// (application/x-www-form-urlencoded).
func (s *Server) handleTwilioStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	callSID := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")
	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		roomName = r.FormValue("RoomName")
	}
	if callSID == "" || callStatus == "" {
		respondError(w, http.StatusBadRequest, "CallSid and CallStatus are required")
		return
	}

	if err := s.store.SetCallStatus(r.Context(), store.CallStatus{
		RoomName: roomName,
		CallSID:  callSID,
		Status:   callStatus,
	}); err != nil {
		s.log.Warn().Err(err).Str("call_sid", callSID).Msg("persist call status")
	}
	s.events.Publish("call_status", roomName, map[string]string{
		"call_sid": callSID,
		"status":   callStatus,
	})

	respondJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func (s *Server) handleTwilioCallStatus(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "roomName")

	cs, err := s.store.CallStatus(r.Context(), roomName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no call found for room")
			return
		}
		s.log.Error().Err(err).Str("room", roomName).Msg("load call status")
		respondError(w, http.StatusInternalServerError, "failed to load call status")
		return
	}
	respondJSON(w, http.StatusOK, cs)
}
