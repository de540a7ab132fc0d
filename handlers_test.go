package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warm-transfer-server/apiclient"
	"warm-transfer-server/store"
	"warm-transfer-server/summary"
	"warm-transfer-server/telephony"
)

type fakeRoomProvider struct {
	mu           sync.Mutex
	ensured      []string
	minted       []string
	ensureErr    error
	mintErr      error
	members      map[string]bool
	validateErr  error
	broadcasts   [][]byte
	disconnected []string
}

func newFakeRoomProvider() *fakeRoomProvider {
	return &fakeRoomProvider{members: make(map[string]bool)}
}

func (f *fakeRoomProvider) MintToken(roomName, identity, role string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mintErr != nil {
		return "", f.mintErr
	}
	token := fmt.Sprintf("tok-%s-%s-%s", roomName, identity, role)
	f.minted = append(f.minted, token)
	return token, nil
}

func (f *fakeRoomProvider) EnsureRoom(ctx context.Context, roomName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.ensured = append(f.ensured, roomName)
	return nil
}

func (f *fakeRoomProvider) ValidateMembership(ctx context.Context, roomName, identity string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateErr != nil {
		return false, f.validateErr
	}
	return f.members[roomName+"/"+identity], nil
}

func (f *fakeRoomProvider) DisconnectParticipant(ctx context.Context, roomName, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, roomName+"/"+identity)
	return nil
}

func (f *fakeRoomProvider) BroadcastData(ctx context.Context, roomName string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, payload)
	return nil
}

type fakeSummarizer struct {
	text     string
	fallback bool
}

func (f *fakeSummarizer) Summarize(ctx context.Context, transcript string) summary.Result {
	text := f.text
	if text == "" {
		text = "summary of: " + transcript
	}
	return summary.Result{Text: text, Fallback: f.fallback}
}

func (f *fakeSummarizer) Status() summary.Status {
	return summary.Status{Available: !f.fallback, Provider: "groq", Model: "test-model"}
}

type fakePhoneBridge struct {
	mu      sync.Mutex
	call    *telephony.Call
	err     error
	started []string
}

func (f *fakePhoneBridge) StartTransfer(ctx context.Context, roomName, agentIdentity, phoneNumber, summaryText string, timeoutSeconds int) (*telephony.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, roomName+"/"+phoneNumber)
	if f.call != nil {
		return f.call, nil
	}
	return &telephony.Call{SID: "CA123", ToNumber: phoneNumber, Status: "queued"}, nil
}

func (f *fakePhoneBridge) Enabled() bool { return f.err == nil }

type testEnv struct {
	server *Server
	rooms  *fakeRoomProvider
	summ   *fakeSummarizer
	phone  *fakePhoneBridge
	store  *store.Store
	http   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rooms := newFakeRoomProvider()
	summ := &fakeSummarizer{}
	phone := &fakePhoneBridge{}
	srv := NewServer(rooms, summ, phone, st, "caller", zerolog.Nop())
	return &testEnv{
		server: srv,
		rooms:  rooms,
		summ:   summ,
		phone:  phone,
		store:  st,
		http:   srv.Router(),
	}
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.http.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.http.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestCreateRoomGeneratesNameAndToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/create-room", apiclient.CreateRoomRequest{Identity: "caller"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[apiclient.CreateRoomResponse](t, rec)
	assert.True(t, strings.HasPrefix(resp.RoomName, "room-"), "generated name: %q", resp.RoomName)
	assert.NotEmpty(t, resp.Token)

	member, err := env.store.IsRoomMember(context.Background(), resp.RoomName, "caller")
	require.NoError(t, err)
	assert.True(t, member)
}

func TestCreateRoomKeepsProvidedName(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/create-room", apiclient.CreateRoomRequest{RoomName: "support-1", Identity: "agent_a", Role: "agent"})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[apiclient.CreateRoomResponse](t, rec)
	assert.Equal(t, "support-1", resp.RoomName)
	assert.Contains(t, env.rooms.ensured, "support-1")
}

func TestCreateRoomRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	rec := env.postJSON(t, "/create-room", apiclient.CreateRoomRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJoinToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/join-token", apiclient.JoinTokenRequest{RoomName: "room-1", Identity: "agent_b"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[apiclient.JoinTokenResponse](t, rec)
	assert.NotEmpty(t, resp.Token)

	rec = env.postJSON(t, "/join-token", apiclient.JoinTokenRequest{RoomName: "room-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferMintsThreeDistinctTokens(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/transfer", apiclient.TransferRequest{
		FromRoom:          "room-1",
		InitiatorIdentity: "agent_a",
		TargetIdentity:    "agent_b",
		Transcript:        "customer wants refund",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[apiclient.TransferResponse](t, rec)
	assert.NotEqual(t, "room-1", resp.ToRoom, "destination must be a fresh room")
	assert.True(t, strings.HasPrefix(resp.ToRoom, "room-"))

	tokens := map[string]bool{
		resp.InitiatorToken: true,
		resp.TargetToken:    true,
		resp.CallerToken:    true,
	}
	assert.Len(t, tokens, 3, "each party gets its own token")
	assert.NotEmpty(t, resp.Summary)
	assert.True(t, resp.LLMAvailable)

	// Context is carried into the destination room.
	ctx := context.Background()
	stored, err := env.store.Summary(ctx, resp.ToRoom)
	require.NoError(t, err)
	assert.Equal(t, resp.Summary, stored)
	transcript, err := env.store.Transcript(ctx, resp.ToRoom)
	require.NoError(t, err)
	assert.Contains(t, transcript, "customer wants refund")
}

func TestTransferRejectsSameDestination(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/transfer", apiclient.TransferRequest{
		FromRoom:          "room-1",
		ToRoom:            "room-1",
		InitiatorIdentity: "agent_a",
		TargetIdentity:    "agent_b",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferRejectsConcurrent(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.server.states.BeginTransfer("room-1"))
	defer env.server.states.EndTransfer("room-1")

	rec := env.postJSON(t, "/transfer", apiclient.TransferRequest{
		FromRoom:          "room-1",
		InitiatorIdentity: "agent_a",
		TargetIdentity:    "agent_b",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTransferReleasesGuard(t *testing.T) {
	env := newTestEnv(t)

	req := apiclient.TransferRequest{
		FromRoom:          "room-1",
		InitiatorIdentity: "agent_a",
		TargetIdentity:    "agent_b",
	}
	rec := env.postJSON(t, "/transfer", req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.postJSON(t, "/transfer", req)
	assert.Equal(t, http.StatusOK, rec.Code, "guard must be released after the transfer completes")
}

func TestTransferValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/transfer", apiclient.TransferRequest{InitiatorIdentity: "a", TargetIdentity: "b"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/transfer", apiclient.TransferRequest{FromRoom: "room-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferRejectsIdenticalParties(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/transfer", apiclient.TransferRequest{
		FromRoom:          "room-1",
		InitiatorIdentity: "agent_a",
		TargetIdentity:    "agent_a",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "identical parties would collapse the token set")
}

func TestTransferFallbackSummaryFlagged(t *testing.T) {
	env := newTestEnv(t)
	env.summ.fallback = true
	env.summ.text = "LLM unavailable — Notes: customer wants refund — please verify details."

	rec := env.postJSON(t, "/transfer", apiclient.TransferRequest{
		FromRoom:          "room-1",
		InitiatorIdentity: "agent_a",
		TargetIdentity:    "agent_b",
		Transcript:        "customer wants refund",
	})
	require.Equal(t, http.StatusOK, rec.Code, "LLM failure must not fail the transfer")

	resp := decodeBody[apiclient.TransferResponse](t, rec)
	assert.False(t, resp.LLMAvailable)
	assert.NotEmpty(t, resp.Summary)
}

func TestTransferDestinationRoomFailure(t *testing.T) {
	env := newTestEnv(t)
	env.rooms.ensureErr = errors.New("media server down")

	rec := env.postJSON(t, "/transfer", apiclient.TransferRequest{
		FromRoom:          "room-1",
		InitiatorIdentity: "agent_a",
		TargetIdentity:    "agent_b",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestRoomSummary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.EnsureRoom(ctx, "room-2"))
	require.NoError(t, env.store.SetSummary(ctx, "room-2", "customer needs billing help"))
	require.NoError(t, env.store.AppendTranscript(ctx, "room-2", "line one"))

	rec := env.get(t, "/room/room-2/summary")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[apiclient.RoomSummaryResponse](t, rec)
	assert.Equal(t, "customer needs billing help", resp.Summary)
	assert.Equal(t, "line one", resp.Transcript)
}

func TestRoomSummaryUnknownRoomIsEmpty(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/room/nope/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[apiclient.RoomSummaryResponse](t, rec)
	assert.Empty(t, resp.Summary)
	assert.Empty(t, resp.Transcript)
}

func TestValidateMembership(t *testing.T) {
	env := newTestEnv(t)
	env.rooms.members["room-1/agent_a"] = true

	rec := env.postJSON(t, "/validate-membership", apiclient.ValidateMembershipRequest{RoomName: "room-1", Identity: "agent_a"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[apiclient.ValidateMembershipResponse](t, rec)
	assert.True(t, resp.IsMember)

	rec = env.postJSON(t, "/validate-membership", apiclient.ValidateMembershipRequest{RoomName: "room-1", Identity: "stranger"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[apiclient.ValidateMembershipResponse](t, rec)
	assert.False(t, resp.IsMember)
}

func TestValidateMembershipFallsBackToRecords(t *testing.T) {
	env := newTestEnv(t)
	env.rooms.validateErr = errors.New("media server down")
	require.NoError(t, env.store.AddRoomMember(context.Background(), "room-1", "agent_a"))

	rec := env.postJSON(t, "/validate-membership", apiclient.ValidateMembershipRequest{RoomName: "room-1", Identity: "agent_a"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[apiclient.ValidateMembershipResponse](t, rec)
	assert.True(t, resp.IsMember)
	assert.Equal(t, "verified from records", resp.Message)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[apiclient.HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.LLM.Available)
	assert.Equal(t, serverVersion, resp.Version)
}

func TestTwilioTransfer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(t, "/twilio-transfer", apiclient.PhoneTransferRequest{
		FromRoom:       "room-1",
		CallerIdentity: "agent_a",
		PhoneNumber:    "+15551234567",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[apiclient.PhoneTransferResponse](t, rec)
	assert.Equal(t, "CA123", resp.CallSID)
	assert.Equal(t, "+15551234567", resp.ToNumber)
	assert.Equal(t, "queued", resp.Status)

	env.rooms.mu.Lock()
	defer env.rooms.mu.Unlock()
	require.Len(t, env.rooms.broadcasts, 1, "room participants are notified of the phone leg")
	assert.Contains(t, string(env.rooms.broadcasts[0]), "phone_transfer_initiated")
}

func TestTwilioTransferNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.phone.err = telephony.ErrNotConfigured

	rec := env.postJSON(t, "/twilio-transfer", apiclient.PhoneTransferRequest{
		FromRoom:       "room-1",
		CallerIdentity: "agent_a",
		PhoneNumber:    "+15551234567",
	})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestTwilioTransferValidation(t *testing.T) {
	env := newTestEnv(t)
	rec := env.postJSON(t, "/twilio-transfer", apiclient.PhoneTransferRequest{FromRoom: "room-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTwilioStatusWebhook(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "in-progress")
	req := httptest.NewRequest(http.MethodPost, "/twilio-status?room=room-1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.http.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.get(t, "/twilio-call-status/room-1")
	require.Equal(t, http.StatusOK, rec.Code)
	cs := decodeBody[store.CallStatus](t, rec)
	assert.Equal(t, "CA123", cs.CallSID)
	assert.Equal(t, "in-progress", cs.Status)
}

func TestTwilioCallStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get(t, "/twilio-call-status/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
