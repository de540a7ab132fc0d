// Package apiclient is a typed HTTP client for the warm-transfer
// coordination service.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"warm-transfer-server/store"
	"warm-transfer-server/summary"
)

// ServiceError is a non-2xx response from the coordination service.
// Errors of this kind are retryable by user action.
type ServiceError struct {
	StatusCode int
	Detail     string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("coordination service: %d: %s", e.StatusCode, e.Detail)
}

// CreateRoomRequest asks for a room (freshly named when RoomName is
// empty) and a join token for the given identity.
type CreateRoomRequest struct {
	RoomName string `json:"room_name,omitempty"`
	Identity string `json:"identity"`
	Role     string `json:"role"`
}

type CreateRoomResponse struct {
	RoomName string `json:"room_name"`
	Token    string `json:"token"`
}

type JoinTokenRequest struct {
	RoomName string `json:"room_name"`
	Identity string `json:"identity"`
}

type JoinTokenResponse struct {
	Token string `json:"token"`
}

// TransferRequest initiates a warm transfer out of FromRoom.
type TransferRequest struct {
	FromRoom          string `json:"from_room"`
	InitiatorIdentity string `json:"initiator_identity"`
	TargetIdentity    string `json:"target_identity"`
	ToRoom            string `json:"to_room,omitempty"`
	Transcript        string `json:"transcript,omitempty"`
}

// TransferResponse carries the destination room, one join token per
// party and the handoff summary. LLMAvailable is false when the summary
// is the deterministic fallback.
type TransferResponse struct {
	ToRoom         string `json:"to_room"`
	InitiatorToken string `json:"initiator_token"`
	TargetToken    string `json:"target_token"`
	CallerToken    string `json:"caller_token"`
	Summary        string `json:"summary"`
	LLMAvailable   bool   `json:"llm_available"`
}

type RoomSummaryResponse struct {
	Summary    string `json:"summary"`
	Transcript string `json:"transcript"`
}

type ValidateMembershipRequest struct {
	RoomName string `json:"room_name"`
	Identity string `json:"identity"`
}

type ValidateMembershipResponse struct {
	IsMember bool   `json:"is_member"`
	Message  string `json:"message"`
}

// PhoneTransferRequest bridges the room out to an external phone number.
type PhoneTransferRequest struct {
	FromRoom       string `json:"from_room"`
	CallerIdentity string `json:"caller_identity"`
	PhoneNumber    string `json:"phone_number"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type PhoneTransferResponse struct {
	CallSID  string `json:"call_sid"`
	ToNumber string `json:"to_number"`
	Status   string `json:"status"`
}

type HealthResponse struct {
	Status  string         `json:"status"`
	LLM     summary.Status `json:"llm"`
	Version string         `json:"version"`
}

// Client issues the coordination-service operations.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewWithHTTPClient builds a client with a caller-supplied http.Client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	c := New(baseURL)
	if hc != nil {
		c.http = hc
	}
	return c
}

// CreateRoom creates (or names) a room and mints a join token.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (*CreateRoomResponse, error) {
	var resp CreateRoomResponse
	if err := c.post(ctx, "/create-room", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinToken mints a participant token for an existing room.
func (c *Client) JoinToken(ctx context.Context, req JoinTokenRequest) (*JoinTokenResponse, error) {
	var resp JoinTokenResponse
	if err := c.post(ctx, "/join-token", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Transfer initiates a warm transfer.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (*TransferResponse, error) {
	var resp TransferResponse
	if err := c.post(ctx, "/transfer", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomSummary fetches the stored summary and transcript for a room.
func (c *Client) RoomSummary(ctx context.Context, roomName string) (*RoomSummaryResponse, error) {
	var resp RoomSummaryResponse
	if err := c.get(ctx, "/room/"+url.PathEscape(roomName)+"/summary", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ValidateMembership checks whether an identity is in a room.
func (c *Client) ValidateMembership(ctx context.Context, req ValidateMembershipRequest) (*ValidateMembershipResponse, error) {
	var resp ValidateMembershipResponse
	if err := c.post(ctx, "/validate-membership", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PhoneTransfer bridges the room to an external phone number.
func (c *Client) PhoneTransfer(ctx context.Context, req PhoneTransferRequest) (*PhoneTransferResponse, error) {
	var resp PhoneTransferResponse
	if err := c.post(ctx, "/twilio-transfer", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CallStatus fetches the persisted telephony call status for a room.
func (c *Client) CallStatus(ctx context.Context, roomName string) (*store.CallStatus, error) {
	var resp store.CallStatus
	if err := c.get(ctx, "/twilio-call-status/"+url.PathEscape(roomName), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches service and LLM availability.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServiceError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}

func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "unreadable error body"
	}
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Detail != "" {
			return body.Detail
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
