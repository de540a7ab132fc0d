// Package livekit wraps access-token minting and room service operations
// against the LiveKit media server.
package livekit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/rs/zerolog"
)

const defaultTokenTTL = time.Hour

// Config holds the LiveKit server coordinates.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// Client mints join tokens and drives server-side room operations.
type Client struct {
	roomService *lksdk.RoomServiceClient
	apiKey      string
	apiSecret   string
	tokenTTL    time.Duration
	log         zerolog.Logger
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("livekit api key and secret must be set")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("livekit url must be set")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Client{
		roomService: lksdk.NewRoomServiceClient(httpURL(cfg.URL), cfg.APIKey, cfg.APISecret),
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		tokenTTL:    ttl,
		log:         log.With().Str("component", "livekit").Logger(),
	}, nil
}

// MintToken mints a join token scoped to a single room. The role is
// carried in the token metadata for the clients to read.
func (c *Client) MintToken(roomName, identity, role string) (string, error) {
	if roomName == "" || identity == "" {
		return "", fmt.Errorf("room name and identity are required")
	}
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	at := auth.NewAccessToken(c.apiKey, c.apiSecret).
		SetVideoGrant(grant).
		SetIdentity(identity).
		SetMetadata(role).
		SetValidFor(c.tokenTTL)
	jwt, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("mint token for %s in %s: %w", identity, roomName, err)
	}
	return jwt, nil
}

// EnsureRoom creates the room on the media server. CreateRoom is
// idempotent on the server side, so calling it for an existing room is
// safe.
func (c *Client) EnsureRoom(ctx context.Context, roomName string) error {
	_, err := c.roomService.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name: roomName,
	})
	if err != nil {
		return fmt.Errorf("create room %s: %w", roomName, err)
	}
	c.log.Debug().Str("room", roomName).Msg("room ensured")
	return nil
}

// ValidateMembership reports whether the identity is currently connected
// to the room.
func (c *Client) ValidateMembership(ctx context.Context, roomName, identity string) (bool, error) {
	resp, err := c.roomService.ListParticipants(ctx, &livekit.ListParticipantsRequest{
		Room: roomName,
	})
	if err != nil {
		return false, fmt.Errorf("list participants in %s: %w", roomName, err)
	}
	for _, p := range resp.Participants {
		if p.Identity == identity {
			return true, nil
		}
	}
	return false, nil
}

// DisconnectParticipant removes the identity from the room server-side.
func (c *Client) DisconnectParticipant(ctx context.Context, roomName, identity string) error {
	_, err := c.roomService.RemoveParticipant(ctx, &livekit.RoomParticipantIdentity{
		Room:     roomName,
		Identity: identity,
	})
	if err != nil {
		return fmt.Errorf("remove participant %s from %s: %w", identity, roomName, err)
	}
	c.log.Info().Str("room", roomName).Str("identity", identity).Msg("participant disconnected")
	return nil
}

// BroadcastData publishes a reliable data packet to every participant in
// the room, the server-side equivalent of a data-channel broadcast.
func (c *Client) BroadcastData(ctx context.Context, roomName string, payload []byte) error {
	_, err := c.roomService.SendData(ctx, &livekit.SendDataRequest{
		Room: roomName,
		Data: payload,
		Kind: livekit.DataPacket_RELIABLE,
	})
	if err != nil {
		return fmt.Errorf("send data to %s: %w", roomName, err)
	}
	return nil
}

// httpURL converts a ws(s) LiveKit URL to the http(s) form the room
// service API expects.
func httpURL(url string) string {
	switch {
	case strings.HasPrefix(url, "wss://"):
		return "https://" + strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		return "http://" + strings.TrimPrefix(url, "ws://")
	default:
		return url
	}
}
