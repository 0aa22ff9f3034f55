// Package daily is a small client for the Daily REST API: rooms and meeting
// tokens.
package daily

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/mds-moderator/internal/domain"
	"github.com/ashureev/mds-moderator/internal/shared"
)

// DefaultAPIURL is the public Daily REST endpoint.
const DefaultAPIURL = "https://api.daily.co/v1"

// ErrInvalidRoomURL is returned for URLs without a room name.
var ErrInvalidRoomURL = errors.New("invalid room url")

// Client talks to the Daily REST API.
type Client struct {
	apiURL string
	apiKey string
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a client. httpClient may be nil.
func New(apiURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		http:   httpClient,
		logger: logger,
		now:    time.Now,
	}
}

type roomProperties struct {
	Exp            int64 `json:"exp,omitempty"`
	EjectAtRoomExp bool  `json:"eject_at_room_exp,omitempty"`
}

type roomRequest struct {
	Properties roomProperties `json:"properties"`
}

type roomResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Config struct {
		Exp int64 `json:"exp"`
	} `json:"config"`
}

func (r roomResponse) room() domain.Room {
	room := domain.Room{Name: r.Name, URL: r.URL}
	if r.Config.Exp > 0 {
		room.ExpiresAt = time.Unix(r.Config.Exp, 0).UTC()
	}
	return room
}

type tokenProperties struct {
	RoomName string `json:"room_name"`
	Exp      int64  `json:"exp,omitempty"`
	IsOwner  bool   `json:"is_owner,omitempty"`
}

type tokenRequest struct {
	Properties tokenProperties `json:"properties"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// CreateRoom creates a new room.
func (c *Client) CreateRoom(ctx context.Context, opts domain.RoomOptions) (domain.Room, error) {
	props := roomProperties{EjectAtRoomExp: opts.EjectAtExpiry}
	if opts.ExpiresIn > 0 {
		props.Exp = c.now().Add(opts.ExpiresIn).Unix()
	}

	var resp roomResponse
	if err := shared.DoJSON(ctx, c.http, http.MethodPost, c.apiURL+"/rooms", c.apiKey, roomRequest{Properties: props}, &resp); err != nil {
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	if resp.URL == "" {
		return domain.Room{}, errors.New("create room: response has no url")
	}
	c.logger.Debug("Daily room created", "room", resp.Name, "room_url", resp.URL)
	return resp.room(), nil
}

// GetRoomByURL looks a room up by its URL.
func (c *Client) GetRoomByURL(ctx context.Context, roomURL string) (domain.Room, error) {
	name, err := RoomName(roomURL)
	if err != nil {
		return domain.Room{}, err
	}
	var resp roomResponse
	if err := shared.DoJSON(ctx, c.http, http.MethodGet, c.apiURL+"/rooms/"+url.PathEscape(name), c.apiKey, nil, &resp); err != nil {
		return domain.Room{}, fmt.Errorf("get room %s: %w", name, err)
	}
	return resp.room(), nil
}

// GetToken creates a meeting token for the room valid for ttl. Tokens are
// owner tokens so the bot can manage the room.
func (c *Client) GetToken(ctx context.Context, roomURL string, ttl time.Duration) (string, error) {
	name, err := RoomName(roomURL)
	if err != nil {
		return "", err
	}
	props := tokenProperties{RoomName: name, IsOwner: true}
	if ttl > 0 {
		props.Exp = c.now().Add(ttl).Unix()
	}

	var resp tokenResponse
	if err := shared.DoJSON(ctx, c.http, http.MethodPost, c.apiURL+"/meeting-tokens", c.apiKey, tokenRequest{Properties: props}, &resp); err != nil {
		return "", fmt.Errorf("create meeting token for %s: %w", name, err)
	}
	if resp.Token == "" {
		return "", errors.New("create meeting token: response has no token")
	}
	return resp.Token, nil
}

// RoomName extracts the room name from a room URL such as
// https://example.daily.co/my-room.
func RoomName(roomURL string) (string, error) {
	u, err := url.Parse(roomURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRoomURL, err)
	}
	name := strings.Trim(u.Path, "/")
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRoomURL, roomURL)
	}
	return name, nil
}
