// Package feed connects a worker to the room's media bridge over a websocket.
// The bridge pushes participant and speech events as JSON; the worker sends
// back text for speech synthesis on the same connection.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/mds-moderator/internal/events"
)

// maxMessageBytes caps a single inbound event.
const maxMessageBytes = 1 << 20

// sayMessage asks the bridge to speak text in the room.
type sayMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Client is one websocket connection to the media bridge.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the bridge at url, authenticating with token when set.
func Dial(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial event feed: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)
	logger.Info("Event feed connected", "url", url)
	return &Client{conn: conn, logger: logger}, nil
}

// Next blocks until the next known event arrives. Messages of unknown type
// are skipped. A normal close from the bridge is reported as io.EOF.
func (c *Client) Next(ctx context.Context) (events.Event, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read event: %w", err)
		}
		ev, err := events.Decode(data)
		if err != nil {
			if errors.Is(err, events.ErrUnknownType) {
				c.logger.Debug("Skipping unknown feed message", "error", err)
			} else {
				c.logger.Warn("Skipping malformed feed message", "error", err)
			}
			continue
		}
		return ev, nil
	}
}

// Say sends text to be spoken in the room.
func (c *Client) Say(ctx context.Context, text string) error {
	data, err := json.Marshal(sayMessage{Type: "say", Text: text})
	if err != nil {
		return fmt.Errorf("encode say: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write say: %w", err)
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		err := c.conn.Close(websocket.StatusNormalClosure, "session ended")
		if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
