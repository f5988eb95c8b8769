package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"iattend/pkg/types"
)

// frame is an envelope as a browser sees it
type frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// client is a websocket observer that buffers every frame it reads
type client struct {
	conn   *websocket.Conn
	frames chan frame
	done   chan struct{}
	once   sync.Once
}

// dial connects to path on base as the given user, passing identity as query
// parameters the way browsers must
func dial(ctx context.Context, base, path, userID string, role types.Role) (*client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	u.Scheme = "ws"
	u.Path = path
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("role", string(role))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &client{
		conn:   conn,
		frames: make(chan frame, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		select {
		case c.frames <- f:
		default:
			// a test that stops reading does not care about later frames
		}
	}
}

// next returns the next frame or an error after timeout
func (c *client) next(timeout time.Duration) (frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, nil
		default:
			return frame{}, fmt.Errorf("connection closed")
		}
	case <-time.After(timeout):
		return frame{}, fmt.Errorf("no frame within %s", timeout)
	}
}

// waitFor skips frames until one of type kind arrives
func (c *client) waitFor(kind string, timeout time.Duration) (frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return frame{}, fmt.Errorf("no %s frame within %s", kind, timeout)
		}
		f, err := c.next(remaining)
		if err != nil {
			return frame{}, fmt.Errorf("waiting for %s: %w", kind, err)
		}
		if f.Type == kind {
			return f, nil
		}
	}
}

// closed reports whether the server ended the connection within timeout
func (c *client) closed(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *client) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}
