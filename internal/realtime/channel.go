package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Credentials identify one interview session to the speech service. The token
// is ephemeral, minted by the server on POST /session.
type Credentials struct {
	URL       string
	Token     string
	SessionID string
}

// Channel is a single duplex connection to the speech service. It performs no
// reconnection of its own; a caller that wants to retry dials a fresh Channel
// and re-sends the session configuration.
type Channel struct {
	conn   *websocket.Conn
	events chan Event
	log    zerolog.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Dial opens the websocket and starts the read loop. Readiness (the
// session.created frame) is the caller's concern: the channel only guarantees
// an established socket.
func Dial(ctx context.Context, creds Credentials, log zerolog.Logger) (*Channel, error) {
	if creds.URL == "" {
		return nil, fmt.Errorf("realtime: missing service url")
	}
	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}
	if creds.SessionID != "" {
		header.Set("X-Session-ID", creds.SessionID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, creds.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed: status=%d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}

	ch := &Channel{
		conn:   conn,
		events: make(chan Event, 256),
		log:    log,
	}
	go ch.readLoop()
	return ch, nil
}

// Events returns the decoded server frames in arrival order. The channel is
// closed when the connection drops or Close is called.
func (c *Channel) Events() <-chan Event { return c.events }

// SendSessionUpdate transmits the session configuration control frame.
func (c *Channel) SendSessionUpdate(cfg SessionConfig) error {
	return c.writeJSON(clientFrame{Type: typeSessionUpdate, Session: &cfg})
}

// CreateResponse asks the remote AI to produce a new turn. Callers must not
// issue this while a response is already in flight; the turn coordinator
// guards that.
func (c *Channel) CreateResponse(instructions string) error {
	f := clientFrame{Type: typeResponseCreate}
	if instructions != "" {
		f.Response = &responseOpts{Instructions: instructions}
	}
	return c.writeJSON(f)
}

// SendAudio transmits one PCM16 capture frame, base64-encoded.
func (c *Channel) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.writeJSON(clientFrame{
		Type:  typeAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Close tears down the connection. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Channel) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("realtime write: %w", err)
	}
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.events)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closeMu.Lock()
			wasClosed := c.closed
			c.closeMu.Unlock()
			if !wasClosed {
				c.log.Warn().Err(err).Msg("realtime read loop ended")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		ev, err := decodeServerFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if ev == nil {
			c.log.Debug().Msg("skipping unknown frame type")
			continue
		}
		c.events <- ev
	}
}
