package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apibridge "github.com/savantlabs/savant/api/bridge"
)

// ErrMalformedFrame marks an inbound frame that could not be decoded. The
// read loop logs and drops such frames; they never tear down the session.
var ErrMalformedFrame = errors.New("malformed inbound frame")

// errFrameSkipped marks frame types the bridge consumes without routing.
var errFrameSkipped = errors.New("frame skipped")

// Conn is one live realtime connection. Implementations must support one
// concurrent reader plus concurrent writers.
type Conn interface {
	ReadEnvelope() (apibridge.Envelope, error)
	WriteEnvelope(env apibridge.Envelope) error
	WriteAudio(pcm []byte) error
	Close() error
}

// Dialer opens a realtime connection from a token grant.
type Dialer interface {
	Dial(ctx context.Context, grant apibridge.TokenGrant) (Conn, error)
}

// WebsocketDialer dials the session service data channel over websocket,
// authenticating with the granted token.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial opens the websocket connection.
func (d WebsocketDialer) Dial(ctx context.Context, grant apibridge.TokenGrant) (Conn, error) {
	if err := grant.Validate(); err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 15 * time.Second
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+grant.Token)

	conn, resp, err := dialer.DialContext(ctx, websocketURL(grant.LiveKitURL), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial session service: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// websocketURL maps http(s) session URLs onto their ws(s) scheme.
func websocketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	default:
		return raw
	}
}

type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (c *wsConn) ReadEnvelope() (apibridge.Envelope, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return apibridge.Envelope{}, err
	}
	switch messageType {
	case websocket.TextMessage:
		var env apibridge.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return apibridge.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return env, nil
	default:
		// Inbound audio is consumed to keep the connection healthy but
		// never routed; playback belongs to the browser client.
		return apibridge.Envelope{}, errFrameSkipped
	}
}

func (c *wsConn) WriteEnvelope(env apibridge.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *wsConn) WriteAudio(pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(2*time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
