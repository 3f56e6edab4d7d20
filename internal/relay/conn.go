package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/websocket"
)

// Conn is one open relay session.
type Conn interface {
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens relay sessions.
type Dialer interface {
	Dial(ctx context.Context, relayURL string) (Conn, error)
}

// WebsocketDialer dials relays with golang.org/x/net/websocket.
type WebsocketDialer struct {
	// Origin is sent in the handshake. Empty derives it from the relay URL.
	Origin string
}

func (d WebsocketDialer) Dial(ctx context.Context, relayURL string) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		origin = originFor(relayURL)
	}
	cfg, err := websocket.NewConfig(relayURL, origin)
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = ws.SetDeadline(time.Now())
	})
	return &wsConn{ws: ws, stop: stop}, nil
}

func originFor(relayURL string) string {
	u, err := url.Parse(relayURL)
	if err != nil || u.Host == "" {
		return "http://localhost/"
	}
	scheme := "http"
	if strings.EqualFold(u.Scheme, "wss") {
		scheme = "https"
	}
	return scheme + "://" + u.Host + "/"
}

type wsConn struct {
	ws   *websocket.Conn
	stop func() bool
}

func (c *wsConn) Send(data []byte) error {
	return websocket.Message.Send(c.ws, string(data))
}

func (c *wsConn) Receive() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(c.ws, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	c.stop()
	return c.ws.Close()
}
