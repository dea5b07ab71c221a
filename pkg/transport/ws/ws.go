// Package ws implements transport.Transport over a server-side WebSocket.
//
// Outbound messages are JSON text frames (audio base64-encoded by the JSON
// codec). Inbound traffic is either a JSON text frame carrying a typed
// message or a bare binary frame, which is treated as one PCM audio chunk
// to keep the per-frame path free of base64 work.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/sitespeak/voicecore/pkg/transport"
)

var _ transport.Transport = (*Conn)(nil)

// ErrClosed is returned by Send after the connection is gone.
var ErrClosed = errors.New("ws: connection closed")

// Conn is one accepted client WebSocket.
type Conn struct {
	ws *websocket.Conn

	mu       sync.Mutex
	handlers map[transport.InboundType]map[int]transport.InboundHandler
	nextID   int
	closed   bool
}

// Accept upgrades an HTTP request to a WebSocket transport. The caller
// runs ReadLoop to pump inbound traffic.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: accept: %w", err)
	}
	return &Conn{
		ws:       ws,
		handlers: make(map[transport.InboundType]map[int]transport.InboundHandler),
	}, nil
}

// Send implements transport.Transport.
func (c *Conn) Send(ctx context.Context, msg transport.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ws: marshal %s: %w", msg.Type, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws: write %s: %w", msg.Type, err)
	}
	return nil
}

// Subscribe implements transport.Transport.
func (c *Conn) Subscribe(typ transport.InboundType, h transport.InboundHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.handlers[typ] == nil {
		c.handlers[typ] = make(map[int]transport.InboundHandler)
	}
	c.handlers[typ][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[typ], id)
	}
}

// Disconnect implements transport.Transport.
func (c *Conn) Disconnect(_ context.Context, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// ReadLoop pumps inbound frames until the connection closes or ctx is
// cancelled. It returns nil on a clean client close.
func (c *Conn) ReadLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws: read: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			c.dispatch(transport.Inbound{Type: transport.InboundAudio, Audio: data})
		case websocket.MessageText:
			var in transport.Inbound
			if err := json.Unmarshal(data, &in); err != nil {
				// Malformed frame: drop, keep the connection.
				continue
			}
			c.dispatch(in)
		}
	}
}

func (c *Conn) dispatch(in transport.Inbound) {
	c.mu.Lock()
	hs := make([]transport.InboundHandler, 0, len(c.handlers[in.Type]))
	for _, h := range c.handlers[in.Type] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(in)
	}
}
