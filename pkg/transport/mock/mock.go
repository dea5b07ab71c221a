// Package mock provides an in-memory transport.Transport for tests.
package mock

import (
	"context"
	"sync"

	"github.com/sitespeak/voicecore/pkg/transport"
)

// Transport records outbound messages and lets tests inject inbound ones.
type Transport struct {
	// SendErr, when non-nil, is returned by every Send.
	SendErr error

	mu           sync.Mutex
	sent         []transport.Message
	handlers     map[transport.InboundType]map[int]transport.InboundHandler
	nextID       int
	disconnected bool
	reason       string
}

// New creates an empty mock transport.
func New() *Transport {
	return &Transport{
		handlers: make(map[transport.InboundType]map[int]transport.InboundHandler),
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(_ context.Context, msg transport.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(typ transport.InboundType, h transport.InboundHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	if t.handlers[typ] == nil {
		t.handlers[typ] = make(map[int]transport.InboundHandler)
	}
	t.handlers[typ][id] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers[typ], id)
	}
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect(_ context.Context, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected = true
	t.reason = reason
	return nil
}

// Inject delivers one inbound message to subscribers, as the read loop of
// a real transport would.
func (t *Transport) Inject(in transport.Inbound) {
	t.mu.Lock()
	hs := make([]transport.InboundHandler, 0, len(t.handlers[in.Type]))
	for _, h := range t.handlers[in.Type] {
		hs = append(hs, h)
	}
	t.mu.Unlock()
	for _, h := range hs {
		h(in)
	}
}

// Sent returns a copy of every message passed to Send.
func (t *Transport) Sent() []transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentOfType returns the sent messages with the given type, in order.
func (t *Transport) SentOfType(typ transport.MessageType) []transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []transport.Message
	for _, m := range t.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// Disconnected reports whether Disconnect was called, and the reason.
func (t *Transport) Disconnected() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnected, t.reason
}
