// Package mock provides scriptable speech.Provider and speech.Conn
// implementations for tests and the offline performance harness.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/sitespeak/voicecore/pkg/speech"
)

// Provider implements speech.Provider. Every Connect hands out a fresh
// *Conn unless ConnectErr is set.
type Provider struct {
	// ConnectErr, when non-nil, is returned by Connect.
	ConnectErr error

	// ConnectDelay simulates dial latency before Connect returns.
	ConnectDelay time.Duration

	// PingErr is copied onto every new Conn.
	PingErr error

	mu    sync.Mutex
	conns []*Conn
}

// Name implements speech.Provider.
func (p *Provider) Name() string { return "mock" }

// Connect implements speech.Provider.
func (p *Provider) Connect(ctx context.Context, cfg speech.ConnConfig) (speech.Conn, error) {
	if p.ConnectDelay > 0 {
		select {
		case <-time.After(p.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	c := &Conn{
		Config:  cfg,
		PingErr: p.PingErr,
		events:  make(chan speech.Event, 64),
	}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

// Conns returns every connection handed out so far.
func (p *Provider) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, len(p.conns))
	copy(out, p.conns)
	return out
}

// ConnectCount reports how many connections Connect has created.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Conn implements speech.Conn with recorded inputs and an injectable event
// stream. Emit pushes events that a consumer reads via Events.
type Conn struct {
	// Config is the ConnConfig passed to Connect.
	Config speech.ConnConfig

	// SendAudioErr / SendTextErr / InterruptErr / PingErr are returned by
	// the corresponding methods when non-nil.
	SendAudioErr error
	SendTextErr  error
	InterruptErr error
	PingErr      error

	mu         sync.Mutex
	sentAudio  [][]byte
	sentText   []string
	interrupts int
	closed     bool
	errVal     error

	events chan speech.Event
}

// SendAudio implements speech.Conn.
func (c *Conn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendAudioErr != nil {
		return c.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	c.sentAudio = append(c.sentAudio, cp)
	return nil
}

// SendText implements speech.Conn.
func (c *Conn) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendTextErr != nil {
		return c.SendTextErr
	}
	c.sentText = append(c.sentText, text)
	return nil
}

// Interrupt implements speech.Conn.
func (c *Conn) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InterruptErr != nil {
		return c.InterruptErr
	}
	c.interrupts++
	return nil
}

// Events implements speech.Conn.
func (c *Conn) Events() <-chan speech.Event { return c.events }

// Err implements speech.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Ping implements speech.Conn.
func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PingErr
}

// Close implements speech.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// Emit pushes an event onto the stream. No-op after Close.
func (c *Conn) Emit(evt speech.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- evt
}

// Fail records err as the terminal error and closes the event stream,
// simulating a dead connection.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.errVal = err
	c.closed = true
	close(c.events)
}

// SentAudio returns a copy of every chunk passed to SendAudio.
func (c *Conn) SentAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sentAudio))
	copy(out, c.sentAudio)
	return out
}

// SentText returns every text turn passed to SendText.
func (c *Conn) SentText() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sentText))
	copy(out, c.sentText)
	return out
}

// Interrupts reports how many times Interrupt was called.
func (c *Conn) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}

// Closed reports whether Close or Fail has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
