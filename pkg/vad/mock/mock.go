// Package mock provides a scriptable vad.Engine for tests. The session
// replays a queue of pre-programmed events, ignoring frame content.
package mock

import (
	"sync"

	"github.com/sitespeak/voicecore/pkg/vad"
)

// Engine implements vad.Engine and hands out Sessions that replay Script.
type Engine struct {
	// Script is the sequence of events sessions will emit, in order. When
	// the script is exhausted the session keeps returning the last event
	// (or Silence when the script is empty).
	Script []vad.Event

	// NewSessionErr, when non-nil, is returned by NewSession.
	NewSessionErr error

	mu       sync.Mutex
	sessions []*Session
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(vad.Config) (vad.Session, error) {
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	s := &Session{script: e.Script}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

// Sessions returns every session created so far.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// Session is a scripted vad.Session.
type Session struct {
	mu     sync.Mutex
	script []vad.Event
	pos    int

	// ProcessErr, when non-nil, is returned by every ProcessFrame call.
	ProcessErr error

	// Frames counts ProcessFrame calls. Resets counts Reset calls.
	Frames int
	Resets int
	Closed bool
}

// ProcessFrame implements vad.Session by replaying the script.
func (s *Session) ProcessFrame([]byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames++
	if s.ProcessErr != nil {
		return vad.Event{}, s.ProcessErr
	}
	if len(s.script) == 0 {
		return vad.Event{Type: vad.Silence}, nil
	}
	evt := s.script[s.pos]
	if s.pos < len(s.script)-1 {
		s.pos++
	}
	return evt, nil
}

// Reset implements vad.Session.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
	s.pos = 0
}

// Close implements vad.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}
