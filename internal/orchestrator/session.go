package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sitespeak/voicecore/internal/pool"
	"github.com/sitespeak/voicecore/internal/turn"
	"github.com/sitespeak/voicecore/pkg/audio"
	"github.com/sitespeak/voicecore/pkg/audio/opusframer"
	"github.com/sitespeak/voicecore/pkg/speech"
	"github.com/sitespeak/voicecore/pkg/stats"
	"github.com/sitespeak/voicecore/pkg/transport"
)

// SessionState is a session's position in its lifecycle.
type SessionState int

const (
	// SessionInitializing is the state while resources are being wired.
	SessionInitializing SessionState = iota

	// SessionReady means the session is wired and waiting for audio.
	SessionReady

	// SessionListening means user audio is flowing.
	SessionListening

	// SessionProcessing means a turn is finalised and the response is
	// pending.
	SessionProcessing

	// SessionSpeaking means response audio is playing.
	SessionSpeaking

	// SessionEnded is terminal.
	SessionEnded

	// SessionError marks a failed session awaiting teardown.
	SessionError
)

// String returns the human-readable state name.
func (s SessionState) String() string {
	switch s {
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	case SessionListening:
		return "listening"
	case SessionProcessing:
		return "processing"
	case SessionSpeaking:
		return "speaking"
	case SessionEnded:
		return "ended"
	case SessionError:
		return "error"
	default:
		return "unknown"
	}
}

// SessionStats is a point-in-time view of one session's rolling metrics.
type SessionStats struct {
	State      SessionState
	Turns      uint64
	VAD        stats.Snapshot
	BargeIn    stats.Snapshot
	FirstToken stats.Snapshot
}

// session is one live voice session and its wired collaborators.
type session struct {
	id     string
	tenant string
	site   string
	user   string

	mgr       *turn.Manager
	conv      *audio.FormatConverter
	transport transport.Transport
	settings  *SessionSettings
	framerCfg opusframer.Config

	mu          sync.Mutex
	conn        *pool.Conn // replaceable after repeated send failures
	state       SessionState
	created     time.Time
	lastActive  time.Time
	turnFinalAt time.Time
	awaitingTok bool
	sendFails   int
	sendPending []audio.EncodedFrame

	firstToken *stats.LatencyWindow
	unsubs     []func()
	turnFinals chan turn.Event
	done       chan struct{}
}

// firstTokenBudget is the soft target for turn-final to first response
// audio. Violations are counted in the rolling window, not fatal.
const firstTokenBudget = 300 * time.Millisecond

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	if s.state != SessionEnded {
		s.state = st
	}
	s.mu.Unlock()
}

func (s *session) getState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// speech returns the current speech connection. Goroutines must go through
// this accessor because the pooled connection can be swapped out after
// repeated send failures.
func (s *session) speech() speech.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Speech()
}

// acceptingAudio reports whether inbound frames should be routed. Audio
// keeps flowing while the assistant responds so barge-in can trigger.
func (s *session) acceptingAudio() bool {
	switch s.getState() {
	case SessionReady, SessionListening, SessionProcessing, SessionSpeaking:
		return true
	default:
		return false
	}
}

// ── Wiring ─────────────────────────────────────────────────────────────────

// wire connects the turn manager, the pooled speech connection, and the
// client transport. Called once during StartSession, before the session is
// published.
func (o *Orchestrator) wire(s *session) {
	// Turn handlers run inside the manager's dispatch and must not block
	// or call back into it; finals are queued to a per-session pump and
	// failures torn down on their own goroutine.
	s.turnFinals = make(chan turn.Event, 16)
	s.unsubs = append(s.unsubs, s.mgr.Subscribe(turn.EventTurnFinal, func(evt turn.Event) {
		select {
		case s.turnFinals <- evt:
		default:
			slog.Warn("turn queue full, final dropped", "session", s.id)
		}
	}))
	s.unsubs = append(s.unsubs, s.mgr.Subscribe(turn.EventFailure, func(evt turn.Event) {
		go o.failSession(s, evt.Err)
	}))
	go o.pumpTurnFinals(s)

	// Client traffic.
	s.unsubs = append(s.unsubs, s.transport.Subscribe(transport.InboundAudio, func(in transport.Inbound) {
		o.RouteInboundAudio(s.id, audio.PCMFrame{
			Data:       in.Audio,
			SampleRate: s.framerCfg.SampleRate,
			Channels:   s.framerCfg.Channels,
			Captured:   o.clk.Now(),
		})
	}))
	s.unsubs = append(s.unsubs, s.transport.Subscribe(transport.InboundText, func(in transport.Inbound) {
		if err := s.mgr.PushText(in.Text); err != nil {
			slog.Warn("text turn rejected", "session", s.id, "error", err)
		}
	}))
	s.unsubs = append(s.unsubs, s.transport.Subscribe(transport.InboundStop, func(transport.Inbound) {
		if err := o.StopSession(s.id); err != nil {
			slog.Warn("stop via transport failed", "session", s.id, "error", err)
		}
	}))

	// Barge-in drainer: turns the hot-path signal into the network
	// interrupt, off the audio callback.
	go o.drainBargeIn(s)

	// Speech event pump: single goroutine per session keeps transport
	// delivery in emission order.
	go o.pumpSpeechEvents(s)
}

// drainBargeIn forwards stop-playback signals to the speech connection and
// the client.
func (o *Orchestrator) drainBargeIn(s *session) {
	for {
		var reaction time.Duration
		select {
		case <-s.done:
			return
		case reaction = <-s.mgr.BargeIn():
		}
		if err := s.speech().Interrupt(); err != nil {
			slog.Warn("barge-in interrupt failed", "session", s.id, "error", err)
		}
		s.mgr.SetTTSPlaying(false)
		s.setState(SessionListening)
		o.metrics.BargeIns.Add(context.Background(), 1)
		o.metrics.BargeInLatency.Record(context.Background(), reaction.Seconds())
		o.send(s, transport.Message{
			Type:      transport.MessageSpeechStopped,
			SessionID: s.id,
		})
	}
}

// pumpSpeechEvents forwards speech-API events to the client until the
// connection's event stream closes. A replacement connection gets its own
// pump; a pump whose connection was swapped out exits quietly.
func (o *Orchestrator) pumpSpeechEvents(s *session) {
	sc := s.speech()
	events := sc.Events()
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-events:
			if !ok {
				if s.speech() != sc {
					return
				}
				if err := sc.Err(); err != nil {
					o.failSession(s, fmt.Errorf("orchestrator: speech stream for session %s: %w", s.id, err))
				}
				return
			}
			o.routeOutboundEvent(s, evt)
		}
	}
}

// pumpTurnFinals serialises finalised-turn handling per session.
func (o *Orchestrator) pumpTurnFinals(s *session) {
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.turnFinals:
			o.onTurnFinal(s, evt)
		}
	}
}

// onTurnFinal handles one finalised user turn.
func (o *Orchestrator) onTurnFinal(s *session, evt turn.Event) {
	now := o.clk.Now()
	s.mu.Lock()
	s.turnFinalAt = now
	s.awaitingTok = true
	s.lastActive = now
	if s.state != SessionEnded {
		s.state = SessionProcessing
	}
	s.mu.Unlock()

	kind := "voice"
	if evt.Synthetic {
		kind = "text"
		if err := s.speech().SendText(evt.Text); err != nil {
			o.failSession(s, fmt.Errorf("orchestrator: text turn for session %s: %w", s.id, err))
			return
		}
	}
	o.metrics.RecordTurn(context.Background(), kind)
}

// routeOutboundEvent forwards one speech-API event to the transport and
// updates session state and metrics.
func (o *Orchestrator) routeOutboundEvent(s *session, evt speech.Event) {
	switch evt.Type {
	case speech.AudioDelta:
		// Playback flag first: once the state reads Speaking, barge-in
		// must already be armed.
		s.mgr.SetTTSPlaying(true)
		s.mu.Lock()
		if s.awaitingTok {
			s.awaitingTok = false
			d := o.clk.Since(s.turnFinalAt)
			s.firstToken.Record(d)
			o.metrics.RecordFirstToken(context.Background(), d)
		}
		if s.state != SessionEnded {
			s.state = SessionSpeaking
		}
		s.lastActive = o.clk.Now()
		s.mu.Unlock()
		o.send(s, transport.Message{
			Type:      transport.MessageAudioDelta,
			SessionID: s.id,
			Audio:     evt.Audio,
		})

	case speech.PartialTranscript:
		o.send(s, transport.Message{
			Type:      transport.MessagePartialTranscript,
			SessionID: s.id,
			Text:      evt.Text,
		})

	case speech.FinalTranscript:
		o.send(s, transport.Message{
			Type:      transport.MessageFinalTranscript,
			SessionID: s.id,
			Turn:      s.mgr.TurnCount(),
			Text:      evt.Text,
		})

	case speech.SpeechStarted:
		s.mgr.SetTTSPlaying(true)
		s.setState(SessionSpeaking)
		o.send(s, transport.Message{
			Type:      transport.MessageSpeechStarted,
			SessionID: s.id,
		})

	case speech.SpeechStopped:
		s.mgr.SetTTSPlaying(false)
		s.setState(SessionListening)
		o.send(s, transport.Message{
			Type:      transport.MessageSpeechStopped,
			SessionID: s.id,
		})

	case speech.ErrorEvent:
		o.metrics.RecordError(context.Background(), "speech", "stream")
		o.send(s, transport.Message{
			Type:      transport.MessageError,
			SessionID: s.id,
			Code:      "speech_error",
			Reason:    "The assistant hit a temporary problem. Please try again.",
			Retryable: true,
		})
	}
}

// send pushes one message to the client, logging delivery failures.
func (o *Orchestrator) send(s *session, msg transport.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SendTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, msg); err != nil {
		slog.Warn("transport send failed",
			"session", s.id, "type", msg.Type, "error", err)
	}
}
