// Package speech defines the provider contract for external real-time speech
// APIs.
//
// A speech provider wraps a bidirectional, stateful voice service (e.g. the
// OpenAI Realtime API) that accepts streaming audio or text input and emits
// transcripts and synthesised audio back. The central abstraction is [Conn]:
// a long-lived connection carrying a multiplexed event stream. Connections
// are expensive to establish, which is why the pool layer keeps them warm
// and hands them out per session.
//
// The voice core depends only on this event contract, never on a provider's
// wire protocol. All implementations must be safe for concurrent use.
package speech

import "context"

// EventType enumerates the closed set of events a speech connection emits.
type EventType int

const (
	// PartialTranscript carries an interim recognition of in-progress
	// user speech. Text holds the hypothesis so far.
	PartialTranscript EventType = iota

	// FinalTranscript carries the committed transcript for a completed
	// user turn.
	FinalTranscript

	// AudioDelta carries a chunk of synthesised response audio in Audio.
	AudioDelta

	// SpeechStarted signals the model began producing a spoken response.
	SpeechStarted

	// SpeechStopped signals the model finished (or was interrupted).
	SpeechStopped

	// ErrorEvent carries a non-fatal provider error in Err. Fatal errors
	// close the event channel instead; see [Conn.Err].
	ErrorEvent
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case PartialTranscript:
		return "partial-transcript"
	case FinalTranscript:
		return "final-transcript"
	case AudioDelta:
		return "audio-delta"
	case SpeechStarted:
		return "speech-started"
	case SpeechStopped:
		return "speech-stopped"
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one message from the provider's multiplexed stream. Exactly the
// fields relevant to Type are populated.
type Event struct {
	Type  EventType
	Text  string
	Audio []byte
	Err   error
}

// ConnConfig is the initial configuration for a new speech connection.
type ConnConfig struct {
	// Voice selects the synthesis voice. Empty uses the provider default.
	Voice string

	// Instructions is the system-level prompt for the session.
	Instructions string

	// Locale is a BCP 47 language tag hint for recognition (e.g. "en-US").
	Locale string

	// InputFormat and OutputFormat name the PCM encodings for audio sent
	// to and received from the provider (e.g. "pcm16").
	InputFormat  string
	OutputFormat string

	// SampleRate is the PCM sample rate in Hz for both directions.
	SampleRate int
}

// Conn is an open connection to the speech service.
//
// Conn sits on the session hot path: SendAudio is called once per encoded
// frame and must return quickly, and Interrupt is the barge-in signal and
// must never block on a response. Events must be drained promptly — a
// stalled consumer backpressures the provider's receive loop.
//
// Callers must Close a Conn they no longer need; the pool does this during
// eviction.
type Conn interface {
	// SendAudio delivers one audio chunk in the negotiated InputFormat.
	SendAudio(chunk []byte) error

	// SendText injects a text turn directly, bypassing audio input.
	SendText(text string) error

	// Interrupt tells the provider to stop generating the current
	// response and discard buffered audio. Fire-and-forget: it queues the
	// signal and returns without waiting for acknowledgement.
	Interrupt() error

	// Events returns the connection's event stream. The channel is closed
	// when the connection dies or Close is called; check Err afterwards.
	Events() <-chan Event

	// Err returns the error that closed the event stream prematurely, or
	// nil after a clean shutdown.
	Err() error

	// Ping verifies the connection is still usable. Used by the pool's
	// health-check loop; must respect ctx deadlines.
	Ping(ctx context.Context) error

	// Close terminates the connection and closes the event stream.
	// Closing twice is safe and returns nil.
	Close() error
}

// Provider is the factory for speech connections.
type Provider interface {
	// Name identifies the backend in logs and metrics (e.g. "openai").
	Name() string

	// Connect establishes a new connection. The returned Conn is ready to
	// accept audio immediately.
	Connect(ctx context.Context, cfg ConnConfig) (Conn, error)
}
