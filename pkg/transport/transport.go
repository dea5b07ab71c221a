// Package transport defines the client-facing collaborator contract.
//
// The orchestrator pushes typed outbound messages (transcripts, audio
// deltas, speech markers, errors) through a Transport and receives client
// traffic via typed inbound subscriptions. Wire framing and authentication
// are the transport implementation's business; the core depends only on
// this contract.
package transport

import "context"

// MessageType tags an outbound message. The set is closed; transports must
// not invent types.
type MessageType string

const (
	// MessageSessionReady confirms a started session and carries its ID.
	MessageSessionReady MessageType = "session.ready"

	// MessagePartialTranscript is an interim recognition result.
	MessagePartialTranscript MessageType = "transcript.partial"

	// MessageFinalTranscript is the committed transcript for one turn.
	MessageFinalTranscript MessageType = "transcript.final"

	// MessageAudioDelta is a chunk of synthesized response audio.
	MessageAudioDelta MessageType = "audio.delta"

	// MessageSpeechStarted marks response playback beginning.
	MessageSpeechStarted MessageType = "speech.started"

	// MessageSpeechStopped marks response playback ending (including
	// barge-in cuts).
	MessageSpeechStopped MessageType = "speech.stopped"

	// MessageSessionEnded reports session teardown.
	MessageSessionEnded MessageType = "session.ended"

	// MessageError carries a human-readable failure with a retry hint.
	MessageError MessageType = "error"
)

// Message is one outbound unit. Audio is raw bytes; JSON transports encode
// it as base64.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Turn      uint64      `json:"turn,omitempty"`
	Text      string      `json:"text,omitempty"`
	Audio     []byte      `json:"audio,omitempty"`

	// Error payload, only for MessageError.
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// InboundType tags a client message.
type InboundType string

const (
	// InboundAudio is one PCM chunk from the client microphone.
	InboundAudio InboundType = "audio"

	// InboundText is a typed user turn bypassing audio.
	InboundText InboundType = "text"

	// InboundStop asks the server to end the session.
	InboundStop InboundType = "stop"
)

// Inbound is one client message.
type Inbound struct {
	Type  InboundType `json:"type"`
	Audio []byte      `json:"audio,omitempty"`
	Text  string      `json:"text,omitempty"`
}

// InboundHandler consumes one inbound message. Handlers run on the
// transport's read goroutine and must not block.
type InboundHandler func(Inbound)

// Transport is the injected client connection.
type Transport interface {
	// Send delivers one outbound message.
	Send(ctx context.Context, msg Message) error

	// Subscribe registers a handler for one inbound type and returns an
	// unsubscribe func.
	Subscribe(typ InboundType, h InboundHandler) func()

	// Disconnect closes the client connection with a reason.
	Disconnect(ctx context.Context, reason string) error
}
