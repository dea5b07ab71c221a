// Package openai implements the speech.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks; interruption is
// implemented with response.cancel so barge-in never waits on a server
// round-trip.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/sitespeak/voicecore/pkg/speech"
)

// Compile-time assertions that Provider and conn satisfy the speech interfaces.
var _ speech.Provider = (*Provider)(nil)
var _ speech.Conn = (*conn)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// eventBuf is the buffer depth of the connection's event channel.
	// Deep enough to absorb a burst of audio deltas while the session
	// pipeline catches up.
	eventBuf = 128
)

// ── Options ────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for connections.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────

// Provider implements speech.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements speech.Provider.
func (p *Provider) Name() string { return "openai" }

// Connect establishes a new Realtime connection configured per cfg. The
// returned Conn is ready to accept audio as soon as the session.update
// message has been acknowledged by the write.
func (p *Provider) Connect(ctx context.Context, cfg speech.ConnConfig) (speech.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan speech.Event, eventBuf),
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := c.sendSessionUpdate(cfg); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go c.receiveLoop()

	return c, nil
}

// ── Protocol message types (outgoing) ──────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string              `json:"voice,omitempty"`
	Instructions      string              `json:"instructions,omitempty"`
	InputAudioFormat  string              `json:"input_audio_format"`
	OutputAudioFormat string              `json:"output_audio_format"`
	Transcription     *transcriptionParam `json:"input_audio_transcription,omitempty"`
}

type transcriptionParam struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ──────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── conn ───────────────────────────────────────────────────────────────────

type conn struct {
	ws     *websocket.Conn
	events chan speech.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures voice, instructions, formats and input
// transcription for the connection.
func (c *conn) sendSessionUpdate(cfg speech.ConnConfig) error {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  cfg.InputFormat,
		OutputAudioFormat: cfg.OutputFormat,
	}
	if params.InputAudioFormat == "" {
		params.InputAudioFormat = "pcm16"
	}
	if params.OutputAudioFormat == "" {
		params.OutputAudioFormat = "pcm16"
	}
	if cfg.Locale != "" {
		params.Transcription = &transcriptionParam{Language: cfg.Locale}
	}
	return c.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// SendAudio implements speech.Conn.
func (c *conn) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SendText implements speech.Conn. It injects a user text turn and requests
// a model response.
func (c *conn) SendText(text string) error {
	if err := c.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{"type": "response.create"})
}

// Interrupt implements speech.Conn. It cancels the in-flight response and
// clears any queued output audio server-side.
func (c *conn) Interrupt() error {
	if err := c.writeJSON(map[string]string{"type": "response.cancel"}); err != nil {
		return err
	}
	return c.writeJSON(map[string]string{"type": "output_audio_buffer.clear"})
}

// Events implements speech.Conn.
func (c *conn) Events() <-chan speech.Event { return c.events }

// Err implements speech.Conn.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Ping implements speech.Conn using a WebSocket-level ping.
func (c *conn) Ping(ctx context.Context) error {
	if err := c.ws.Ping(ctx); err != nil {
		return fmt.Errorf("openai: ping: %w", err)
	}
	return nil
}

// Close implements speech.Conn.
func (c *conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel: it closes it when it exits.
func (c *conn) receiveLoop() {
	defer c.closeOnce.Do(func() { close(c.events) })

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		c.handleServerEvent(&evt)
	}
}

func (c *conn) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		c.emit(speech.Event{Type: speech.AudioDelta, Audio: audioData})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return
		}
		c.emit(speech.Event{Type: speech.PartialTranscript, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		c.emit(speech.Event{Type: speech.FinalTranscript, Text: evt.Transcript})

	case "response.created":
		c.emit(speech.Event{Type: speech.SpeechStarted})

	case "response.done":
		c.emit(speech.Event{Type: speech.SpeechStopped})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		c.emit(speech.Event{Type: speech.ErrorEvent, Err: fmt.Errorf("openai: %s", msg)})
	}
}

// emit delivers an event unless the connection is shutting down.
func (c *conn) emit(evt speech.Event) {
	select {
	case c.events <- evt:
	case <-c.ctx.Done():
	}
}

func (c *conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}
