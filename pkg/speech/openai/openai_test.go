package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sitespeak/voicecore/pkg/speech"
	"github.com/sitespeak/voicecore/pkg/speech/openai"
)

// ── Helpers ────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startRealtimeServer launches a test WebSocket server. The handler receives
// the accepted conn. The server is closed when the test finishes.
func startRealtimeServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// connect dials the test server and registers cleanup for the connection.
// The server handler is responsible for consuming the initial session.update.
func connect(t *testing.T, srv *httptest.Server, cfg speech.ConnConfig) speech.Conn {
	t.Helper()
	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	conn, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitEvent reads the next event or fails the test after a timeout.
func waitEvent(t *testing.T, conn speech.Conn) speech.Event {
	t.Helper()
	select {
	case evt, ok := <-conn.Events():
		if !ok {
			t.Fatalf("event channel closed, err = %v", conn.Err())
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return speech.Event{}
	}
}

// ── Connect ────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdate struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
		} `json:"session"`
	}
	got := make(chan sessionUpdate, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdate
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, speech.ConnConfig{Voice: "verse", Instructions: "be brief"})

	select {
	case msg := <-got:
		if msg.Type != "session.update" {
			t.Errorf("type = %q, want session.update", msg.Type)
		}
		if msg.Session.Voice != "verse" {
			t.Errorf("voice = %q, want verse", msg.Session.Voice)
		}
		if msg.Session.InputAudioFormat != "pcm16" {
			t.Errorf("input format = %q, want pcm16 default", msg.Session.InputAudioFormat)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	p := openai.New("key", openai.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, speech.ConnConfig{}); err == nil {
		t.Fatal("want dial error, got nil")
	}
}

// ── Audio and text input ───────────────────────────────────────────────────

func TestSendAudio_Base64Append(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 1)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		var msg appendMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, speech.ConnConfig{})
	if err := conn.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		decoded, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil || len(decoded) != 4 {
			t.Errorf("audio payload = %q, want base64 of 4 bytes", msg.Audio)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSendAudio_EmptyChunkIsNoop(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, speech.ConnConfig{})
	if err := conn.SendAudio(nil); err != nil {
		t.Fatalf("SendAudio(nil): %v", err)
	}
}

func TestSendText_CreatesItemAndResponse(t *testing.T) {
	t.Parallel()

	types := make(chan string, 2)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // session.update
		for i := 0; i < 2; i++ {
			var msg map[string]any
			readJSON(t, conn, &msg)
			types <- msg["type"].(string)
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, speech.ConnConfig{})
	if err := conn.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	want := []string{"conversation.item.create", "response.create"}
	for _, w := range want {
		select {
		case got := <-types:
			if got != w {
				t.Errorf("message type = %q, want %q", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestInterrupt_CancelsResponse(t *testing.T) {
	t.Parallel()

	types := make(chan string, 2)

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		for i := 0; i < 2; i++ {
			var msg map[string]any
			readJSON(t, conn, &msg)
			types <- msg["type"].(string)
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, speech.ConnConfig{})
	if err := conn.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	want := []string{"response.cancel", "output_audio_buffer.clear"}
	for _, w := range want {
		select {
		case got := <-types:
			if got != w {
				t.Errorf("message type = %q, want %q", got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout")
		}
	}
}

// ── Server events ──────────────────────────────────────────────────────────

func TestEvents_AudioDeltaDecoded(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]string{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{9, 8, 7}),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, speech.ConnConfig{})
	evt := waitEvent(t, conn)
	if evt.Type != speech.AudioDelta {
		t.Fatalf("type = %v, want audio-delta", evt.Type)
	}
	if len(evt.Audio) != 3 || evt.Audio[0] != 9 {
		t.Fatalf("audio = %v, want [9 8 7]", evt.Audio)
	}
}

func TestEvents_TranscriptMapping(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]string{
			"type":  "conversation.item.input_audio_transcription.delta",
			"delta": "hel",
		})
		writeJSON(t, conn, map[string]string{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "hello there",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, speech.ConnConfig{})

	evt := waitEvent(t, conn)
	if evt.Type != speech.PartialTranscript || evt.Text != "hel" {
		t.Fatalf("first event = %+v, want partial 'hel'", evt)
	}
	evt = waitEvent(t, conn)
	if evt.Type != speech.FinalTranscript || evt.Text != "hello there" {
		t.Fatalf("second event = %+v, want final 'hello there'", evt)
	}
}

func TestEvents_ResponseLifecycle(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]string{"type": "response.created"})
		writeJSON(t, conn, map[string]string{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, speech.ConnConfig{})

	if evt := waitEvent(t, conn); evt.Type != speech.SpeechStarted {
		t.Fatalf("first event = %v, want speech-started", evt.Type)
	}
	if evt := waitEvent(t, conn); evt.Type != speech.SpeechStopped {
		t.Fatalf("second event = %v, want speech-stopped", evt.Type)
	}
}

func TestEvents_ErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]string{"type": "invalid_request_error", "message": "bad audio"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, speech.ConnConfig{})
	evt := waitEvent(t, conn)
	if evt.Type != speech.ErrorEvent {
		t.Fatalf("type = %v, want error", evt.Type)
	}
	if evt.Err == nil || !strings.Contains(evt.Err.Error(), "bad audio") {
		t.Fatalf("err = %v, want message 'bad audio'", evt.Err)
	}
}

func TestClose_ClosesEventChannel(t *testing.T) {
	t.Parallel()

	srv := startRealtimeServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	conn := connect(t, srv, speech.ConnConfig{})
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case _, ok := <-conn.Events():
		if ok {
			t.Fatal("want closed channel after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if err := conn.Err(); err != nil {
		t.Fatalf("clean close should leave Err nil, got %v", err)
	}
}
