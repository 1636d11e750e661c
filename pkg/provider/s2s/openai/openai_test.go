package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
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
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
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

// idleServer reads the initial session.update and then waits for the client
// to go away.
func idleServer(t *testing.T) *httptest.Server {
	return startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})
}

func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig, opts ...openai.Option) s2s.SessionHandle {
	t.Helper()
	opts = append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)
	handle, err := openai.New("key", opts...).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelInURL := make(chan string, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{}, openai.WithModel("gpt-4o-mini-realtime"))

	select {
	case m := <-modelInURL:
		if m != "gpt-4o-mini-realtime" {
			t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice                   string `json:"voice"`
			Instructions            string `json:"instructions"`
			InputAudioFormat        string `json:"input_audio_format"`
			OutputAudioFormat       string `json:"output_audio_format"`
			InputAudioTranscription struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{Voice: "alloy", Instructions: "You answer calls for Acme."},
		openai.WithTranscriptionModel("gpt-4o-transcribe"))

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.Instructions != "You answer calls for Acme." {
			t.Errorf("instructions = %q", msg.Session.Instructions)
		}
		if msg.Session.InputAudioFormat != "g711_ulaw" || msg.Session.OutputAudioFormat != "g711_ulaw" {
			t.Errorf("audio formats = %q/%q; want g711_ulaw", msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
		}
		if msg.Session.InputAudioTranscription.Model != "gpt-4o-transcribe" {
			t.Errorf("transcription model = %q", msg.Session.InputAudioTranscription.Model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_SendsAuthHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan http.Header, 1)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{})

	select {
	case h := <-headers:
		if got := h.Get("Authorization"); got != "Bearer key" {
			t.Errorf("Authorization = %q; want %q", got, "Bearer key")
		}
		if got := h.Get("OpenAI-Beta"); got != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := idleServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := openai.New("key", openai.WithBaseURL(wsURL(srv))).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	want := []byte{0xFF, 0x7F, 0x00, 0x80}
	got := make(chan []byte, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
		}
		readJSON(t, conn, &msg)
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		decoded, _ := base64.StdEncoding.DecodeString(msg.Audio)
		got <- decoded
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.SendAudio(want); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case b := <-got:
		if string(b) != string(want) {
			t.Errorf("decoded audio = %v; want %v", b, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append message")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	handle := connect(t, idleServer(t), s2s.SessionConfig{})
	_ = handle.Close()

	if err := handle.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
}

func TestAudio_DeliversDecodedChunks(t *testing.T) {
	t.Parallel()

	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(want),
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	select {
	case chunk, ok := <-handle.Audio():
		if !ok {
			t.Fatal("Audio channel closed unexpectedly")
		}
		if string(chunk) != string(want) {
			t.Errorf("audio chunk = %v; want %v", chunk, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio chunk")
	}
}

// ── Transcripts ───────────────────────────────────────────────────────────────

func TestTranscripts_AssemblesFromDeltas(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hello "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "caller!"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	select {
	case tr, ok := <-handle.Transcripts():
		if !ok {
			t.Fatal("Transcripts channel closed unexpectedly")
		}
		if tr.Text != "Hello caller!" {
			t.Errorf("text = %q; want %q", tr.Text, "Hello caller!")
		}
		if tr.Role != s2s.RoleAssistant {
			t.Errorf("role = %q; want %q", tr.Role, s2s.RoleAssistant)
		}
		if tr.Timestamp.IsZero() {
			t.Error("timestamp should be set")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for transcript")
	}
}

func TestTranscripts_CallerSpeech(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "I need a plumber",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	select {
	case tr := <-handle.Transcripts():
		if tr.Role != s2s.RoleUser || tr.Text != "I need a plumber" {
			t.Errorf("got %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for transcript")
	}
}

// ── Control messages ──────────────────────────────────────────────────────────

func TestControlMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		call     func(s2s.SessionHandle) error
		wantType string
		check    func(t *testing.T, raw map[string]any)
	}{
		{
			name:     "greet",
			call:     func(h s2s.SessionHandle) error { return h.Greet("Thanks for calling Acme.") },
			wantType: "response.create",
			check: func(t *testing.T, raw map[string]any) {
				resp, _ := raw["response"].(map[string]any)
				instr, _ := resp["instructions"].(string)
				if !strings.Contains(instr, "Thanks for calling Acme.") {
					t.Errorf("instructions = %q; want greeting text", instr)
				}
			},
		},
		{
			name:     "update instructions",
			call:     func(h s2s.SessionHandle) error { return h.UpdateInstructions("be brief") },
			wantType: "session.update",
			check: func(t *testing.T, raw map[string]any) {
				sess, _ := raw["session"].(map[string]any)
				if sess["instructions"] != "be brief" {
					t.Errorf("instructions = %v", sess["instructions"])
				}
			},
		},
		{
			name: "inject context",
			call: func(h s2s.SessionHandle) error {
				return h.InjectTextContext([]s2s.ContextItem{{Role: "system", Content: "specialist says hi"}})
			},
			wantType: "conversation.item.create",
			check: func(t *testing.T, raw map[string]any) {
				item, _ := raw["item"].(map[string]any)
				if item["role"] != "system" {
					t.Errorf("role = %v; want system", item["role"])
				}
			},
		},
		{
			name:     "interrupt",
			call:     func(h s2s.SessionHandle) error { return h.Interrupt() },
			wantType: "response.cancel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := make(chan map[string]any, 1)
			srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var raw map[string]any
				readJSON(t, conn, &raw)
				var msg map[string]any
				readJSON(t, conn, &msg)
				got <- msg
				<-conn.CloseRead(context.Background()).Done()
			})

			handle := connect(t, srv, s2s.SessionConfig{})
			if err := tt.call(handle); err != nil {
				t.Fatalf("call: %v", err)
			}

			select {
			case msg := <-got:
				if msg["type"] != tt.wantType {
					t.Errorf("type = %v; want %s", msg["type"], tt.wantType)
				}
				if tt.check != nil {
					tt.check(t, msg)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("timeout")
			}
		})
	}
}

func TestInjectTextContext_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	handle := connect(t, idleServer(t), s2s.SessionConfig{})
	_ = handle.Close()

	if err := handle.InjectTextContext([]s2s.ContextItem{{Role: "user", Content: "x"}}); err == nil {
		t.Fatal("expected error after Close")
	}
	if err := handle.Greet("hi"); err == nil {
		t.Fatal("expected Greet error after Close")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndClosesChannels(t *testing.T) {
	t.Parallel()

	handle := connect(t, idleServer(t), s2s.SessionConfig{})

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range handle.Audio() {
		}
		for range handle.Transcripts() {
		}
	}()

	select {
	case <-drained:
	case <-time.After(3 * time.Second):
		t.Fatal("channels not closed after Close")
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = handle.SendAudio([]byte{byte(i)})
		}()
	}
	wg.Wait()

	if handle.Err() != nil {
		t.Errorf("Err = %v; want nil", handle.Err())
	}
}
