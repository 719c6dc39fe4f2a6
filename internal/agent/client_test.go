package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/postak/lead-agent/internal/config"
)

var testUpgrader = websocket.Upgrader{}

// backendServer is a scripted stand-in for the conversational engine.
type backendServer struct {
	t *testing.T

	mu       sync.Mutex
	received []clientMessage
	conn     *websocket.Conn
	ready    chan struct{}
	auth     string
}

func newBackendServer(t *testing.T) (*backendServer, *httptest.Server) {
	t.Helper()
	bs := &backendServer{t: t, ready: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bs.mu.Lock()
		bs.auth = r.Header.Get("Authorization")
		bs.mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		bs.mu.Lock()
		bs.conn = conn
		bs.mu.Unlock()
		close(bs.ready)

		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			bs.mu.Lock()
			bs.received = append(bs.received, msg)
			bs.mu.Unlock()
		}
	}))
	t.Cleanup(srv.Close)
	return bs, srv
}

func (bs *backendServer) send(t *testing.T, msg serverMessage) {
	t.Helper()
	<-bs.ready
	data, _ := json.Marshal(&msg)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := bs.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("backend write: %v", err)
	}
}

func (bs *backendServer) messages() []clientMessage {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return append([]clientMessage(nil), bs.received...)
}

func dialerConfig(wsURL string) *config.Config {
	return &config.Config{
		AgentBackendURL:     wsURL,
		AgentBackendAPIKey:  "key-123",
		AgentBackendTimeout: 2,
		OutboundQueueDepth:  16,
	}
}

func dialBackend(t *testing.T, bs *backendServer, srv *httptest.Server) Backend {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := NewWSDialer(dialerConfig(wsURL))
	b, err := d.Dial(context.Background(), SessionSetup{
		CallSid:       "CA-agent",
		Language:      "en-US",
		InitialPrompt: "The phone call has just been answered.",
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func waitMessages(t *testing.T, bs *backendServer, n int) []clientMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := bs.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend received %d messages, want %d", len(bs.messages()), n)
	return nil
}

func nextEvent(t *testing.T, b Backend) Event {
	t.Helper()
	select {
	case ev, ok := <-b.Events():
		if !ok {
			t.Fatalf("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event within 2s")
		return Event{}
	}
}

func TestDialSendsSetupWithAuth(t *testing.T) {
	bs, srv := newBackendServer(t)
	dialBackend(t, bs, srv)

	msgs := waitMessages(t, bs, 1)
	if msgs[0].Type != "session-setup" {
		t.Errorf("first message type = %q, want session-setup", msgs[0].Type)
	}
	if msgs[0].CallSid != "CA-agent" || msgs[0].Language != "en-US" {
		t.Errorf("setup = %+v", msgs[0])
	}
	if msgs[0].Prompt == "" {
		t.Errorf("setup missing prompt")
	}
	bs.mu.Lock()
	auth := bs.auth
	bs.mu.Unlock()
	if auth != "Bearer key-123" {
		t.Errorf("auth header = %q", auth)
	}
}

func TestAudioAndTurnSignals(t *testing.T) {
	bs, srv := newBackendServer(t)
	b := dialBackend(t, bs, srv)

	pcm := []byte{1, 2, 3, 4}
	if err := b.SendAudio(pcm); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := b.StartTurn(); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := b.AbandonTurn("u9"); err != nil {
		t.Fatalf("abandon turn: %v", err)
	}

	msgs := waitMessages(t, bs, 4) // setup + 3
	if msgs[1].Type != "audio" {
		t.Errorf("message 1 type = %q, want audio", msgs[1].Type)
	}
	if got, _ := base64.StdEncoding.DecodeString(msgs[1].AudioB64); string(got) != string(pcm) {
		t.Errorf("audio payload = %v, want %v", got, pcm)
	}
	if msgs[2].Type != "start-turn" {
		t.Errorf("message 2 type = %q, want start-turn", msgs[2].Type)
	}
	if msgs[3].Type != "abandon-turn" || msgs[3].UtteranceID != "u9" {
		t.Errorf("message 3 = %+v, want abandon-turn u9", msgs[3])
	}
}

func TestEventStreamTranslation(t *testing.T) {
	bs, srv := newBackendServer(t)
	b := dialBackend(t, bs, srv)

	audio := base64.StdEncoding.EncodeToString([]byte{9, 9, 9})
	bs.send(t, serverMessage{Type: "utterance-start", UtteranceID: "u1"})
	bs.send(t, serverMessage{Type: "audio-chunk", UtteranceID: "u1", Seq: 0, AudioB64: audio})
	bs.send(t, serverMessage{Type: "utterance-end", UtteranceID: "u1"})
	bs.send(t, serverMessage{Type: "end-of-turn"})
	bs.send(t, serverMessage{Type: "conclude-call", Reason: "qualified"})

	if ev := nextEvent(t, b); ev.Type != EventUtteranceStart || ev.UtteranceID != "u1" {
		t.Errorf("event 0 = %+v", ev)
	}
	ev := nextEvent(t, b)
	if ev.Type != EventAudioChunk || len(ev.Audio) != 3 {
		t.Errorf("event 1 = %+v", ev)
	}
	if ev := nextEvent(t, b); ev.Type != EventUtteranceEnd || ev.UtteranceID != "u1" {
		t.Errorf("event 2 = %+v", ev)
	}
	if ev := nextEvent(t, b); ev.Type != EventEndOfTurn {
		t.Errorf("event 3 = %+v", ev)
	}
	if ev := nextEvent(t, b); ev.Type != EventConcludeCall || ev.Reason != "qualified" {
		t.Errorf("event 4 = %+v", ev)
	}
}

func TestProtocolViolationsBecomeErrorEvents(t *testing.T) {
	cases := map[string]serverMessage{
		"unknown type":             {Type: "mystery"},
		"utterance start without id": {Type: "utterance-start"},
		"audio chunk bad payload":  {Type: "audio-chunk", UtteranceID: "u1", AudioB64: "***"},
		"explicit error":           {Type: "error", Code: "internal", Message: "engine crashed"},
	}

	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			bs, srv := newBackendServer(t)
			b := dialBackend(t, bs, srv)

			bs.send(t, msg)
			ev := nextEvent(t, b)
			if ev.Type != EventError {
				t.Fatalf("event = %+v, want error", ev)
			}
			if !errors.Is(ev.Err, ErrBackendProtocol) {
				t.Errorf("err = %v, want ErrBackendProtocol", ev.Err)
			}
		})
	}
}

func TestCloseEndsEventStreamQuietly(t *testing.T) {
	bs, srv := newBackendServer(t)
	b := dialBackend(t, bs, srv)

	b.Close()
	b.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				return
			}
			if ev.Type == EventError {
				t.Fatalf("orderly close produced error event: %v", ev.Err)
			}
		case <-deadline:
			t.Fatalf("event stream not closed after Close")
		}
	}
}

func TestDialFailureReturnsError(t *testing.T) {
	d := NewWSDialer(dialerConfig("ws://127.0.0.1:1/nope"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := d.Dial(ctx, SessionSetup{CallSid: "CA-x"}); err == nil {
		t.Fatalf("dial to dead endpoint succeeded")
	}
}
