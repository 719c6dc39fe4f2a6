package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/postak/lead-agent/internal/config"
	"github.com/postak/lead-agent/internal/observability"
)

// clientMessage is the JSON envelope sent to the backend.
type clientMessage struct {
	Type        string `json:"type"`
	CallSid     string `json:"call_sid,omitempty"`
	Language    string `json:"language,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	AudioB64    string `json:"audio_b64,omitempty"`
	UtteranceID string `json:"utterance_id,omitempty"`
}

// serverMessage is the JSON envelope received from the backend.
type serverMessage struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id,omitempty"`
	Seq         uint64 `json:"seq,omitempty"`
	AudioB64    string `json:"audio_b64,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Dialer opens a backend session for one call.
type Dialer interface {
	Dial(ctx context.Context, setup SessionSetup) (Backend, error)
}

// WSDialer dials the conversational engine over WebSocket.
type WSDialer struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// NewWSDialer creates a dialer from service configuration.
func NewWSDialer(cfg *config.Config) *WSDialer {
	return &WSDialer{
		cfg:    cfg,
		logger: observability.GetLogger().With().Str("component", "agent_backend").Logger(),
	}
}

// Dial connects to the backend, sends the session setup, and returns a live
// Backend. The setup includes the lead context prompt so the agent can open
// the conversation as soon as the call is answered.
func (d *WSDialer) Dial(ctx context.Context, setup SessionSetup) (Backend, error) {
	header := http.Header{}
	if d.cfg.AgentBackendAPIKey != "" {
		header.Set("Authorization", "Bearer "+d.cfg.AgentBackendAPIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(d.cfg.AgentBackendTimeout) * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, d.cfg.AgentBackendURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial agent backend %s: %w", d.cfg.AgentBackendURL, err)
	}

	b := &wsBackend{
		conn:   conn,
		events: make(chan Event, d.cfg.OutboundQueueDepth),
		done:   make(chan struct{}),
		logger: d.logger.With().Str("call_sid", setup.CallSid).Logger(),
	}

	if err := b.writeJSON(clientMessage{
		Type:     "session-setup",
		CallSid:  setup.CallSid,
		Language: setup.Language,
		Prompt:   setup.InitialPrompt,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send session setup: %w", err)
	}

	go b.readLoop()
	return b, nil
}

// wsBackend implements Backend over a gorilla WebSocket connection.
type wsBackend struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	logger zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (b *wsBackend) writeJSON(msg clientMessage) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(&msg)
}

// SendAudio forwards decoded caller audio to the backend.
func (b *wsBackend) SendAudio(pcm []byte) error {
	return b.writeJSON(clientMessage{
		Type:     "audio",
		AudioB64: base64.StdEncoding.EncodeToString(pcm),
	})
}

// StartTurn signals the start of a user turn.
func (b *wsBackend) StartTurn() error {
	return b.writeJSON(clientMessage{Type: "start-turn"})
}

// AbandonTurn signals a barge-in: discard the named utterance's remaining
// generation and process the new user speech.
func (b *wsBackend) AbandonTurn(utteranceID string) error {
	return b.writeJSON(clientMessage{Type: "abandon-turn", UtteranceID: utteranceID})
}

// Events returns the backend's output stream.
func (b *wsBackend) Events() <-chan Event {
	return b.events
}

// Close releases the connection and ends the event stream.
func (b *wsBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.writeMu.Lock()
		b.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
		b.writeMu.Unlock()
		b.conn.Close()
	})
	return nil
}

// readLoop translates backend wire messages into Events. It applies
// backpressure: a full events channel blocks the socket read, never drops.
// The events channel is closed when the loop exits.
func (b *wsBackend) readLoop() {
	defer close(b.events)

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			select {
			case <-b.done:
				// Orderly close, not a protocol error.
				return
			default:
			}
			b.deliver(Event{
				Type: EventError,
				Err:  fmt.Errorf("%w: read: %v", ErrBackendProtocol, err),
			})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.deliver(Event{
				Type: EventError,
				Err:  fmt.Errorf("%w: bad server message: %v", ErrBackendProtocol, err),
			})
			return
		}

		ev, err := b.translate(&msg)
		if err != nil {
			b.deliver(Event{Type: EventError, Err: err})
			return
		}
		if !b.deliver(ev) {
			return
		}
		if ev.Type == EventError {
			return
		}
	}
}

func (b *wsBackend) translate(msg *serverMessage) (Event, error) {
	switch msg.Type {
	case "utterance-start":
		if msg.UtteranceID == "" {
			return Event{}, fmt.Errorf("%w: utterance-start without utterance_id", ErrBackendProtocol)
		}
		return Event{Type: EventUtteranceStart, UtteranceID: msg.UtteranceID}, nil
	case "audio-chunk":
		audio, err := base64.StdEncoding.DecodeString(msg.AudioB64)
		if err != nil || len(audio) == 0 {
			return Event{}, fmt.Errorf("%w: audio-chunk with bad payload", ErrBackendProtocol)
		}
		return Event{Type: EventAudioChunk, UtteranceID: msg.UtteranceID, Audio: audio, Seq: msg.Seq}, nil
	case "utterance-end":
		return Event{Type: EventUtteranceEnd, UtteranceID: msg.UtteranceID}, nil
	case "end-of-turn":
		return Event{Type: EventEndOfTurn}, nil
	case "conclude-call":
		return Event{Type: EventConcludeCall, Reason: msg.Reason}, nil
	case "error":
		return Event{
			Type: EventError,
			Err:  fmt.Errorf("%w: %s: %s", ErrBackendProtocol, msg.Code, msg.Message),
		}, nil
	default:
		return Event{}, fmt.Errorf("%w: unknown message type %q", ErrBackendProtocol, msg.Type)
	}
}

// deliver sends an event, blocking until the consumer takes it or the
// backend is closed. Reports whether the event was delivered.
func (b *wsBackend) deliver(ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	}
}
