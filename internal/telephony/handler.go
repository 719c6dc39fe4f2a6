package telephony

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/postak/lead-agent/internal/agent"
	"github.com/postak/lead-agent/internal/config"
	"github.com/postak/lead-agent/internal/lead"
	"github.com/postak/lead-agent/internal/observability"
	"github.com/postak/lead-agent/internal/session"
	"github.com/postak/lead-agent/internal/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Twilio does not send a browser Origin header; the public URL is
		// the access control boundary here.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsWriter serializes frame writes to the stream's WebSocket. The outbound
// pump and the interruption controller write concurrently; gorilla allows
// only one writer at a time.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// StreamHandler terminates Twilio Media Streams WebSocket connections and
// binds each one to a call session.
type StreamHandler struct {
	cfg      *config.Config
	registry *session.Registry
	dialer   agent.Dialer
	hangup   session.CallEnder
	logger   zerolog.Logger
}

// NewStreamHandler creates the media stream endpoint handler.
func NewStreamHandler(cfg *config.Config, reg *session.Registry, dialer agent.Dialer, hangup session.CallEnder) *StreamHandler {
	return &StreamHandler{
		cfg:      cfg,
		registry: reg,
		dialer:   dialer,
		hangup:   hangup,
		logger:   observability.GetLogger().With().Str("component", "stream_handler").Logger(),
	}
}

// ServeHTTP upgrades the connection and runs the stream's read loop until
// the channel stops or fails. One connection maps to exactly one session.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	h.logger.Info().Str("remote", r.RemoteAddr).Msg("media stream connected")
	h.readLoop(conn)
}

func (h *StreamHandler) readLoop(conn *websocket.Conn) {
	var sess *session.Session
	defer func() {
		if sess == nil {
			return
		}
		st := sess.State()
		sess.Terminate(session.ReasonChannelError)
		if st == session.StateTerminating || st == session.StateClosed {
			// The session already tore itself down and owns the hangup.
			return
		}
		// Twilio usually drops the leg when the stream socket dies, but
		// complete it explicitly so a half-dead channel cannot leave the
		// caller listening to silence.
		if h.hangup != nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.TwilioTimeout())
			defer cancel()
			if err := h.hangup.EndCall(ctx, sess.CallSid()); err != nil {
				h.logger.Warn().Err(err).Str("call_sid", sess.CallSid()).Msg("hangup after stream failure failed")
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("media stream read error")
			}
			return
		}

		msg, err := wire.Parse(data)
		if err != nil {
			observability.RecordFrameDecodeError()
			h.logger.Warn().Err(err).Msg("dropping unparseable stream message")
			continue
		}

		switch msg.Event {
		case wire.EventConnected:
			h.logger.Debug().Msg("stream handshake received")

		case wire.EventStart:
			if sess != nil {
				h.logger.Warn().Msg("duplicate start event ignored")
				continue
			}
			sess = h.startSession(conn, msg)
			if sess == nil {
				return
			}

		case wire.EventMedia:
			if sess == nil {
				continue
			}
			if err := sess.EnqueueMedia(msg); err != nil {
				h.logger.Info().Err(err).Msg("media after session close, dropping stream")
				sess = nil
				return
			}

		case wire.EventMark:
			if sess != nil && msg.Mark != nil {
				sess.MarkCompleted(msg.Mark.Name)
			}

		case wire.EventStop:
			if sess != nil {
				sess.StreamStopped()
				sess = nil
			}
			return

		default:
			h.logger.Debug().Str("event", msg.Event).Msg("unhandled stream event")
		}
	}
}

// startSession builds the session for a stream's start event: decode the
// lead context, dial the agent backend, and register the session. A failure
// at any step abandons the stream; Twilio ends the call when the socket
// drops.
func (h *StreamHandler) startSession(conn *websocket.Conn, msg *wire.Message) *session.Session {
	if msg.Start == nil || msg.Start.CallSid == "" || msg.Start.StreamSid == "" {
		h.logger.Error().Msg("start event missing call or stream sid")
		return nil
	}
	callSid := msg.Start.CallSid
	streamSid := msg.Start.StreamSid
	logger := observability.CallLogger(callSid, streamSid)

	leadReq, err := lead.DecodeContext(msg.Start.CustomParameters["lead_info"])
	if err != nil {
		logger.Error().Err(err).Msg("lead context missing or undecodable")
		return nil
	}

	setup := agent.SessionSetup{
		CallSid:       callSid,
		Language:      leadReq.CallLanguageCode,
		InitialPrompt: leadReq.InitialPrompt(),
	}
	dialCtx, cancel := context.WithTimeout(context.Background(), h.cfg.BackendDialTimeout())
	backend, err := h.dialer.Dial(dialCtx, setup)
	cancel()
	if err != nil {
		observability.RecordBackendError()
		logger.Error().Err(err).Msg("agent backend dial failed")
		return nil
	}

	sess := session.New(session.Options{
		CallSid:   callSid,
		StreamSid: streamSid,
		Lead:      leadReq,
		Writer:    &wsWriter{conn: conn},
		Backend:   backend,
		Hangup:    h.hangup,
		Config:    h.cfg,
		Logger:    logger,
	})
	if err := h.registry.Create(sess); err != nil {
		logger.Error().Err(err).Msg("session already live for call")
		backend.Close()
		return nil
	}
	if err := sess.Start(); err != nil {
		logger.Error().Err(err).Msg("session start failed")
		sess.Terminate(session.ReasonChannelError)
		h.registry.Remove(callSid)
		return nil
	}

	logger.Info().
		Str("lead_id", leadReq.LeadID).
		Str("language", leadReq.CallLanguageCode).
		Msg("call session established")
	return sess
}
