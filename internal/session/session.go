// Package session implements the core of the media bridge: the per-call
// state machine, the inbound and outbound audio pumps, barge-in
// interruption, and the process-wide registry of active calls.
//
// One session owns exactly one phone call. Two pump goroutines run against
// it concurrently; every state change goes through a single mutation point
// guarded by the session mutex, and sessions share no mutable state with
// each other beyond the registry.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/postak/lead-agent/internal/agent"
	"github.com/postak/lead-agent/internal/audio"
	"github.com/postak/lead-agent/internal/config"
	"github.com/postak/lead-agent/internal/lead"
	"github.com/postak/lead-agent/internal/observability"
	"github.com/postak/lead-agent/internal/wire"
)

// FrameWriter writes one encoded envelope to the telephony channel.
// Implementations must be safe for concurrent use; the outbound pump and
// the interruption controller both write.
type FrameWriter interface {
	WriteFrame(data []byte) error
}

// CallEnder hangs up the call leg via the telephony REST API.
type CallEnder interface {
	EndCall(ctx context.Context, callSid string) error
}

// markState tracks a playback mark's single allowed disposition.
type markState int

const (
	markPending markState = iota
	markPlayed
	markInterrupted
)

// Interruption records where a barge-in cut an utterance: the last playback
// mark the channel confirmed (empty means none) and how many audio chunks
// of the abandoned utterance had been written.
type Interruption struct {
	UtteranceID string
	Mark        string
	Chunks      int
	At          time.Time
}

// Options carries everything a session needs at creation time. The lead is
// read-only for the session's lifetime; VAD thresholds are snapshotted here
// and never re-read.
type Options struct {
	CallSid   string
	StreamSid string
	Lead      *lead.CallRequest
	Writer    FrameWriter
	Backend   agent.Backend
	Hangup    CallEnder
	Config    *config.Config
	Logger    zerolog.Logger
}

// Session is the full lifecycle state for one phone call's duplex audio
// bridge.
type Session struct {
	callSid   string
	streamSid string
	lead      *lead.CallRequest
	writer    FrameWriter
	backend   agent.Backend
	hangup    CallEnder
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *observability.CallMetrics

	// Pump-local plumbing, touched only by the inbound pump goroutine.
	decoder *wire.MediaDecoder
	vad     *audio.Detector
	vadBuf  *audio.FrameBuffer

	inbound chan *wire.Message
	done    chan struct{}

	closeOnce sync.Once
	pumps     sync.WaitGroup
	registry  *Registry

	mu                 sync.Mutex
	state              State
	createdAt          time.Time
	lastActivity       time.Time
	inSeq              uint64
	outSeq             uint64
	outTimelineMS      int64
	currentUtterance   string
	abandonedUtterance string
	utteranceChunks    int
	marks              map[string]markState
	lastConfirmedMark  string
	interruption       *Interruption
	terminateReason    string
}

// New creates a session in the Connecting state. Register it before
// calling Start.
func New(opts Options) *Session {
	now := time.Now()
	vadCfg := &audio.VADConfig{
		EnergyThreshold: opts.Config.VADEnergyThreshold,
		MinSpeechMs:     opts.Config.VADMinSpeechMs,
		SilenceMs:       opts.Config.VADSilenceMs,
		FrameMs:         20,
		SampleRate:      audio.TelephonySampleRate,
	}
	return &Session{
		callSid:      opts.CallSid,
		streamSid:    opts.StreamSid,
		lead:         opts.Lead,
		writer:       opts.Writer,
		backend:      opts.Backend,
		hangup:       opts.Hangup,
		cfg:          opts.Config,
		logger:       opts.Logger,
		metrics:      observability.NewCallMetrics(opts.CallSid),
		decoder:      wire.NewMediaDecoder(wire.DirectionInbound),
		vad:          audio.NewDetector(vadCfg),
		vadBuf:       audio.NewFrameBuffer(opts.Config.AudioBufferSize),
		inbound:      make(chan *wire.Message, opts.Config.InboundQueueDepth),
		done:         make(chan struct{}),
		state:        StateConnecting,
		createdAt:    now,
		lastActivity: now,
		marks:        make(map[string]markState),
	}
}

// Start moves the session to ActiveIdle (the media stream has started) and
// launches both pumps plus the idle watchdog.
func (s *Session) Start() error {
	if err := s.transition(StateActiveIdle); err != nil {
		return err
	}
	s.pumps.Add(2)
	go s.inboundPump()
	go s.outboundPump()
	go s.watchIdle()
	go func() {
		s.pumps.Wait()
		s.finalize()
	}()
	s.logger.Info().Msg("session started")
	return nil
}

// CallSid returns the call identifier the session is keyed on.
func (s *Session) CallSid() string {
	return s.callSid
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Lead returns the validated lead this call is qualifying.
func (s *Session) Lead() *lead.CallRequest {
	return s.lead
}

// Interruption returns a copy of the recorded barge-in offset, or nil if
// the call has not been interrupted.
func (s *Session) Interruption() *Interruption {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interruption == nil {
		return nil
	}
	cp := *s.interruption
	return &cp
}

// EnqueueMedia hands a telephony media envelope to the inbound pump. Blocks
// when the queue is full; the WebSocket read loop is the natural
// backpressure point toward the channel.
func (s *Session) EnqueueMedia(msg *wire.Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbound <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// MarkCompleted records that the telephony channel finished playing the
// audio queued before the named mark. Each mark is reported played at most
// once; duplicates and unknown names are ignored.
func (s *Session) MarkCompleted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.marks[name]; !ok || st != markPending {
		s.logger.Debug().Str("mark", name).Msg("ignoring duplicate or unknown mark")
		return
	}
	s.marks[name] = markPlayed
	s.lastConfirmedMark = name
	s.lastActivity = time.Now()
	observability.RecordPlaybackMark("played")
	s.logger.Debug().Str("mark", name).Msg("playback mark confirmed")
}

// StreamStopped handles the channel's stream-stopped control event.
func (s *Session) StreamStopped() {
	s.Terminate(ReasonStreamStopped)
}

// Terminate begins teardown for the given reason. Idempotent; the first
// reason wins. Both pumps stop, the backend connection is released, and
// once everything has drained the session settles in Closed and removes
// itself from the registry.
func (s *Session) Terminate(reason string) {
	s.mu.Lock()
	if s.state == StateTerminating || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateTerminating)
	s.terminateReason = reason
	s.mu.Unlock()

	s.logger.Info().Str("reason", reason).Msg("session terminating")
	s.closeOnce.Do(func() { close(s.done) })
	if s.backend != nil {
		s.backend.Close()
	}
}

// finalize runs once both pumps have drained.
func (s *Session) finalize() {
	s.mu.Lock()
	s.setStateLocked(StateClosed)
	reason := s.terminateReason
	s.mu.Unlock()

	s.metrics.RecordCallEnd(reason)
	if s.registry != nil {
		s.registry.Remove(s.callSid)
	}
	s.logger.Info().Str("reason", reason).Msg("session closed")
}

// transition is the session's single mutation point for lifecycle state.
func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(to)
}

func (s *Session) setStateLocked(to State) error {
	if s.state == to {
		return nil
	}
	if !validTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.logger.Debug().
		Str("from", s.state.String()).
		Str("to", to.String()).
		Msg("state transition")
	s.state = to
	return nil
}

// touchLocked refreshes the idle clock. Callers hold s.mu.
func (s *Session) touchLocked() {
	s.lastActivity = time.Now()
}

// watchIdle tears the session down when no frames or control events arrive
// within the configured idle threshold, so a channel that fails to signal
// closure cannot leak the session.
func (s *Session) watchIdle() {
	interval := s.cfg.IdleTimeout() / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			s.mu.Unlock()
			if idle > s.cfg.IdleTimeout() {
				observability.RecordIdleTimeout()
				s.logger.Warn().Dur("idle", idle).Msg("idle timeout, terminating session")
				s.Terminate(ReasonIdleTimeout)
				return
			}
		}
	}
}
