package session

import (
	"context"

	"github.com/postak/lead-agent/internal/agent"
	"github.com/postak/lead-agent/internal/audio"
	"github.com/postak/lead-agent/internal/observability"
	"github.com/postak/lead-agent/internal/wire"
)

// mulaw bytes per millisecond at the telephony sample rate.
const mulawBytesPerMS = audio.TelephonySampleRate / 1000

// outboundPump consumes the backend's event stream and drives synthesized
// audio toward the caller. Chunks belonging to an abandoned utterance are
// discarded here, so at most the chunk already in flight when a barge-in
// lands can slip through.
func (s *Session) outboundPump() {
	defer s.pumps.Done()

	events := s.backend.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				s.logger.Info().Msg("backend event stream closed")
				s.Terminate(ReasonBackendError)
				return
			}
			if !s.handleEvent(ev) {
				return
			}
		}
	}
}

// handleEvent processes one backend event. Returns false when the pump
// should stop.
func (s *Session) handleEvent(ev agent.Event) bool {
	switch ev.Type {
	case agent.EventUtteranceStart:
		s.beginUtterance(ev.UtteranceID)
		return true

	case agent.EventAudioChunk:
		s.playChunk(ev)
		return true

	case agent.EventUtteranceEnd:
		s.endUtterance(ev.UtteranceID)
		return true

	case agent.EventEndOfTurn:
		s.mu.Lock()
		if s.state == StateAgentSpeaking || s.state == StateUserSpeaking {
			if err := s.setStateLocked(StateActiveIdle); err != nil {
				s.logger.Warn().Err(err).Msg("end of turn transition rejected")
			}
		}
		s.mu.Unlock()
		return true

	case agent.EventConcludeCall:
		s.logger.Info().Str("reason", ev.Reason).Msg("backend concluded the call")
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TwilioTimeout())
		defer cancel()
		if s.hangup != nil {
			if err := s.hangup.EndCall(ctx, s.callSid); err != nil {
				s.logger.Error().Err(err).Msg("hangup request failed")
			}
		}
		s.Terminate(ReasonAgentConcluded)
		return false

	case agent.EventError:
		s.logger.Error().Err(ev.Err).Msg("backend error")
		observability.RecordBackendError()
		s.Terminate(ReasonBackendError)
		return false

	default:
		s.logger.Warn().Str("type", ev.Type.String()).Msg("unhandled backend event")
		return true
	}
}

// beginUtterance opens a new synthesized utterance and claims the floor for
// the agent.
func (s *Session) beginUtterance(utteranceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminating || s.state == StateClosed {
		return
	}
	if utteranceID != "" && utteranceID == s.abandonedUtterance {
		s.logger.Debug().Str("utterance", utteranceID).Msg("ignoring start of abandoned utterance")
		return
	}
	if s.state != StateAgentSpeaking {
		if err := s.setStateLocked(StateAgentSpeaking); err != nil {
			s.logger.Warn().Err(err).Msg("utterance start transition rejected")
			return
		}
	}
	s.currentUtterance = utteranceID
	s.utteranceChunks = 0
	s.touchLocked()
}

// playChunk converts one chunk of backend PCM to telephony form and writes
// it with the next sequence number. Stale chunks are dropped silently.
func (s *Session) playChunk(ev agent.Event) {
	s.mu.Lock()
	if s.state != StateAgentSpeaking ||
		ev.UtteranceID != s.currentUtterance ||
		ev.UtteranceID == s.abandonedUtterance {
		s.mu.Unlock()
		s.logger.Debug().
			Str("utterance", ev.UtteranceID).
			Uint64("chunk", ev.Seq).
			Msg("discarding stale audio chunk")
		return
	}
	seq := s.outSeq
	ts := s.outTimelineMS
	s.mu.Unlock()

	mulaw, err := audio.EncodeMulaw(ev.Audio, audio.BackendSampleRate)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping unconvertible backend chunk")
		return
	}

	data, err := wire.EncodeMedia(s.streamSid, mulaw, seq, ts)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping unencodable media frame")
		return
	}

	// Re-check under the lock so a barge-in that landed during conversion
	// stops the chunk before it reaches the wire.
	s.mu.Lock()
	if s.state != StateAgentSpeaking || ev.UtteranceID != s.currentUtterance {
		s.mu.Unlock()
		return
	}
	s.outSeq++
	s.outTimelineMS += int64(len(mulaw) / mulawBytesPerMS)
	s.utteranceChunks++
	s.touchLocked()
	s.mu.Unlock()

	if err := s.writer.WriteFrame(data); err != nil {
		s.logger.Error().Err(err).Msg("outbound frame write failed, terminating")
		s.Terminate(ReasonChannelError)
		return
	}
	s.metrics.RecordAudio("outbound", len(mulaw))
}

// endUtterance places a playback mark at the utterance boundary. The mark
// becomes played only when the channel echoes it back, or interrupted if a
// barge-in lands first.
func (s *Session) endUtterance(utteranceID string) {
	s.mu.Lock()
	if utteranceID == "" || utteranceID != s.currentUtterance {
		s.mu.Unlock()
		return
	}
	// A barge-in that landed before this boundary arrived has already
	// cleared the playout buffer, so the caller never hears the tail.
	// Record the mark as interrupted instead of putting it on the wire.
	if s.state != StateAgentSpeaking || utteranceID == s.abandonedUtterance {
		if s.marks[utteranceID] != markInterrupted {
			s.marks[utteranceID] = markInterrupted
			observability.RecordPlaybackMark("interrupted")
		}
		s.mu.Unlock()
		s.logger.Debug().Str("mark", utteranceID).Msg("suppressing mark for interrupted utterance")
		return
	}
	s.marks[utteranceID] = markPending
	s.touchLocked()
	s.mu.Unlock()

	data, err := wire.EncodeMark(s.streamSid, utteranceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("mark", utteranceID).Msg("mark encode failed")
		return
	}
	if err := s.writer.WriteFrame(data); err != nil {
		s.logger.Error().Err(err).Msg("mark write failed, terminating")
		s.Terminate(ReasonChannelError)
		return
	}
	s.logger.Debug().Str("mark", utteranceID).Msg("playback mark sent")
}
