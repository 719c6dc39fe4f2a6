package session

import (
	"github.com/postak/lead-agent/internal/audio"
	"github.com/postak/lead-agent/internal/observability"
	"github.com/postak/lead-agent/internal/wire"
)

// inboundPump drains the inbound queue: decode the envelope, convert the
// audio payload, run voice activity detection, and forward the PCM to the
// backend. A malformed envelope is logged and dropped; only a backend send
// failure tears the session down.
func (s *Session) inboundPump() {
	defer s.pumps.Done()

	frameSize := s.vad.Config().FrameSize() * 2 // int16 samples to bytes
	vadFrame := make([]byte, frameSize)

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbound:
			if err := s.handleMedia(msg, vadFrame); err != nil {
				s.logger.Error().Err(err).Msg("inbound pump failed, terminating")
				observability.RecordBackendError()
				s.Terminate(ReasonBackendError)
				return
			}
		}
	}
}

// handleMedia processes one media envelope. Non-nil errors are fatal to the
// session; malformed frames are absorbed here.
func (s *Session) handleMedia(msg *wire.Message, vadFrame []byte) error {
	prev := s.decoder.LastSequence()
	frame, err := s.decoder.Decode(msg)
	if err != nil {
		observability.RecordFrameDecodeError()
		s.logger.Warn().Err(err).Msg("dropping malformed media frame")
		return nil
	}
	if prev >= 0 && int64(frame.Sequence) > prev+1 {
		observability.RecordSequenceGap()
		s.logger.Debug().
			Int64("from", prev).
			Uint64("to", frame.Sequence).
			Msg("sequence gap in inbound media")
	}

	pcm, err := audio.DecodeMulaw(frame.Audio)
	if err != nil {
		observability.RecordFrameDecodeError()
		s.logger.Warn().Err(err).Msg("dropping undecodable media payload")
		return nil
	}

	s.mu.Lock()
	s.inSeq = frame.Sequence
	s.touchLocked()
	s.mu.Unlock()
	s.metrics.RecordAudio("inbound", len(pcm))

	s.vadBuf.Write(pcm)
	for s.vadBuf.ReadFrame(vadFrame) {
		samples, err := audio.BytesToSamples(vadFrame)
		if err != nil {
			break
		}
		_, speechStarted, speechEnded := s.vad.ProcessFrame(samples)
		if speechStarted {
			s.onSpeechStart()
		}
		if speechEnded {
			s.onSpeechEnd()
		}
	}

	return s.backend.SendAudio(pcm)
}

// onSpeechEnd settles the state machine after the caller stops talking. The
// backend decides turn boundaries itself; this only keeps the bridge's view
// of who is speaking coherent.
func (s *Session) onSpeechEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUserSpeaking {
		if err := s.setStateLocked(StateActiveIdle); err != nil {
			s.logger.Warn().Err(err).Msg("speech end transition rejected")
		}
	}
}
