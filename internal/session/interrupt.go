package session

import (
	"time"

	"github.com/postak/lead-agent/internal/observability"
	"github.com/postak/lead-agent/internal/wire"
)

// onSpeechStart runs when the voice activity detector confirms the caller
// started talking. From ActiveIdle this is a normal turn; while the agent is
// mid-utterance it is a barge-in: stop playout immediately, tell the backend
// to abandon the utterance, and record where it was cut.
func (s *Session) onSpeechStart() {
	s.mu.Lock()

	switch s.state {
	case StateActiveIdle:
		if err := s.setStateLocked(StateUserSpeaking); err != nil {
			s.mu.Unlock()
			s.logger.Warn().Err(err).Msg("speech start transition rejected")
			return
		}
		s.mu.Unlock()
		if err := s.backend.StartTurn(); err != nil {
			s.logger.Error().Err(err).Msg("start turn failed, terminating")
			observability.RecordBackendError()
			s.Terminate(ReasonBackendError)
		}
		return

	case StateAgentSpeaking:
		utterance := s.currentUtterance
		if utterance == s.abandonedUtterance && utterance != "" {
			// A second start-of-speech against an utterance already
			// being cancelled collapses to a no-op.
			s.mu.Unlock()
			observability.RecordBargeInRace()
			s.logger.Debug().Str("utterance", utterance).Msg("duplicate barge-in ignored")
			return
		}
		if err := s.setStateLocked(StateInterrupting); err != nil {
			s.mu.Unlock()
			s.logger.Warn().Err(err).Msg("barge-in transition rejected")
			return
		}
		s.abandonedUtterance = utterance
		s.interruption = &Interruption{
			UtteranceID: utterance,
			Mark:        s.lastConfirmedMark,
			Chunks:      s.utteranceChunks,
			At:          time.Now(),
		}
		for name, st := range s.marks {
			if st == markPending {
				s.marks[name] = markInterrupted
				observability.RecordPlaybackMark("interrupted")
			}
		}
		s.mu.Unlock()

		s.cancelPlayout(utterance)
		return

	case StateUserSpeaking, StateInterrupting:
		// Already the user's floor.
		s.mu.Unlock()
		return

	default:
		s.mu.Unlock()
		return
	}
}

// cancelPlayout clears the telephony playout buffer and redirects the
// backend to the new user turn. Runs outside the session lock; the state is
// already Interrupting so the outbound pump discards the stale utterance's
// remaining chunks.
func (s *Session) cancelPlayout(utteranceID string) {
	observability.RecordBargeIn()
	s.logger.Info().Str("utterance", utteranceID).Msg("barge-in, cancelling playout")

	data, err := wire.EncodeClear(s.streamSid)
	if err == nil {
		if werr := s.writer.WriteFrame(data); werr != nil {
			s.logger.Warn().Err(werr).Msg("clear frame write failed")
		}
	}

	if err := s.backend.AbandonTurn(utteranceID); err != nil {
		s.logger.Error().Err(err).Msg("abandon turn failed, terminating")
		observability.RecordBackendError()
		s.Terminate(ReasonBackendError)
		return
	}

	s.mu.Lock()
	if s.state == StateInterrupting {
		if err := s.setStateLocked(StateUserSpeaking); err != nil {
			s.logger.Warn().Err(err).Msg("post barge-in transition rejected")
		}
	}
	s.mu.Unlock()
}
