// Package agent is the boundary to the conversational engine. The engine is
// opaque: it receives decoded caller audio and turn-control signals, and
// emits a lazy, in-order stream of utterance events (synthesized audio,
// utterance boundaries, end-of-turn). The bridge never interprets the
// conversation's content.
package agent

import "errors"

// ErrBackendProtocol marks errors that are fatal to the call session. The
// session reacts by terminating; there is no mid-call reconnection.
var ErrBackendProtocol = errors.New("backend protocol error")

// EventType enumerates the backend's output stream events.
type EventType int

const (
	// EventUtteranceStart opens a new synthesized utterance.
	EventUtteranceStart EventType = iota
	// EventAudioChunk carries one chunk of 24kHz linear PCM for the
	// current utterance.
	EventAudioChunk
	// EventUtteranceEnd closes the current utterance; the outbound pump
	// emits a playback mark at this boundary.
	EventUtteranceEnd
	// EventEndOfTurn signals the backend finished processing the user's
	// turn with no further speech queued.
	EventEndOfTurn
	// EventConcludeCall asks the bridge to hang up the call.
	EventConcludeCall
	// EventError reports a fatal backend error.
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventUtteranceStart:
		return "utterance-start"
	case EventAudioChunk:
		return "audio-chunk"
	case EventUtteranceEnd:
		return "utterance-end"
	case EventEndOfTurn:
		return "end-of-turn"
	case EventConcludeCall:
		return "conclude-call"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one element of the backend's lazy output stream. Immutable once
// produced; ownership transfers to the consumer.
type Event struct {
	Type        EventType
	UtteranceID string
	Audio       []byte // EventAudioChunk only
	Seq         uint64 // chunk order within an utterance
	Reason      string // EventConcludeCall only
	Err         error  // EventError only
}

// SessionSetup carries the per-call context sent to the backend once, when
// the media stream starts.
type SessionSetup struct {
	CallSid       string
	Language      string
	InitialPrompt string
}

// Backend is one call's connection to the conversational engine.
//
// Events returns the same channel on every call; the channel is closed when
// the backend connection ends. Event delivery applies backpressure: a slow
// consumer blocks the reader instead of losing events.
type Backend interface {
	// SendAudio forwards decoded caller audio (8kHz linear PCM).
	SendAudio(pcm []byte) error
	// StartTurn tells the backend the user has started speaking.
	StartTurn() error
	// AbandonTurn tells the backend to discard the named in-flight
	// utterance and process the new user speech instead.
	AbandonTurn(utteranceID string) error
	// Events returns the backend's output stream.
	Events() <-chan Event
	// Close releases the connection. Idempotent.
	Close() error
}
