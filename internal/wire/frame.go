// Package wire implements the Twilio Media Streams envelope used on the
// telephony WebSocket: JSON control events plus base64-encoded audio media
// frames with sequence and timestamp metadata.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedFrame is returned when a wire envelope is missing required
// metadata or its sequence number regresses. Malformed frames are dropped by
// the caller; they never tear down a stream.
var ErrMalformedFrame = errors.New("malformed frame")

// Direction tags an audio frame as caller-to-agent or agent-to-caller.
type Direction int

const (
	// DirectionInbound is audio from the caller toward the agent backend.
	DirectionInbound Direction = iota
	// DirectionOutbound is synthesized audio toward the caller.
	DirectionOutbound
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Event names used by the Media Streams protocol.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventClear     = "clear"
	EventStop      = "stop"
)

// Message represents one envelope on the telephony stream.
type Message struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
	Mark           *Mark  `json:"mark,omitempty"`
}

// Media represents the media payload in a media event.
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

// MediaFormat describes the codec negotiated at stream setup.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Start represents the start event payload.
type Start struct {
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	StreamSid        string            `json:"streamSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Stop represents the stop event payload.
type Stop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
	StreamSid  string `json:"streamSid"`
}

// Mark represents a playback mark. Outbound it names a boundary in the
// synthesized audio; inbound it confirms that boundary was fully played.
type Mark struct {
	Name string `json:"name"`
}

// Frame is one decoded, ordered chunk of audio. Immutable once produced.
type Frame struct {
	Audio       []byte
	Direction   Direction
	Sequence    uint64
	TimestampMS int64
}

// Parse unmarshals a raw envelope and validates that an event name is
// present. It does not decode media payloads; see MediaDecoder.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrMalformedFrame, err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return &msg, nil
}

// MediaDecoder decodes media envelopes for one direction of one stream and
// enforces that sequence numbers never regress.
type MediaDecoder struct {
	direction Direction
	lastSeq   int64
}

// NewMediaDecoder creates a decoder for the given direction.
func NewMediaDecoder(direction Direction) *MediaDecoder {
	return &MediaDecoder{direction: direction, lastSeq: -1}
}

// Decode extracts the audio frame carried by a media message.
// Returns ErrMalformedFrame when the payload or sequence metadata is missing,
// unparseable, or the sequence number regresses. The decoder state only
// advances on success, so a dropped frame does not poison the stream.
func (d *MediaDecoder) Decode(msg *Message) (Frame, error) {
	if msg == nil || msg.Event != EventMedia || msg.Media == nil {
		return Frame{}, fmt.Errorf("%w: not a media message", ErrMalformedFrame)
	}
	if msg.Media.Payload == "" {
		return Frame{}, fmt.Errorf("%w: missing media payload", ErrMalformedFrame)
	}

	seqField := msg.SequenceNumber
	if seqField == "" {
		seqField = msg.Media.Chunk
	}
	if seqField == "" {
		return Frame{}, fmt.Errorf("%w: missing sequence number", ErrMalformedFrame)
	}
	seq, err := strconv.ParseUint(seqField, 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: bad sequence number %q", ErrMalformedFrame, seqField)
	}
	if int64(seq) <= d.lastSeq {
		return Frame{}, fmt.Errorf("%w: sequence regressed from %d to %d", ErrMalformedFrame, d.lastSeq, seq)
	}

	audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: bad base64 payload", ErrMalformedFrame)
	}

	var ts int64
	if msg.Media.Timestamp != "" {
		ts, err = strconv.ParseInt(msg.Media.Timestamp, 10, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedFrame, msg.Media.Timestamp)
		}
	}

	d.lastSeq = int64(seq)
	return Frame{
		Audio:       audio,
		Direction:   d.direction,
		Sequence:    seq,
		TimestampMS: ts,
	}, nil
}

// LastSequence returns the highest sequence number decoded so far, or -1.
func (d *MediaDecoder) LastSequence() int64 {
	return d.lastSeq
}

// EncodeMedia packs raw audio into an outbound media envelope. Pure; the
// caller owns sequence numbering.
func EncodeMedia(streamSid string, audio []byte, seq uint64, timestampMS int64) ([]byte, error) {
	if streamSid == "" {
		return nil, fmt.Errorf("%w: missing streamSid", ErrMalformedFrame)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio chunk", ErrMalformedFrame)
	}
	msg := Message{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media: &Media{
			Payload:   base64.StdEncoding.EncodeToString(audio),
			Chunk:     strconv.FormatUint(seq, 10),
			Timestamp: strconv.FormatInt(timestampMS, 10),
		},
	}
	return json.Marshal(&msg)
}

// EncodeMark packs a playback mark envelope. The telephony channel echoes
// the mark back once all audio queued before it has been played out.
func EncodeMark(streamSid, name string) ([]byte, error) {
	if streamSid == "" || name == "" {
		return nil, fmt.Errorf("%w: mark requires streamSid and name", ErrMalformedFrame)
	}
	msg := Message{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      &Mark{Name: name},
	}
	return json.Marshal(&msg)
}

// EncodeClear packs a clear envelope, instructing the telephony channel to
// discard any audio still sitting in its playout buffer.
func EncodeClear(streamSid string) ([]byte, error) {
	if streamSid == "" {
		return nil, fmt.Errorf("%w: missing streamSid", ErrMalformedFrame)
	}
	msg := Message{
		Event:     EventClear,
		StreamSid: streamSid,
	}
	return json.Marshal(&msg)
}
