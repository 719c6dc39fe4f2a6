package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/postak/lead-agent/internal/agent"
	"github.com/postak/lead-agent/internal/config"
	"github.com/postak/lead-agent/internal/lead"
	"github.com/postak/lead-agent/internal/wire"
)

// fakeBackend records everything the session sends and lets tests feed
// events into the outbound pump.
type fakeBackend struct {
	mu        sync.Mutex
	events    chan agent.Event
	sent      [][]byte
	turns     int
	abandoned []string
	closed    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan agent.Event, 32)}
}

func (b *fakeBackend) SendAudio(pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	b.sent = append(b.sent, cp)
	return nil
}

func (b *fakeBackend) StartTurn() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns++
	return nil
}

func (b *fakeBackend) AbandonTurn(utteranceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abandoned = append(b.abandoned, utteranceID)
	return nil
}

func (b *fakeBackend) Events() <-chan agent.Event { return b.events }

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	return nil
}

func (b *fakeBackend) emit(ev agent.Event) { b.events <- ev }

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBackend) sentChunks() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.sent...)
}

func (b *fakeBackend) abandonedTurns() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.abandoned...)
}

func (b *fakeBackend) startedTurns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turns
}

// fakeWriter records frames written to the telephony channel, parsed back
// into envelopes for inspection.
type fakeWriter struct {
	mu     sync.Mutex
	frames []*wire.Message
}

func (w *fakeWriter) WriteFrame(data []byte) error {
	msg, err := wire.Parse(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, msg)
	return nil
}

func (w *fakeWriter) snapshot() []*wire.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*wire.Message(nil), w.frames...)
}

func (w *fakeWriter) countEvent(event string) int {
	n := 0
	for _, m := range w.snapshot() {
		if m.Event == event {
			n++
		}
	}
	return n
}

type fakeHangup struct {
	mu    sync.Mutex
	calls []string
}

func (h *fakeHangup) EndCall(_ context.Context, callSid string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, callSid)
	return nil
}

func (h *fakeHangup) ended() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func testConfig() *config.Config {
	return &config.Config{
		VADEnergyThreshold: 500.0,
		VADMinSpeechMs:     60,
		VADSilenceMs:       200,
		InboundQueueDepth:  16,
		OutboundQueueDepth: 16,
		AudioBufferSize:    8192,
		IdleTimeoutSec:     60,
		TwilioHTTPTimeout:  1,
	}
}

type harness struct {
	session *Session
	backend *fakeBackend
	writer  *fakeWriter
	hangup  *fakeHangup
	reg     *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := newFakeBackend()
	writer := &fakeWriter{}
	hangup := &fakeHangup{}
	reg := NewRegistry()

	s := New(Options{
		CallSid:   "CA0001",
		StreamSid: "MZ0001",
		Lead:      &lead.CallRequest{LeadID: "lead-1", FirstName: "Ada", PhoneNumber: "+15550001111"},
		Writer:    writer,
		Backend:   backend,
		Hangup:    hangup,
		Config:    testConfig(),
		Logger:    zerolog.Nop(),
	})
	if err := reg.Create(s); err != nil {
		t.Fatalf("register session: %v", err)
	}
	return &harness{session: s, backend: backend, writer: writer, hangup: hangup, reg: reg}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.session.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(func() {
		h.session.Terminate(ReasonStreamStopped)
		waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateClosed })
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// mulawSilence returns n bytes of quiet mulaw audio.
func mulawSilence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

func mediaMessage(seq int, payload []byte) *wire.Message {
	return &wire.Message{
		Event:          wire.EventMedia,
		SequenceNumber: fmt.Sprintf("%d", seq),
		StreamSid:      "MZ0001",
		Media: &wire.Media{
			Payload:   base64.StdEncoding.EncodeToString(payload),
			Timestamp: fmt.Sprintf("%d", seq*20),
		},
	}
}

func pcm24k(ms int) []byte {
	return make([]byte, ms*48) // 24kHz, 16-bit mono
}

func TestSessionLifecycleWithoutInterruption(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	if got := h.session.State(); got != StateActiveIdle {
		t.Fatalf("state after start = %v, want %v", got, StateActiveIdle)
	}

	h.backend.emit(agent.Event{Type: agent.EventUtteranceStart, UtteranceID: "u1"})
	for i := 0; i < 3; i++ {
		h.backend.emit(agent.Event{Type: agent.EventAudioChunk, UtteranceID: "u1", Seq: uint64(i), Audio: pcm24k(20)})
	}
	h.backend.emit(agent.Event{Type: agent.EventUtteranceEnd, UtteranceID: "u1"})
	h.backend.emit(agent.Event{Type: agent.EventEndOfTurn})

	waitFor(t, 2*time.Second, func() bool {
		return h.writer.countEvent(wire.EventMedia) == 3 && h.writer.countEvent(wire.EventMark) == 1
	})
	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateActiveIdle })

	// Media frames carry strictly increasing sequence numbers from zero.
	seq := 0
	for _, m := range h.writer.snapshot() {
		if m.Event != wire.EventMedia {
			continue
		}
		if m.Media.Chunk != fmt.Sprintf("%d", seq) {
			t.Errorf("media chunk %d has sequence %q", seq, m.Media.Chunk)
		}
		seq++
	}

	h.session.MarkCompleted("u1")
	if h.session.Interruption() != nil {
		t.Errorf("uninterrupted call recorded an interruption")
	}

	h.session.StreamStopped()
	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateClosed })
	if h.reg.Len() != 0 {
		t.Errorf("registry still holds %d sessions after close", h.reg.Len())
	}
}

func TestBargeInStopsPlayoutAndRecordsOffset(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.emit(agent.Event{Type: agent.EventUtteranceStart, UtteranceID: "u1"})
	for i := 0; i < 2; i++ {
		h.backend.emit(agent.Event{Type: agent.EventAudioChunk, UtteranceID: "u1", Seq: uint64(i), Audio: pcm24k(20)})
	}
	waitFor(t, 2*time.Second, func() bool { return h.writer.countEvent(wire.EventMedia) == 2 })

	h.session.onSpeechStart()
	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateUserSpeaking })

	// Chunks arriving after the barge-in belong to the abandoned
	// utterance and must never reach the wire.
	for i := 2; i < 5; i++ {
		h.backend.emit(agent.Event{Type: agent.EventAudioChunk, UtteranceID: "u1", Seq: uint64(i), Audio: pcm24k(20)})
	}
	time.Sleep(50 * time.Millisecond)

	if got := h.writer.countEvent(wire.EventMedia); got != 2 {
		t.Errorf("media frames after barge-in = %d, want 2", got)
	}
	if got := h.writer.countEvent(wire.EventClear); got != 1 {
		t.Errorf("clear frames = %d, want 1", got)
	}
	if got := h.backend.abandonedTurns(); len(got) != 1 || got[0] != "u1" {
		t.Errorf("abandoned turns = %v, want [u1]", got)
	}

	intr := h.session.Interruption()
	if intr == nil {
		t.Fatalf("no interruption recorded")
	}
	if intr.UtteranceID != "u1" || intr.Chunks != 2 {
		t.Errorf("interruption = %+v, want utterance u1 after 2 chunks", intr)
	}
}

func TestLateUtteranceEndAfterBargeInWritesNoMark(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.emit(agent.Event{Type: agent.EventUtteranceStart, UtteranceID: "u1"})
	h.backend.emit(agent.Event{Type: agent.EventAudioChunk, UtteranceID: "u1", Audio: pcm24k(20)})
	waitFor(t, 2*time.Second, func() bool { return h.writer.countEvent(wire.EventMedia) == 1 })

	h.session.onSpeechStart()
	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateUserSpeaking })

	// The boundary for the cancelled utterance was already queued when the
	// barge-in landed. The caller never hears that tail, so no mark frame
	// may follow the clear frame.
	h.backend.emit(agent.Event{Type: agent.EventUtteranceEnd, UtteranceID: "u1"})
	time.Sleep(50 * time.Millisecond)

	if got := h.writer.countEvent(wire.EventMark); got != 0 {
		t.Errorf("mark frames for abandoned utterance = %d, want 0", got)
	}

	// Even if the channel somehow echoes the mark name, it must not count
	// as played or become the confirmed playback position.
	h.session.MarkCompleted("u1")

	h.session.mu.Lock()
	st := h.session.marks["u1"]
	confirmed := h.session.lastConfirmedMark
	h.session.mu.Unlock()
	if st != markInterrupted {
		t.Errorf("mark state = %v, want interrupted", st)
	}
	if confirmed != "" {
		t.Errorf("last confirmed mark = %q, want empty", confirmed)
	}
}

func TestDuplicateBargeInIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.emit(agent.Event{Type: agent.EventUtteranceStart, UtteranceID: "u1"})
	h.backend.emit(agent.Event{Type: agent.EventAudioChunk, UtteranceID: "u1", Audio: pcm24k(20)})
	waitFor(t, 2*time.Second, func() bool { return h.writer.countEvent(wire.EventMedia) == 1 })

	h.session.onSpeechStart()
	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateUserSpeaking })
	h.session.onSpeechStart()
	time.Sleep(20 * time.Millisecond)

	if got := h.writer.countEvent(wire.EventClear); got != 1 {
		t.Errorf("clear frames = %d, want 1", got)
	}
	if got := h.backend.abandonedTurns(); len(got) != 1 {
		t.Errorf("abandon turn calls = %d, want 1", len(got))
	}
}

func TestBargeInRaceAgainstCancelledUtterance(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	// Simulate the window where cancellation is in flight but the state
	// has swung back to AgentSpeaking for the same utterance.
	h.session.mu.Lock()
	h.session.state = StateAgentSpeaking
	h.session.currentUtterance = "u1"
	h.session.abandonedUtterance = "u1"
	h.session.mu.Unlock()

	h.session.onSpeechStart()
	time.Sleep(20 * time.Millisecond)

	if got := h.writer.countEvent(wire.EventClear); got != 0 {
		t.Errorf("clear frames = %d, want 0", got)
	}
	if got := len(h.backend.abandonedTurns()); got != 0 {
		t.Errorf("abandon turn calls = %d, want 0", got)
	}
}

func TestSpeechStartFromIdleStartsTurnWithoutClear(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.session.onSpeechStart()
	waitFor(t, 2*time.Second, func() bool { return h.backend.startedTurns() == 1 })

	if got := h.session.State(); got != StateUserSpeaking {
		t.Errorf("state = %v, want %v", got, StateUserSpeaking)
	}
	if got := h.writer.countEvent(wire.EventClear); got != 0 {
		t.Errorf("speech start from idle wrote %d clear frames", got)
	}
}

func TestInboundMediaForwardedInOrder(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	for i := 1; i <= 5; i++ {
		if err := h.session.EnqueueMedia(mediaMessage(i, mulawSilence(160))); err != nil {
			t.Fatalf("enqueue frame %d: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return h.backend.sentCount() == 5 })

	for i, pcm := range h.backend.sentChunks() {
		if len(pcm) != 320 {
			t.Errorf("forwarded chunk %d has %d bytes, want 320", i, len(pcm))
		}
	}
}

func TestMalformedFrameIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	good := mediaMessage(1, mulawSilence(160))
	bad := &wire.Message{
		Event:          wire.EventMedia,
		SequenceNumber: "2",
		StreamSid:      "MZ0001",
		Media:          &wire.Media{Payload: "!!not-base64!!"},
	}
	after := mediaMessage(3, mulawSilence(160))

	for _, msg := range []*wire.Message{good, bad, after} {
		if err := h.session.EnqueueMedia(msg); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return h.backend.sentCount() == 2 })

	if got := h.session.State(); got == StateClosed || got == StateTerminating {
		t.Errorf("malformed frame tore down the session, state = %v", got)
	}
}

func TestMarkPlayedAtMostOnce(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.emit(agent.Event{Type: agent.EventUtteranceStart, UtteranceID: "u1"})
	h.backend.emit(agent.Event{Type: agent.EventAudioChunk, UtteranceID: "u1", Audio: pcm24k(20)})
	h.backend.emit(agent.Event{Type: agent.EventUtteranceEnd, UtteranceID: "u1"})
	waitFor(t, 2*time.Second, func() bool { return h.writer.countEvent(wire.EventMark) == 1 })

	h.session.MarkCompleted("u1")
	h.session.MarkCompleted("u1")
	h.session.MarkCompleted("never-sent")

	h.session.mu.Lock()
	st := h.session.marks["u1"]
	confirmed := h.session.lastConfirmedMark
	h.session.mu.Unlock()
	if st != markPlayed {
		t.Errorf("mark state = %v, want played", st)
	}
	if confirmed != "u1" {
		t.Errorf("last confirmed mark = %q, want u1", confirmed)
	}
}

func TestInterruptedMarkNeverBecomesPlayed(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.emit(agent.Event{Type: agent.EventUtteranceStart, UtteranceID: "u1"})
	h.backend.emit(agent.Event{Type: agent.EventAudioChunk, UtteranceID: "u1", Audio: pcm24k(20)})
	h.backend.emit(agent.Event{Type: agent.EventUtteranceEnd, UtteranceID: "u1"})
	waitFor(t, 2*time.Second, func() bool { return h.writer.countEvent(wire.EventMark) == 1 })

	// Barge in before the channel confirms the mark.
	h.session.mu.Lock()
	h.session.state = StateAgentSpeaking
	h.session.mu.Unlock()
	h.session.onSpeechStart()
	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateUserSpeaking })

	// A late echo from the channel must not flip it to played.
	h.session.MarkCompleted("u1")

	h.session.mu.Lock()
	st := h.session.marks["u1"]
	h.session.mu.Unlock()
	if st != markInterrupted {
		t.Errorf("mark state = %v, want interrupted", st)
	}
}

func TestConcludeCallHangsUpAndTerminates(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.emit(agent.Event{Type: agent.EventConcludeCall, Reason: "qualified"})

	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateClosed })
	if got := h.hangup.ended(); len(got) != 1 || got[0] != "CA0001" {
		t.Errorf("hangup calls = %v, want [CA0001]", got)
	}
	h.session.mu.Lock()
	reason := h.session.terminateReason
	h.session.mu.Unlock()
	if reason != ReasonAgentConcluded {
		t.Errorf("terminate reason = %q, want %q", reason, ReasonAgentConcluded)
	}
}

func TestBackendStreamCloseTerminatesSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.backend.Close()
	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateClosed })
}

func TestEnqueueAfterTerminate(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.session.Terminate(ReasonStreamStopped)
	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateClosed })

	err := h.session.EnqueueMedia(mediaMessage(1, mulawSilence(160)))
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("enqueue after terminate = %v, want ErrSessionClosed", err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.session.Terminate(ReasonStreamStopped)
	h.session.Terminate(ReasonIdleTimeout)
	h.session.Terminate(ReasonBackendError)

	waitFor(t, 2*time.Second, func() bool { return h.session.State() == StateClosed })
	h.session.mu.Lock()
	reason := h.session.terminateReason
	h.session.mu.Unlock()
	if reason != ReasonStreamStopped {
		t.Errorf("terminate reason = %q, want first reason %q", reason, ReasonStreamStopped)
	}
}

func TestRegistryExactlyOneConcurrentCreate(t *testing.T) {
	reg := NewRegistry()
	cfg := testConfig()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := New(Options{
				CallSid:   "CA-race",
				StreamSid: fmt.Sprintf("MZ-%d", i),
				Writer:    &fakeWriter{},
				Backend:   newFakeBackend(),
				Config:    cfg,
				Logger:    zerolog.Nop(),
			})
			errs[i] = reg.Create(s)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrDuplicateSession) {
			t.Errorf("unexpected create error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d concurrent creates succeeded, want exactly 1", ok)
	}
	if reg.Len() != 1 {
		t.Errorf("registry holds %d sessions, want 1", reg.Len())
	}
}

func TestRegistryRemoveIdempotentAndLookup(t *testing.T) {
	reg := NewRegistry()
	s := New(Options{
		CallSid: "CA0002",
		Writer:  &fakeWriter{},
		Backend: newFakeBackend(),
		Config:  testConfig(),
		Logger:  zerolog.Nop(),
	})
	if err := reg.Create(s); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := reg.Lookup("CA0002")
	if err != nil || got != s {
		t.Fatalf("lookup = (%v, %v), want the registered session", got, err)
	}

	reg.Remove("CA0002")
	reg.Remove("CA0002")
	if _, err := reg.Lookup("CA0002"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup after remove = %v, want ErrNotFound", err)
	}
}

func TestRegistryReplacesClosedSession(t *testing.T) {
	reg := NewRegistry()
	cfg := testConfig()

	old := New(Options{
		CallSid: "CA0003",
		Writer:  &fakeWriter{},
		Backend: newFakeBackend(),
		Config:  cfg,
		Logger:  zerolog.Nop(),
	})
	if err := reg.Create(old); err != nil {
		t.Fatalf("create: %v", err)
	}
	old.mu.Lock()
	old.state = StateClosed
	old.mu.Unlock()

	fresh := New(Options{
		CallSid: "CA0003",
		Writer:  &fakeWriter{},
		Backend: newFakeBackend(),
		Config:  cfg,
		Logger:  zerolog.Nop(),
	})
	if err := reg.Create(fresh); err != nil {
		t.Errorf("create over closed session = %v, want nil", err)
	}
}

func TestIdleTimeoutTerminatesSession(t *testing.T) {
	if testing.Short() {
		t.Skip("idle timeout test sleeps for seconds")
	}
	backend := newFakeBackend()
	cfg := testConfig()
	cfg.IdleTimeoutSec = 1

	s := New(Options{
		CallSid:   "CA-idle",
		StreamSid: "MZ-idle",
		Writer:    &fakeWriter{},
		Backend:   backend,
		Config:    cfg,
		Logger:    zerolog.Nop(),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return s.State() == StateClosed })
	s.mu.Lock()
	reason := s.terminateReason
	s.mu.Unlock()
	if reason != ReasonIdleTimeout {
		t.Errorf("terminate reason = %q, want %q", reason, ReasonIdleTimeout)
	}
}
