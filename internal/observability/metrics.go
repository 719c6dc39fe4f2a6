package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lead_agent_active_calls",
		Help: "Number of active phone calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lead_agent_calls_total",
		Help: "Total number of calls bridged",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lead_agent_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Audio metrics
	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_agent_audio_bytes_total",
		Help: "Total audio bytes bridged",
	}, []string{"direction"}) // "inbound" or "outbound"

	audioFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_agent_audio_frames_total",
		Help: "Total audio frames bridged",
	}, []string{"direction"})

	frameDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lead_agent_frame_decode_errors_total",
		Help: "Total malformed wire frames dropped",
	})

	sequenceGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lead_agent_sequence_gaps_total",
		Help: "Total gaps observed in telephony frame sequence numbers",
	})

	// Turn-taking metrics
	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lead_agent_barge_ins_total",
		Help: "Total barge-in interruptions processed",
	})

	bargeInRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lead_agent_barge_in_races_total",
		Help: "Total duplicate barge-in signals collapsed to no-ops",
	})

	playbackMarks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_agent_playback_marks_total",
		Help: "Playback marks by final disposition",
	}, []string{"result"}) // "played" or "interrupted"

	// Session lifecycle metrics
	sessionTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_agent_session_terminations_total",
		Help: "Session terminations by reason",
	}, []string{"reason"})

	idleTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lead_agent_idle_timeouts_total",
		Help: "Sessions torn down for inactivity",
	})

	// External interface metrics
	backendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lead_agent_backend_errors_total",
		Help: "Fatal agent backend protocol errors",
	})

	callPlacements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_agent_call_placements_total",
		Help: "Outbound call placement attempts by status",
	}, []string{"status"}) // "placed" or "failed"

	callStatusCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lead_agent_call_status_callbacks_total",
		Help: "Twilio status callbacks received by call status",
	}, []string{"call_status"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lead_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// RecordBargeIn counts a processed barge-in.
func RecordBargeIn() { bargeIns.Inc() }

// RecordBargeInRace counts a duplicate barge-in collapsed to a no-op.
func RecordBargeInRace() { bargeInRaces.Inc() }

// RecordPlaybackMark counts a mark's final disposition.
func RecordPlaybackMark(result string) { playbackMarks.WithLabelValues(result).Inc() }

// RecordFrameDecodeError counts a dropped malformed frame.
func RecordFrameDecodeError() { frameDecodeErrors.Inc() }

// RecordSequenceGap counts a gap in telephony sequence numbers.
func RecordSequenceGap() { sequenceGaps.Inc() }

// RecordBackendError counts a fatal backend protocol error.
func RecordBackendError() { backendErrors.Inc() }

// RecordIdleTimeout counts a session torn down for inactivity.
func RecordIdleTimeout() { idleTimeouts.Inc() }

// RecordCallPlacement counts a call placement attempt.
func RecordCallPlacement(status string) { callPlacements.WithLabelValues(status).Inc() }

// RecordCallStatusCallback counts a Twilio status callback.
func RecordCallStatusCallback(callStatus string) {
	callStatusCallbacks.WithLabelValues(callStatus).Inc()
}

// UpdateCircuitBreakerState exports a breaker's current state.
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// CallMetrics tracks metrics for a single call.
type CallMetrics struct {
	callSid   string
	startTime time.Time

	mu    sync.Mutex
	ended bool
}

// NewCallMetrics creates a metrics tracker for a call and records its start.
func NewCallMetrics(callSid string) *CallMetrics {
	activeCalls.Inc()
	totalCalls.Inc()
	return &CallMetrics{
		callSid:   callSid,
		startTime: time.Now(),
	}
}

// RecordCallEnd records the end of a call. Safe to call more than once;
// only the first call counts.
func (m *CallMetrics) RecordCallEnd(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
	sessionTerminations.WithLabelValues(reason).Inc()
}

// RecordAudio counts one bridged frame for a direction.
func (m *CallMetrics) RecordAudio(direction string, bytes int) {
	audioBytes.WithLabelValues(direction).Add(float64(bytes))
	audioFrames.WithLabelValues(direction).Inc()
}
