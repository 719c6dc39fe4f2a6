package audio

// VADConfig holds voice activity detection thresholds. Durations are in
// milliseconds and converted to frame counts once at session creation;
// nothing re-reads configuration mid-call.
type VADConfig struct {
	EnergyThreshold float64 // RMS energy above which a frame counts as speech
	MinSpeechMs     int     // Sustained speech required before start-of-speech fires
	SilenceMs       int     // Sustained silence required before end-of-speech fires
	FrameMs         int     // Duration of one analysis frame (typically 20ms)
	SampleRate      int     // Analysis sample rate in Hz
}

// DefaultVADConfig returns thresholds tuned for 8kHz telephony audio.
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		MinSpeechMs:     60,  // 3 frames of speech to start
		SilenceMs:       200, // 10 frames of silence to end
		FrameMs:         20,
		SampleRate:      TelephonySampleRate,
	}
}

// FrameSize returns the number of samples per analysis frame.
func (c *VADConfig) FrameSize() int {
	return c.SampleRate * c.FrameMs / 1000
}

// Detector performs RMS-energy voice activity detection with hysteresis:
// speech must persist for MinSpeechMs before start-of-speech fires, and
// silence must persist for SilenceMs before end-of-speech fires, so single
// noisy frames do not flap the speaking state.
type Detector struct {
	config       *VADConfig
	minSpeechN   int
	minSilenceN  int
	speechCount  int
	silenceCount int
	isSpeaking   bool
}

// NewDetector creates a voice activity detector.
func NewDetector(config *VADConfig) *Detector {
	if config == nil {
		config = DefaultVADConfig()
	}
	minSpeechN := config.MinSpeechMs / config.FrameMs
	if minSpeechN < 1 {
		minSpeechN = 1
	}
	minSilenceN := config.SilenceMs / config.FrameMs
	if minSilenceN < 1 {
		minSilenceN = 1
	}
	return &Detector{
		config:      config,
		minSpeechN:  minSpeechN,
		minSilenceN: minSilenceN,
	}
}

// ProcessFrame analyses one frame of samples.
// Returns (isSpeaking, speechStarted, speechEnded); speechStarted is the
// barge-in trigger when the agent is mid-utterance.
func (d *Detector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := CalculateRMS(samples) > d.config.EnergyThreshold

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		d.silenceCount = 0
		if !d.isSpeaking {
			d.speechCount++
			if d.speechCount >= d.minSpeechN {
				d.isSpeaking = true
				d.speechCount = 0
				speechStarted = true
			}
		}
	} else {
		d.speechCount = 0
		if d.isSpeaking {
			d.silenceCount++
			if d.silenceCount >= d.minSilenceN {
				d.isSpeaking = false
				d.silenceCount = 0
				speechEnded = true
			}
		}
	}

	return d.isSpeaking, speechStarted, speechEnded
}

// Config returns the detector's thresholds.
func (d *Detector) Config() *VADConfig {
	return d.config
}

// Reset clears detector state, e.g. after an utterance boundary.
func (d *Detector) Reset() {
	d.speechCount = 0
	d.silenceCount = 0
	d.isSpeaking = false
}

// IsSpeaking reports whether speech is currently detected.
func (d *Detector) IsSpeaking() bool {
	return d.isSpeaking
}
