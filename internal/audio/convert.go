// Package audio provides the sample-level plumbing for the media bridge:
// G.711 μ-law transcoding between the telephony leg and the agent backend,
// linear resampling, RMS energy, and voice activity detection.
package audio

import (
	"fmt"
	"math"
)

// Sample rates fixed by the two legs of the bridge. The telephony channel
// negotiates 8kHz μ-law; the agent backend produces 24kHz linear PCM.
const (
	TelephonySampleRate = 8000
	BackendSampleRate   = 24000
)

const (
	mulawClip = 8159 // 14-bit magnitude ceiling (ITU-T G.711)
	mulawBias = 33
)

// DecodeMulaw converts 8-bit μ-law audio to 16-bit linear PCM
// (little-endian). This is the inbound direction: caller audio toward the
// agent backend.
func DecodeMulaw(mulaw []byte) ([]byte, error) {
	if len(mulaw) == 0 {
		return nil, fmt.Errorf("empty mulaw data")
	}
	pcm := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		sample := mulawToLinear(b)
		pcm[i*2] = byte(sample)
		pcm[i*2+1] = byte(sample >> 8)
	}
	return pcm, nil
}

// EncodeMulaw converts 16-bit linear PCM (little-endian) to 8-bit μ-law,
// resampling first when the input rate differs from the telephony rate.
// This is the outbound direction: synthesized audio toward the caller.
func EncodeMulaw(pcm []byte, inputRate int) ([]byte, error) {
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	if inputRate != TelephonySampleRate {
		samples = Resample(samples, inputRate, TelephonySampleRate)
	}
	mulaw := make([]byte, len(samples))
	for i, s := range samples {
		mulaw[i] = linearToMulaw(s)
	}
	return mulaw, nil
}

// BytesToSamples reinterprets little-endian 16-bit PCM bytes as samples.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return samples, nil
}

// SamplesToBytes packs samples as little-endian 16-bit PCM bytes.
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	return pcm
}

// Resample converts between sample rates using linear interpolation. Good
// enough for 8kHz telephony audio; anything finer would be wasted on a
// μ-law channel.
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	out := make([]int16, int(float64(len(samples))*ratio))
	for i := range out {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}
		frac := srcPos - float64(idx0)
		out[i] = int16(float64(samples[idx0])*(1.0-frac) + float64(samples[idx1])*frac)
	}
	return out
}

// CalculateRMS returns the root mean square energy of the samples.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// linearToMulaw encodes one 16-bit linear sample as 8-bit μ-law
// (ITU-T G.711).
func linearToMulaw(sample int16) byte {
	var sign byte
	magnitude := int32(sample)
	if sample < 0 {
		sign = 0x80
		magnitude = -magnitude
	}
	if magnitude > mulawClip {
		magnitude = mulawClip
	}
	magnitude += mulawBias

	var segment byte
	switch {
	case magnitude >= 0x1000:
		segment = 7
	case magnitude >= 0x800:
		segment = 6
	case magnitude >= 0x400:
		segment = 5
	case magnitude >= 0x200:
		segment = 4
	case magnitude >= 0x100:
		segment = 3
	case magnitude >= 0x80:
		segment = 2
	case magnitude >= 0x40:
		segment = 1
	default:
		segment = 0
	}

	mantissa := byte((magnitude >> (segment + 1)) & 0x0F)
	return ^(sign | (segment << 4) | mantissa)
}

// mulawToLinear decodes one 8-bit μ-law sample to 16-bit linear.
func mulawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	segment := int32((b >> 4) & 0x07)
	mantissa := int32(b & 0x0F)

	step := mantissa << (segment + 1)
	step += int32(mulawBias) << segment
	magnitude := step - mulawBias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}
