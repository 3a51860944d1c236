package pcm

import "math"

// DefaultMeterGain is the scaling factor applied to the raw RMS value by
// [Level] when callers pass a gain of zero. The value is a tuning knob, not
// an invariant; override it via the audio.meter_gain config field.
const DefaultMeterGain = 5.0

// Level computes an instantaneous loudness estimate for a sample window:
// root-mean-square of the samples scaled by gain and clamped to [0, 1].
// An all-zero window yields exactly 0. A gain <= 0 selects [DefaultMeterGain].
func Level(samples []float32, gain float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	if gain <= 0 {
		gain = DefaultMeterGain
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	level := rms * gain
	if level > 1 {
		level = 1
	}
	return level
}
