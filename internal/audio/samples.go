package audio

import "time"

// SampleRate is the only rate the pipeline produces or accepts.
const SampleRate = 24000

// peakTarget is the ceiling used by Normalize when a render overshoots.
const peakTarget = 0.95

// Samples is mono float audio at SampleRate, nominally in [-1, 1].
type Samples []float32

// Clone returns an independent copy. A nil receiver yields nil.
func (s Samples) Clone() Samples {
	if s == nil {
		return nil
	}
	out := make(Samples, len(s))
	copy(out, s)
	return out
}

// Duration reports the playback length at SampleRate.
func (s Samples) Duration() time.Duration {
	return time.Duration(len(s)) * time.Second / SampleRate
}

// Concat joins parts in order into a freshly allocated slice.
func Concat(parts ...Samples) Samples {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make(Samples, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Normalize returns a copy scaled down so the peak does not exceed 0.95,
// then clamped to [-1, 1]. Quieter audio is left at its original level.
func Normalize(s Samples) Samples {
	out := s.Clone()
	var peak float32
	for _, v := range out {
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	if peak > peakTarget {
		scale := peakTarget / peak
		for i := range out {
			out[i] *= scale
		}
	}
	for i, v := range out {
		out[i] = clamp(v)
	}
	return out
}

func clamp(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	case v != v: // NaN
		return 0
	}
	return v
}

// toPCM16 converts one sample to signed 16-bit, truncating toward zero.
func toPCM16(v float32) int16 {
	return int16(clamp(v) * 32767)
}
