package audio

import "time"

// Frame is one fixed-length block of signed 16-bit mono PCM as captured.
type Frame struct {
	Seq        uint64
	Samples    []int16
	SampleRate int
	CapturedAt time.Time
}

// Duration of the frame at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Normalize converts int16 samples to float32 in [-1.0, 1.0).
func Normalize(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Denormalize is the inverse of Normalize, clamping out-of-range input.
func Denormalize(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768.0
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// Concat flattens frames into one sample slice, preserving order.
func Concat(frames [][]float32) []float32 {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	out := make([]float32, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
