// Package vad scores frames with a speech probability in [0,1].
package vad

import (
	"context"
	"math"
)

// Oracle estimates the probability that a frame contains speech.
type Oracle interface {
	Score(ctx context.Context, frame []float32, sampleRate int) (float64, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, frame []float32, sampleRate int) (float64, error)

func (f Func) Score(ctx context.Context, frame []float32, sampleRate int) (float64, error) {
	return f(ctx, frame, sampleRate)
}

func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ramp maps v linearly from [floor, ceil] onto [0, 1].
func ramp(v, floor, ceil float64) float64 {
	if ceil <= floor {
		if v > floor {
			return 1
		}
		return 0
	}
	return clamp01((v - floor) / (ceil - floor))
}
