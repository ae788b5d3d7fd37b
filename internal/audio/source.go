package audio

import (
	"context"
	"time"
)

// FrameSource pushes fixed-size frames in capture order until ctx is done
// or the source is exhausted.
type FrameSource interface {
	Run(ctx context.Context, emit func(Frame) error) error
	SampleRate() int
	ChunkSize() int
}

// Pump runs src as the producer side of q and closes q when src returns.
func Pump(ctx context.Context, src FrameSource, q *FrameQueue) error {
	defer q.Close()
	return src.Run(ctx, func(f Frame) error {
		return q.Push(ctx, f)
	})
}

// SilenceSource emits zero-valued frames, paced at capture speed when
// Realtime is set. Frames <= 0 means unbounded.
type SilenceSource struct {
	Rate     int
	Chunk    int
	Frames   int
	Realtime bool
	Now      func() time.Time
}

func (s *SilenceSource) SampleRate() int { return s.Rate }
func (s *SilenceSource) ChunkSize() int  { return s.Chunk }

func (s *SilenceSource) Run(ctx context.Context, emit func(Frame) error) error {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	var tick <-chan time.Time
	if s.Realtime {
		ticker := time.NewTicker(time.Duration(s.Chunk) * time.Second / time.Duration(s.Rate))
		defer ticker.Stop()
		tick = ticker.C
	}
	stamp := frameClock(now, s.Realtime, s.Chunk, s.Rate)
	for seq := uint64(0); s.Frames <= 0 || seq < uint64(s.Frames); seq++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		f := Frame{Seq: seq, Samples: make([]int16, s.Chunk), SampleRate: s.Rate, CapturedAt: stamp(seq)}
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

// frameClock stamps frames with the wall clock when paced, otherwise on the
// audio timeline so silence timeouts behave the same when replaying faster
// than real time.
func frameClock(now func() time.Time, realtime bool, chunk, rate int) func(seq uint64) time.Time {
	if realtime {
		return func(uint64) time.Time { return now() }
	}
	start := now()
	step := time.Duration(chunk) * time.Second / time.Duration(rate)
	return func(seq uint64) time.Time { return start.Add(time.Duration(seq) * step) }
}
