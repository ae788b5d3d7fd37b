package audio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// OverflowPolicy decides what the producer does when the queue is full.
type OverflowPolicy string

const (
	// Block makes Push wait for the consumer. No captured frame is lost.
	Block OverflowPolicy = "block"
	// DropOldest evicts the oldest queued frame so Push never waits.
	DropOldest OverflowPolicy = "drop_oldest"
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case Block, DropOldest:
		return OverflowPolicy(s), nil
	case "":
		return Block, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

var ErrQueueClosed = errors.New("frame queue closed")

// FrameQueue is the bounded FIFO between the capture producer and the
// pipeline consumer. One producer and one consumer are assumed.
type FrameQueue struct {
	ch      chan Frame
	policy  OverflowPolicy
	dropped atomic.Uint64
	pushed  atomic.Uint64
	closed  atomic.Bool
}

func NewFrameQueue(capacity int, policy OverflowPolicy) *FrameQueue {
	if capacity <= 0 {
		capacity = 1
	}
	if policy == "" {
		policy = Block
	}
	return &FrameQueue{ch: make(chan Frame, capacity), policy: policy}
}

// Push enqueues a frame according to the overflow policy. With Block it
// waits until there is room or ctx is done.
func (q *FrameQueue) Push(ctx context.Context, f Frame) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if q.policy == DropOldest {
		for {
			select {
			case q.ch <- f:
				q.pushed.Add(1)
				return nil
			default:
			}
			select {
			case <-q.ch:
				q.dropped.Add(1)
			default:
			}
		}
	}
	select {
	case q.ch <- f:
		q.pushed.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop waits up to timeout for the next frame. ok is false on timeout.
func (q *FrameQueue) Pop(ctx context.Context, timeout time.Duration) (f Frame, ok bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f, open := <-q.ch:
		if !open {
			return Frame{}, false, ErrQueueClosed
		}
		return f, true, nil
	case <-timer.C:
		return Frame{}, false, nil
	case <-ctx.Done():
		return Frame{}, false, ctx.Err()
	}
}

// C exposes the receive side for consumers that multiplex with select.
func (q *FrameQueue) C() <-chan Frame { return q.ch }

// Close stops accepting frames. Queued frames can still be drained.
func (q *FrameQueue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

func (q *FrameQueue) Len() int               { return len(q.ch) }
func (q *FrameQueue) Cap() int               { return cap(q.ch) }
func (q *FrameQueue) Dropped() uint64        { return q.dropped.Load() }
func (q *FrameQueue) Pushed() uint64         { return q.pushed.Load() }
func (q *FrameQueue) Policy() OverflowPolicy { return q.policy }
