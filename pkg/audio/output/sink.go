package output

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

// NullSink discards audio while pacing writes against the wall clock, so a
// [Context] rendering into it advances in real time without a sound device.
type NullSink struct {
	mu      sync.Mutex
	started time.Time
	played  time.Duration
	now     func() time.Time
}

// NewNullSink returns a wall-clock paced sink.
func NewNullSink() *NullSink {
	return &NullSink{now: time.Now}
}

// Write implements [Sink]. It returns once the wall clock has caught up with
// the amount of audio written so far.
func (s *NullSink) Write(ctx context.Context, frame audio.AudioFrame) error {
	s.mu.Lock()
	if s.started.IsZero() {
		s.started = s.now()
	}
	s.played += frame.Duration()
	wait := s.started.Add(s.played).Sub(s.now())
	s.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements [Sink].
func (s *NullSink) Close() error { return nil }

// FrameSink forwards copies of rendered frames to a channel without pacing.
// Frames are dropped when the channel is full. It is useful for monitoring
// and tests.
type FrameSink struct {
	C chan audio.AudioFrame
}

// NewFrameSink returns a FrameSink with the given channel capacity.
func NewFrameSink(capacity int) *FrameSink {
	return &FrameSink{C: make(chan audio.AudioFrame, capacity)}
}

// Write implements [Sink].
func (s *FrameSink) Write(ctx context.Context, frame audio.AudioFrame) error {
	cp := frame
	cp.Data = append([]byte(nil), frame.Data...)
	select {
	case s.C <- cp:
	default:
	}
	return ctx.Err()
}

// Close implements [Sink].
func (s *FrameSink) Close() error { return nil }
