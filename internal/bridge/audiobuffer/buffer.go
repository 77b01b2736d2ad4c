// Package audiobuffer provides the bounded outbound PCM queue between the
// turn loop and the session write loop. Overflow drops the oldest frame so
// a stalled connection can never block or grow the producer.
package audiobuffer

import (
	"fmt"
	"sync"
)

// DropPolicy controls overflow behavior.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
)

// Config controls buffer bounds.
type Config struct {
	MaxFrames  int
	DropPolicy DropPolicy
}

// Frame is one queued PCM payload.
type Frame struct {
	Sequence int64
	PCM      []byte
}

// Buffer is a bounded FIFO frame queue safe for one producer and one
// consumer goroutine.
type Buffer struct {
	mu      sync.Mutex
	cfg     Config
	queue   []Frame
	dropped int
	ready   chan struct{}
}

// New creates a bounded buffer.
func New(cfg Config) (*Buffer, error) {
	if cfg.MaxFrames < 1 {
		return nil, fmt.Errorf("max_frames must be >=1")
	}
	switch cfg.DropPolicy {
	case "", DropOldest, DropNewest:
	default:
		return nil, fmt.Errorf("unsupported drop policy %q", cfg.DropPolicy)
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropOldest
	}
	return &Buffer{
		cfg:   cfg,
		queue: make([]Frame, 0, cfg.MaxFrames),
		ready: make(chan struct{}, 1),
	}, nil
}

// Push inserts one frame, reports whether the new frame was accepted, and
// never blocks.
func (b *Buffer) Push(frame Frame) bool {
	b.mu.Lock()
	if len(b.queue) >= b.cfg.MaxFrames {
		b.dropped++
		if b.cfg.DropPolicy == DropNewest {
			b.mu.Unlock()
			return false
		}
		copy(b.queue[0:], b.queue[1:])
		b.queue = b.queue[:len(b.queue)-1]
	}
	b.queue = append(b.queue, frame)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

// Pop returns the oldest queued frame without blocking.
func (b *Buffer) Pop() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Frame{}, false
	}
	frame := b.queue[0]
	copy(b.queue[0:], b.queue[1:])
	b.queue = b.queue[:len(b.queue)-1]
	return frame, true
}

// Ready signals when at least one frame may be available. The consumer
// must still treat Pop as fallible.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// Clear discards all queued frames, counting them as dropped.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropped += len(b.queue)
	b.queue = b.queue[:0]
}

// Len returns current queue depth.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// DroppedCount returns total dropped frames.
func (b *Buffer) DroppedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
