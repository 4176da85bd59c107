package audio

import (
	"sync"
)

// FrameRing is a bounded, thread-safe FIFO of audio frames. When full, a
// push evicts the oldest frame so the most recent audio is kept.
type FrameRing struct {
	frames [][]byte
	size   int
	read   int
	count  int
	bytes  int
	mu     sync.Mutex
}

// NewFrameRing creates a ring holding at most size frames
func NewFrameRing(size int) *FrameRing {
	if size <= 0 {
		size = 1
	}
	return &FrameRing{
		frames: make([][]byte, size),
		size:   size,
	}
}

// Push appends a copy of frame. It reports whether an older frame was
// evicted to make room.
func (r *FrameRing) Push(frame []byte) (dropped bool) {
	if len(frame) == 0 {
		return false
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.size {
		r.bytes -= len(r.frames[r.read])
		r.frames[r.read] = nil
		r.read = (r.read + 1) % r.size
		r.count--
		dropped = true
	}

	write := (r.read + r.count) % r.size
	r.frames[write] = cp
	r.count++
	r.bytes += len(cp)
	return dropped
}

// Drain removes and returns every queued frame in arrival order.
func (r *FrameRing) Drain() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]byte, 0, r.count)
	for r.count > 0 {
		out = append(out, r.frames[r.read])
		r.frames[r.read] = nil
		r.read = (r.read + 1) % r.size
		r.count--
	}
	r.read = 0
	r.bytes = 0
	return out
}

// Len returns the number of queued frames
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Bytes returns the total queued payload size
func (r *FrameRing) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Clear drops every queued frame
func (r *FrameRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.frames {
		r.frames[i] = nil
	}
	r.read = 0
	r.count = 0
	r.bytes = 0
}

// IsEmpty returns true if no frames are queued
func (r *FrameRing) IsEmpty() bool {
	return r.Len() == 0
}

// IsFull returns true if the next push will evict a frame
func (r *FrameRing) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == r.size
}
