package audio

import "sync"

// FrameBuffer accumulates decoded PCM bytes and hands them back in
// fixed-size analysis frames. Telephony media frames arrive in whatever
// chunking the channel chose; the VAD needs exact frame boundaries.
// Thread-safe; oldest data is evicted when capacity is exceeded so a
// stalled consumer cannot grow the buffer without bound.
type FrameBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	r, w int
	full bool
}

// NewFrameBuffer creates a buffer holding up to size bytes.
func NewFrameBuffer(size int) *FrameBuffer {
	if size <= 0 {
		size = 8192
	}
	return &FrameBuffer{buf: make([]byte, size), size: size}
}

// Write appends data, evicting the oldest bytes on overflow. Returns the
// number of bytes evicted.
func (b *FrameBuffer) Write(data []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	if len(data) >= b.size {
		// Data alone fills the buffer; keep only its tail.
		evicted = b.lenLocked() + len(data) - b.size
		copy(b.buf, data[len(data)-b.size:])
		b.r, b.w = 0, 0
		b.full = true
		return evicted
	}

	free := b.size - b.lenLocked()
	if len(data) > free {
		evicted = len(data) - free
		b.r = (b.r + evicted) % b.size
		b.full = false
	}

	n := copy(b.buf[b.w:], data)
	if n < len(data) {
		copy(b.buf, data[n:])
	}
	b.w = (b.w + len(data)) % b.size
	if b.w == b.r {
		b.full = true
	}
	return evicted
}

// ReadFrame copies exactly len(frame) bytes into frame if that much data is
// buffered, reporting whether a full frame was read. A partial frame is
// left in place for the next call.
func (b *FrameBuffer) ReadFrame(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lenLocked() < len(frame) {
		return false
	}

	n := copy(frame, b.buf[b.r:])
	if n < len(frame) {
		copy(frame[n:], b.buf)
	}
	b.r = (b.r + len(frame)) % b.size
	b.full = false
	return true
}

// Len returns the number of buffered bytes.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

// Clear discards all buffered data.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.r, b.w = 0, 0
	b.full = false
}

func (b *FrameBuffer) lenLocked() int {
	if b.full {
		return b.size
	}
	if b.w >= b.r {
		return b.w - b.r
	}
	return b.size - b.r + b.w
}
