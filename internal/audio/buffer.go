package audio

import "sync"

// Buffer is a bounded byte FIFO for streaming PCM. Writers append, readers
// pop from the front. When a write would exceed the cap the oldest bytes are
// dropped so a slow consumer sees current audio rather than an ever-growing
// backlog.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	closed  bool
	dropped int64
}

// DefaultBufferCap bounds a session buffer at ~30s of 16kHz s16le audio.
const DefaultBufferCap = 30 * OutputSampleRate * BytesPerSample

// NewBuffer creates a Buffer holding at most max bytes. max <= 0 selects
// DefaultBufferCap.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultBufferCap
	}
	return &Buffer{max: max}
}

// Write appends p, dropping the oldest bytes if the cap would be exceeded.
// It returns the number of bytes retained; writes after Close return 0.
func (b *Buffer) Write(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(p) == 0 {
		return 0
	}
	if len(p) >= b.max {
		b.dropped += int64(len(b.data)) + int64(len(p)-b.max)
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		return b.max
	}
	if over := len(b.data) + len(p) - b.max; over > 0 {
		b.dropped += int64(over)
		b.data = b.data[:copy(b.data, b.data[over:])]
	}
	b.data = append(b.data, p...)
	return len(p)
}

// Read pops up to n bytes from the front. It returns nil when the buffer is
// empty or closed.
func (b *Buffer) Read(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.data) == 0 || n <= 0 {
		return nil
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[:copy(b.data, b.data[n:])]
	return out
}

// Len reports the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Dropped reports the total bytes discarded by the overflow policy.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close releases the backing storage. Reads and writes after Close are
// no-ops; Close is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.data = nil
	b.mu.Unlock()
}
