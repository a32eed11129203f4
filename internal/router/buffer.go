package router

import (
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"

	"github.com/radiords/radiords/internal/conf"
)

// Buffer is the bounded PCM queue between the router and the analyzer.
// Push never blocks: when the ring is full the oldest chunks are discarded.
type Buffer struct {
	mu         sync.Mutex
	ring       *ringbuffer.RingBuffer
	chunkBytes int
	scratch    []byte

	ready   chan struct{}
	pushed  atomic.Uint64
	dropped atomic.Uint64
}

// NewBuffer creates a buffer holding chunks chunks of chunkBytes each.
func NewBuffer(chunkBytes, chunks int) *Buffer {
	chunkBytes = max(conf.BytesPerFrame, chunkBytes-chunkBytes%conf.BytesPerFrame)
	chunks = max(1, chunks)
	return &Buffer{
		ring:       ringbuffer.New(chunkBytes * chunks),
		chunkBytes: chunkBytes,
		scratch:    make([]byte, chunkBytes),
		ready:      make(chan struct{}, 1),
	}
}

// Push appends chunk and returns how many old chunks were dropped to make room.
func (b *Buffer) Push(chunk []byte) int {
	if len(chunk) == 0 {
		return 0
	}
	capacity := b.ring.Capacity()
	if len(chunk) > capacity {
		// Only the newest samples fit; keep frame alignment.
		cut := len(chunk) - capacity
		cut += (conf.BytesPerFrame - cut%conf.BytesPerFrame) % conf.BytesPerFrame
		chunk = chunk[cut:]
	}

	b.mu.Lock()
	dropped := 0
	for b.ring.Free() < len(chunk) {
		n := min(b.chunkBytes, b.ring.Length())
		if _, err := b.ring.Read(b.scratch[:n]); err != nil {
			// Empty ring with no room means the chunk is larger than capacity,
			// which the trim above rules out.
			b.ring.Reset()
			break
		}
		dropped++
	}
	_, err := b.ring.Write(chunk)
	b.mu.Unlock()

	if err != nil {
		// The new chunk itself was lost.
		dropped++
	}
	b.pushed.Add(1)
	b.dropped.Add(uint64(dropped))

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Drain removes and returns up to maxBytes of whole stereo frames, oldest
// first. It returns nil when fewer than one frame is buffered.
func (b *Buffer) Drain(maxBytes int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(maxBytes, b.ring.Length())
	n -= n % conf.BytesPerFrame
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	read, err := b.ring.Read(out)
	if err != nil {
		return nil
	}
	return out[:read]
}

// Ready receives a value after a push. It is a hint; Drain may still return nil.
func (b *Buffer) Ready() <-chan struct{} { return b.ready }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Length()
}

// Capacity returns the buffer size in bytes.
func (b *Buffer) Capacity() int { return b.ring.Capacity() }

// ChunkBytes returns the nominal chunk size.
func (b *Buffer) ChunkBytes() int { return b.chunkBytes }

// Pushed returns the number of chunks pushed.
func (b *Buffer) Pushed() uint64 { return b.pushed.Load() }

// Dropped returns the number of chunks discarded on overflow.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Reset discards all buffered data.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Reset()
}
