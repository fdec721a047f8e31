// Package ring provides the callback-side buffer pool and the lock-free
// single-producer/single-consumer handoff between the audio-driver thread
// and the cooperative processing task.
package ring

import (
	"sync/atomic"
)

const (
	// InitialPoolSize is the number of buffers pre-allocated at construction.
	InitialPoolSize = 16
	// MaxPoolSize is the hard cap on pool growth; past this the callback
	// must drop rather than allocate.
	MaxPoolSize = 32
	// Capacity is the number of slots in the SPSC ring between the
	// callback and the processor.
	Capacity = 64
)

// Block is a two-dimensional, contiguous audio sample region shaped
// (frames x channels), owned by the Pool and loaned to the callback.
type Block struct {
	Samples  []float32 // len == Frames*Channels, row-major (frame-major)
	Frames   int
	Channels int
}

func newBlock(frames, channels int) *Block {
	return &Block{
		Samples:  make([]float32, frames*channels),
		Frames:   frames,
		Channels: channels,
	}
}

// reset shrinks the block's logical view back to its backing capacity so
// it can be reused for a differently-shaped callback without reallocating,
// as long as the new shape still fits.
func (b *Block) reset(frames, channels int) bool {
	if frames*channels > cap(b.Samples) {
		return false
	}
	b.Samples = b.Samples[:frames*channels]
	b.Frames = frames
	b.Channels = channels
	return true
}

// Pool is a fixed-capacity pool of reusable Blocks. Get is safe to call from
// the audio-driver callback: on a pool miss it either grows (up to
// MaxPoolSize) or reports failure without blocking or touching the
// allocator beyond a single make([]float32, ...) call, matching the
// teacher's float32Pool sync.Pool discipline but with an explicit cap so
// the callback path has a hard, observable ceiling instead of unbounded
// pool growth.
type Pool struct {
	free     chan *Block
	frames   int
	channels int

	allocated atomic.Int32 // total blocks ever allocated, <= MaxPoolSize
	drops     atomic.Uint64
}

// NewPool pre-allocates InitialPoolSize blocks shaped (frames x channels).
func NewPool(frames, channels int) *Pool {
	p := &Pool{
		free:     make(chan *Block, MaxPoolSize),
		frames:   frames,
		channels: channels,
	}
	for i := 0; i < InitialPoolSize; i++ {
		p.free <- newBlock(frames, channels)
	}
	p.allocated.Store(InitialPoolSize)
	return p
}

// Get acquires a block in O(1) without blocking. If the free list is empty
// and the pool is below MaxPoolSize it allocates a replacement; otherwise it
// returns nil and the caller must drop the frame and count it.
func (p *Pool) Get(frames, channels int) *Block {
	select {
	case b := <-p.free:
		if !b.reset(frames, channels) {
			// Shape no longer fits; replace in place rather than grow the
			// pool further.
			b.Samples = make([]float32, frames*channels)
			b.Frames = frames
			b.Channels = channels
		}
		return b
	default:
	}

	if p.allocated.Add(1) > MaxPoolSize {
		p.allocated.Add(-1)
		p.drops.Add(1)
		return nil
	}
	return newBlock(frames, channels)
}

// Put returns a consumed block to the pool. If the pool is already holding
// MaxPoolSize buffers the block is released to the allocator instead of
// being retained, so a capture that transiently spiked pool usage doesn't
// keep the extra memory forever.
func (p *Pool) Put(b *Block) {
	if b == nil {
		return
	}
	select {
	case p.free <- b:
	default:
		p.allocated.Add(-1)
	}
}

// Drops returns the number of times Get failed to produce a buffer.
func (p *Pool) Drops() uint64 { return p.drops.Load() }

// slot holds one published block. Emptiness and fullness are detected by
// comparing the ring's head and tail counters, not by a per-slot field.
type slot struct {
	block *Block
}

// Ring is a bounded SPSC queue from the audio-driver callback to the
// cooperative processor. Publication uses release/acquire ordering on the
// head/tail counters (the teacher's ringBuffer in internal/audio/capture.go
// uses the identical atomic.Uint64 head/tail scheme); this version carries
// *Block pointers instead of copying sample data.
type Ring struct {
	slots [Capacity]slot
	head  atomic.Uint64 // next write index (producer-owned)
	tail  atomic.Uint64 // next read index (consumer-owned)

	drops atomic.Uint64
}

// NewRing constructs an empty ring.
func NewRing() *Ring { return &Ring{} }

// Push publishes a block. It never blocks and never touches tail — only the
// consumer ever advances tail, keeping the ring strictly single-producer/
// single-consumer. When full, Push drops the newest block (returns false)
// rather than evicting the oldest, since evicting from the producer side
// would require the producer to mutate the consumer-owned tail counter.
// spec.md §4.1 leaves the drop-oldest-vs-drop-newest choice implementation
// defined; drop-newest is the only one of the two that keeps the ring
// lock-free without a CAS loop on tail.
func (r *Ring) Push(b *Block) (ok bool) {
	head := r.head.Load()
	tail := r.tail.Load()

	if head-tail >= Capacity {
		r.drops.Add(1)
		return false
	}

	r.slots[head%Capacity].block = b
	r.head.Store(head + 1)
	return true
}

// Pop retrieves the oldest published block, or nil if the ring is empty.
func (r *Ring) Pop() *Block {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail == head {
		return nil
	}
	b := r.slots[tail%Capacity].block
	r.slots[tail%Capacity].block = nil
	r.tail.Store(tail + 1)
	return b
}

// Drops returns the number of blocks dropped due to ring overflow.
func (r *Ring) Drops() uint64 { return r.drops.Load() }

// Counters aggregates the callback-path drop counters so the processor can
// sample them periodically for logging, per spec.md §7's propagation
// policy: "pool misses and ring drops are counters, not errors."
type Counters struct {
	PoolDrops uint64
	RingDrops uint64
}

// Snapshot reads the current counters. Safe to call from the cooperative
// context while the callback continues running concurrently.
func Snapshot(pool *Pool, r *Ring) Counters {
	return Counters{PoolDrops: pool.Drops(), RingDrops: r.Drops()}
}
