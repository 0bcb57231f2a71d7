package stack

import (
	"context"
	"sync"
	"time"

	"github.com/kdoe/tapstack/internal/metrics"
)

// ringCapacity bounds RxRing/TxRing: 128 in-flight frames, matching the
// bounded producer/consumer queue the packet path is built around. Past
// this bound a producer either blocks (Push) or has its frame refused
// (TryPush returns false); the ring never grows without limit.
const ringCapacity = 128

// maxFrameSize is the largest Ethernet frame (including header) a ring
// buffer slot holds: 1500 MTU payload + 14 byte header + 4 byte VLAN tag
// headroom.
const maxFrameSize = 1518

var framePool = sync.Pool{
	New: func() any {
		buf := make([]byte, maxFrameSize)
		return &buf
	},
}

// GetFrameBuffer borrows a pooled, maxFrameSize-capacity buffer. Callers
// must PutFrameBuffer it back once done (Ring.Pop's caller does this for
// them after processing).
func GetFrameBuffer() *[]byte {
	return framePool.Get().(*[]byte)
}

// PutFrameBuffer returns a buffer borrowed via GetFrameBuffer to the pool.
func PutFrameBuffer(buf *[]byte) {
	*buf = (*buf)[:cap(*buf)]
	framePool.Put(buf)
}

// Frame is a ring buffer slot: a pooled byte buffer and the number of
// valid bytes in it.
type Frame struct {
	Buf *[]byte
	N   int
}

// Bytes returns the valid portion of the frame's buffer.
func (f Frame) Bytes() []byte { return (*f.Buf)[:f.N] }

// Release returns the frame's buffer to the shared pool. Callers that no
// longer need the data call this after processing it.
func (f Frame) Release() { PutFrameBuffer(f.Buf) }

// Ring is a bounded single-producer/single-consumer frame queue,
// implemented over a buffered channel: Go channels are this stack's native
// condition variable, giving blocking and timed push/pop for free instead
// of a hand-rolled mutex+cond ring.
type Ring struct {
	name string
	ch   chan Frame
}

// NewRing constructs a Ring with the standard ringCapacity bound, labeled
// name for the tapstack_ring_push_drops_total metric.
func NewRing(name string) *Ring {
	return &Ring{name: name, ch: make(chan Frame, ringCapacity)}
}

// Push enqueues f, blocking until space is available or ctx is done.
func (r *Ring) Push(ctx context.Context, f Frame) error {
	select {
	case r.ch <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues f without blocking, reporting false if the ring is full.
func (r *Ring) TryPush(f Frame) bool {
	select {
	case r.ch <- f:
		return true
	default:
		metrics.RingPushDrops.WithLabelValues(r.name).Inc()
		return false
	}
}

// Pop dequeues the next frame, blocking until one is available or ctx is
// done.
func (r *Ring) Pop(ctx context.Context) (Frame, error) {
	select {
	case f := <-r.ch:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// PopTimeout dequeues the next frame, waiting at most d.
func (r *Ring) PopTimeout(d time.Duration) (Frame, bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case f := <-r.ch:
		return f, true
	case <-t.C:
		return Frame{}, false
	}
}

// Len reports the number of frames currently queued.
func (r *Ring) Len() int { return len(r.ch) }
