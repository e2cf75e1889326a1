package trace

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/block"
)

// ErrCheckFailed marks errors raised when the heap under test hands out a block that breaks
// the allocator contract
var ErrCheckFailed = errors.New("allocator check failed")

// Heap is the allocator surface a trace is replayed against. Block offsets index the
// heap's region starting from zero.
type Heap interface {
	Reserve(size int) (block.Ptr, error)
	Resize(p block.Ptr, size int) (block.Ptr, error)
	Release(p block.Ptr)
	Payload(p block.Ptr) []byte
	HeapSize() int
	Validate() error
}

type ReplayOptions struct {
	// Validate runs the heap's Validate after every op
	Validate bool
	// SkipContentChecks disables filling payloads and verifying their contents
	SkipContentChecks bool
}

// Result summarizes a replayed trace
type Result struct {
	Ops int
	// PeakPayloadBytes is the largest number of requested bytes live at once
	PeakPayloadBytes int
	// HeapSize is the size of the heap when the trace finished
	HeapSize int
}

// Utilization is the peak requested payload as a fraction of the final heap size
func (r Result) Utilization() float64 {
	if r.HeapSize == 0 {
		return 0
	}
	return float64(r.PeakPayloadBytes) / float64(r.HeapSize)
}

type liveRange struct {
	ptr  block.Ptr
	size int
}

func fillByte(id int) byte {
	return byte(id%251) + 1
}

type replayer struct {
	heap    Heap
	options ReplayOptions
	live    *swiss.Map[int, liveRange]

	payloadBytes int
}

func checkFailed(format string, args ...any) error {
	return errors.Wrapf(ErrCheckFailed, format, args...)
}

// Replay runs every op of tr against heap, verifying each block it receives: payloads must
// be aligned, must lie inside the heap, must not overlap another live payload, and must keep
// their contents until resized or released. Blocks still live when the trace ends are left
// reserved.
func Replay(heap Heap, tr *Trace, options ReplayOptions) (Result, error) {
	r := &replayer{
		heap:    heap,
		options: options,
		live:    swiss.NewMap[int, liveRange](uint32(min(tr.IDCount, maxSizeHint))),
	}

	var result Result
	for index, op := range tr.Ops {
		err := r.apply(op)
		if err != nil {
			return result, errors.Wrapf(err, "op %d (%s)", index, op)
		}

		if options.Validate {
			err = heap.Validate()
			if err != nil {
				return result, errors.Wrapf(err, "heap invalid after op %d (%s)", index, op)
			}
		}

		result.Ops++
		result.PeakPayloadBytes = max(result.PeakPayloadBytes, r.payloadBytes)
	}

	result.HeapSize = heap.HeapSize()
	return result, nil
}

func (r *replayer) apply(op Op) error {
	switch op.Kind {
	case OpReserve:
		p, err := r.heap.Reserve(op.Size)
		if err != nil {
			return err
		}

		err = r.accept(op.ID, p, op.Size)
		if err != nil {
			return err
		}
		r.fill(op.ID, p, 0, op.Size)

	case OpResize:
		old, _ := r.live.Get(op.ID)
		err := r.verify(op.ID, old)
		if err != nil {
			return err
		}
		r.forget(op.ID, old)

		p, err := r.heap.Resize(old.ptr, op.Size)
		if err != nil {
			return err
		}

		err = r.accept(op.ID, p, op.Size)
		if err != nil {
			return err
		}

		kept := min(old.size, op.Size)
		err = r.verify(op.ID, liveRange{ptr: p, size: kept})
		if err != nil {
			return errors.Wrap(err, "contents were not carried over by the resize")
		}
		r.fill(op.ID, p, kept, op.Size)

	case OpRelease:
		old, _ := r.live.Get(op.ID)
		err := r.verify(op.ID, old)
		if err != nil {
			return err
		}
		r.forget(op.ID, old)

		r.heap.Release(old.ptr)
	}

	return nil
}

// accept checks a block the heap has just handed out for id and records it as live
func (r *replayer) accept(id int, p block.Ptr, size int) error {
	if size > 0 {
		if p == block.Nil {
			return checkFailed("a request for %d bytes returned no block", size)
		}
		if !memheap.IsAligned(int(p), memheap.Alignment) {
			return checkFailed("payload at offset %d is not aligned to %d bytes", p, memheap.Alignment)
		}
		if int(p) < 0 || int(p)+size > r.heap.HeapSize() {
			return checkFailed("payload at offset %d with size %d lies outside the heap of %d bytes", p, size, r.heap.HeapSize())
		}

		var overlapErr error
		r.live.Iter(func(otherID int, other liveRange) bool {
			if other.size > 0 && int(p) < int(other.ptr)+other.size && int(other.ptr) < int(p)+size {
				overlapErr = checkFailed("payload [%d, %d) overlaps the payload [%d, %d) of id %d",
					p, int(p)+size, other.ptr, int(other.ptr)+other.size, otherID)
				return true
			}
			return false
		})
		if overlapErr != nil {
			return overlapErr
		}
	}

	r.live.Put(id, liveRange{ptr: p, size: size})
	r.payloadBytes += size

	return nil
}

func (r *replayer) forget(id int, old liveRange) {
	r.live.Delete(id)
	r.payloadBytes -= old.size
}

func (r *replayer) fill(id int, p block.Ptr, from, to int) {
	if r.options.SkipContentChecks || to <= from {
		return
	}

	payload := r.heap.Payload(p)[from:to]
	pattern := fillByte(id)
	for i := range payload {
		payload[i] = pattern
	}
}

func (r *replayer) verify(id int, b liveRange) error {
	if r.options.SkipContentChecks || b.size == 0 {
		return nil
	}

	pattern := fillByte(id)
	for i, c := range r.heap.Payload(b.ptr)[:b.size] {
		if c != pattern {
			return checkFailed("byte %d of the payload at offset %d for id %d was overwritten", i, b.ptr, id)
		}
	}

	return nil
}
