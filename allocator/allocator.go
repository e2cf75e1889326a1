package allocator

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/block"
	"github.com/vkngwrapper/arsenal/memheap/freelist"
	"github.com/vkngwrapper/arsenal/memheap/region"
	"golang.org/x/exp/slog"
)

// Allocator is an explicit free-list heap allocator. Blocks carry boundary tags inside the
// managed region, free blocks are kept in a single LIFO free list, placement is first-fit and
// released blocks are merged with free neighbors immediately.
//
// Allocator is not safe for concurrent use. Callers that share one between goroutines must
// guard every method with their own lock.
type Allocator struct {
	logger *slog.Logger
	region region.Region
	memory block.Memory
	free   *freelist.List

	chunkSize   int
	initialSize int
	maxHeapSize int

	initialized bool
	prologue    block.Ptr

	freeBlocks     int
	reservedBlocks int
}

var _ memheap.Validatable = &Allocator{}

// Reserve sets aside a block with room for at least size bytes and returns the offset of its
// payload. A request for zero bytes returns block.Nil and changes nothing.
//
// If no free block is large enough the region is grown. When the region cannot grow, block.Nil
// is returned along with an error matching memheap.ErrOutOfMemory, and the heap is unchanged.
func (a *Allocator) Reserve(size int) (block.Ptr, error) {
	if size == 0 {
		return block.Nil, nil
	}
	if size < 0 {
		return block.Nil, errors.Wrapf(memheap.ErrInvalidSize, "cannot reserve %d bytes", size)
	}
	if size > block.MaxPayload {
		return block.Nil, errors.Wrapf(memheap.ErrOutOfMemory, "a request for %d bytes exceeds the largest block", size)
	}

	err := a.ensureInit()
	if err != nil {
		return block.Nil, err
	}

	adjusted := block.AdjustedSize(size)

	p := a.free.FirstFit(adjusted)
	if p == block.Nil {
		p, err = a.extendHeap(max(adjusted, a.chunkSize))
		if err != nil {
			return block.Nil, err
		}
	}

	a.place(p, adjusted)
	memheap.DebugFill(a.memory.Payload(p), memheap.ReservedPattern)
	memheap.DebugValidate(a)

	return p, nil
}

// Release returns a reserved block to the heap, merging it with any free neighbors.
// Releasing block.Nil does nothing. Releasing anything that is not a currently reserved block
// is a programming error and panics.
func (a *Allocator) Release(p block.Ptr) {
	if p == block.Nil {
		return
	}

	a.mustBeReserved(p)

	size := a.memory.Size(p)
	memheap.DebugFill(a.memory.Payload(p), memheap.ReleasedPattern)
	a.memory.SetTags(p, size, false)
	a.reservedBlocks--
	a.freeBlocks++

	a.coalesce(p)
	memheap.DebugValidate(a)
}

// Resize moves the contents of a reserved block into a new block with room for size bytes and
// releases the old one. The first min(old payload, size) bytes are preserved.
//
// A size of zero releases p and returns block.Nil. A p of block.Nil is the same as Reserve.
// If the new block cannot be reserved, block.Nil and the error are returned and p is left
// exactly as it was.
func (a *Allocator) Resize(p block.Ptr, size int) (block.Ptr, error) {
	if size == 0 {
		a.Release(p)
		return block.Nil, nil
	}

	if p == block.Nil {
		return a.Reserve(size)
	}

	a.mustBeReserved(p)

	moved, err := a.Reserve(size)
	if err != nil {
		return block.Nil, err
	}

	old := a.memory.Payload(p)
	n := min(len(old), size)
	copy(a.memory.Payload(moved)[:n], old[:n])

	a.Release(p)

	return moved, nil
}

// ReserveZeroed reserves room for count elements of size bytes each and zeroes the whole
// payload. A product that does not fit in an int is rejected with memheap.ErrSizeOverflow
// before anything is reserved.
func (a *Allocator) ReserveZeroed(count, size int) (block.Ptr, error) {
	if count < 0 || size < 0 {
		return block.Nil, errors.Wrapf(memheap.ErrInvalidSize, "cannot reserve %d elements of %d bytes", count, size)
	}

	hi, total := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || total > math.MaxInt {
		return block.Nil, errors.Wrapf(memheap.ErrSizeOverflow, "%d elements of %d bytes", count, size)
	}

	p, err := a.Reserve(int(total))
	if err != nil || p == block.Nil {
		return p, err
	}

	clear(a.memory.Payload(p))

	return p, nil
}

// Payload is the reserved view of the block at p. The slice remains valid until the block is
// released, and cannot be grown over the block's footer.
func (a *Allocator) Payload(p block.Ptr) []byte {
	a.mustBeReserved(p)
	return a.memory.Payload(p)
}

// PayloadSize is the number of usable bytes in the reserved block at p, which may be more
// than were requested
func (a *Allocator) PayloadSize(p block.Ptr) int {
	a.mustBeReserved(p)
	return a.memory.Size(p) - block.Overhead
}

func (a *Allocator) FreeBlockCount() int { return a.freeBlocks }

func (a *Allocator) ReservedBlockCount() int { return a.reservedBlocks }

// HeapSize is the number of bytes the region has been grown to, sentinels included
func (a *Allocator) HeapSize() int {
	return a.region.High() - a.region.Low()
}

func (a *Allocator) refresh() {
	a.memory = block.Memory(a.region.Bytes())
}

func (a *Allocator) firstBlock() block.Ptr {
	return a.prologue + block.DoubleWordSize
}

func (a *Allocator) epilogue() block.Ptr {
	return block.Ptr(a.region.High())
}

func (a *Allocator) writeEpilogue() {
	a.memory.PutWord(block.HeaderOffset(a.epilogue()), block.Pack(0, true))
}

// isBlock reports whether p could be the payload offset of a user block: a minimum-sized
// block starting there must end before the epilogue header
func (a *Allocator) isBlock(p block.Ptr) bool {
	return a.initialized &&
		p >= a.firstBlock() && int(p)+block.MinSize-block.WordSize <= int(a.epilogue()) &&
		memheap.IsAligned(int(p), memheap.Alignment)
}

func (a *Allocator) mustBeReserved(p block.Ptr) {
	if !a.isBlock(p) {
		panic(errors.Wrapf(memheap.ErrInvalidRelease, "offset %d is outside the heap or misaligned", p))
	}

	header := a.memory.Header(p)
	size := block.UnpackSize(header)
	if !block.UnpackAllocated(header) || size < block.MinSize || int(p)+size > int(a.epilogue()) ||
		a.memory.Footer(p) != header {
		panic(errors.Wrapf(memheap.ErrInvalidRelease, "offset %d does not hold a reserved block", p))
	}
}

// extendHeap grows the region by at least size bytes, turns the new space into a free block
// that takes over the old epilogue, and merges it with a trailing free block
func (a *Allocator) extendHeap(size int) (block.Ptr, error) {
	if a.HeapSize()+size > a.maxHeapSize {
		return block.Nil, errors.Wrapf(memheap.ErrOutOfMemory, "growing the heap by %d bytes would take it past %d bytes",
			size, a.maxHeapSize)
	}

	oldHigh := a.region.High()

	start, err := a.region.Grow(size)
	if err != nil {
		return block.Nil, errors.Mark(errors.Wrapf(err, "failed to grow the heap by %d bytes", size), memheap.ErrOutOfMemory)
	}
	a.refresh()

	granted := a.region.High() - start
	if start != oldHigh || granted < size || !memheap.IsAligned(granted, memheap.Alignment) {
		panic(errors.Newf("region grew from offset %d to %d when asked for %d bytes at offset %d",
			start, a.region.High(), size, oldHigh))
	}
	if a.HeapSize() > a.maxHeapSize {
		panic(errors.Newf("region rounded a growth of %d bytes up past the largest heap of %d bytes",
			size, a.maxHeapSize))
	}

	p := block.Ptr(start)
	a.memory.SetTags(p, granted, false)
	a.writeEpilogue()
	a.freeBlocks++

	a.logger.Debug("Allocator::extendHeap",
		slog.Int("Requested", size),
		slog.Int("Granted", granted),
		slog.Int("RegionBytes", a.HeapSize()))

	return a.coalesce(p), nil
}

// place reserves adjusted bytes at the front of the free block p, returning the rest to the
// free list when it can stand alone as a block
func (a *Allocator) place(p block.Ptr, adjusted int) {
	a.free.Remove(p)
	size := a.memory.Size(p)

	if remainder := size - adjusted; remainder >= block.MinSize {
		a.memory.SetTags(p, adjusted, true)
		rest := a.memory.Next(p)
		a.memory.SetTags(rest, remainder, false)
		a.free.InsertAtHead(rest)
	} else {
		a.memory.SetTags(p, size, true)
		a.freeBlocks--
	}

	a.reservedBlocks++
}

// coalesce merges the free, unlisted block p with whichever of its neighbors are free and
// puts the result at the head of the free list
func (a *Allocator) coalesce(p block.Ptr) block.Ptr {
	size := a.memory.Size(p)
	prev := a.memory.Prev(p)
	next := a.memory.Next(p)

	if a.memory.IsFree(next) {
		a.free.Remove(next)
		size += a.memory.Size(next)
		a.freeBlocks--
	}

	if a.memory.IsFree(prev) {
		a.free.Remove(prev)
		size += a.memory.Size(prev)
		p = prev
		a.freeBlocks--
	}

	a.memory.SetTags(p, size, false)
	a.free.InsertAtHead(p)

	return p
}
