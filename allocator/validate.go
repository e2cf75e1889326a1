package allocator

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/block"
	"golang.org/x/exp/slog"
)

func corrupted(format string, args ...any) error {
	return errors.Wrapf(memheap.ErrHeapCorrupted, format, args...)
}

// Validate walks every block in the heap and then the free list, and returns an error
// describing the first inconsistency found. When the allocator is working correctly it is not
// possible for this method to return an error. The walk is linear in the number of blocks.
func (a *Allocator) Validate() error {
	if !a.initialized {
		return nil
	}

	low, high := a.region.Low(), a.region.High()
	if len(a.memory) != high {
		return corrupted("the heap view covers %d bytes but the region ends at offset %d", len(a.memory), high)
	}

	if a.memory.Header(a.prologue) != block.Pack(block.DoubleWordSize, true) ||
		a.memory.Footer(a.prologue) != a.memory.Header(a.prologue) {
		return corrupted("prologue at offset %d has been overwritten", a.prologue)
	}

	seenFree := swiss.NewMap[block.Ptr, struct{}](uint32(a.freeBlocks + 1))
	var freeCount, reservedCount, totalSize int
	previousFree := false

	p := a.firstBlock()
	for ; int(p) < high; p = a.memory.Next(p) {
		header := a.memory.Header(p)
		size := block.UnpackSize(header)

		if size == 0 {
			break
		}
		if !memheap.IsAligned(int(p), memheap.Alignment) {
			return corrupted("block at offset %d is not aligned to %d bytes", p, memheap.Alignment)
		}
		if size < block.MinSize {
			return corrupted("block at offset %d has size %d, smaller than the minimum block", p, size)
		}
		if int(p)+size > high {
			return corrupted("block at offset %d with size %d runs past the end of the region at %d", p, size, high)
		}
		if footer := a.memory.Footer(p); footer != header {
			return corrupted("block at offset %d has header %#x but footer %#x", p, header, footer)
		}

		totalSize += size

		if block.UnpackAllocated(header) {
			reservedCount++
			previousFree = false
			continue
		}

		if previousFree {
			return corrupted("free block at offset %d follows another free block", p)
		}
		previousFree = true
		freeCount++

		err := a.validateLinks(p)
		if err != nil {
			return err
		}
		seenFree.Put(p, struct{}{})
	}

	if p != a.epilogue() {
		return corrupted("the block walk ended at offset %d, but the epilogue is at offset %d", p, a.epilogue())
	}
	if a.memory.Header(p) != block.Pack(0, true) {
		return corrupted("epilogue at offset %d has been overwritten", p)
	}
	if totalSize+sentinelSize != high-low {
		return corrupted("blocks add up to %d bytes plus %d bytes of sentinels, but the region holds %d bytes",
			totalSize, sentinelSize, high-low)
	}
	if reservedCount != a.reservedBlocks {
		return corrupted("the reserved block count is %d, but the heap holds %d reserved blocks", a.reservedBlocks, reservedCount)
	}
	if freeCount != a.freeBlocks {
		return corrupted("the free block count is %d, but the heap holds %d free blocks", a.freeBlocks, freeCount)
	}

	listCount := 0
	err := a.free.Walk(func(p block.Ptr) error {
		if !seenFree.Has(p) {
			return corrupted("free list entry at offset %d is not a free block in the heap, or is listed twice", p)
		}
		seenFree.Delete(p)
		listCount++

		return nil
	})
	if err != nil {
		return err
	}
	if listCount != a.freeBlocks {
		return corrupted("the free block count is %d, but the free list holds %d blocks", a.freeBlocks, listCount)
	}

	return nil
}

func (a *Allocator) validateLinks(p block.Ptr) error {
	links := a.memory.Links(p)

	prev := links.Prev()
	if prev == block.Nil {
		if a.free.Head() != p {
			return corrupted("free block at offset %d has no previous entry but is not the head of the free list", p)
		}
	} else if !a.isBlock(prev) || a.memory.IsAllocated(prev) || a.memory.Links(prev).Next() != p {
		return corrupted("free block at offset %d lists offset %d as its previous entry, but the reverse reference is broken", p, prev)
	}

	next := links.Next()
	if next != block.Nil &&
		(!a.isBlock(next) || a.memory.IsAllocated(next) || a.memory.Links(next).Prev() != p) {
		return corrupted("free block at offset %d lists offset %d as its next entry, but the reverse reference is broken", p, next)
	}

	return nil
}

// CheckHeap validates the heap and panics if it is inconsistent, since an inconsistent heap
// means the allocator's own bookkeeping has been corrupted. When verbose is set, a summary
// of a successful check is logged.
func (a *Allocator) CheckHeap(verbose bool) {
	err := a.Validate()
	if err != nil {
		panic(err)
	}

	if verbose {
		a.logger.Info("heap check succeeded",
			slog.Int("RegionBytes", a.HeapSize()),
			slog.Int("FreeBlocks", a.freeBlocks),
			slog.Int("ReservedBlocks", a.reservedBlocks))
	}
}
