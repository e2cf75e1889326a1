package allocator

import (
	"context"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/block"
	"golang.org/x/exp/slog"
)

// VisitAllBlocks calls the provided callback once for each user block in address order,
// stopping at the first error
func (a *Allocator) VisitAllBlocks(visit func(p block.Ptr, size int, free bool) error) error {
	if !a.initialized {
		return nil
	}

	for p := a.firstBlock(); a.memory.Size(p) > 0; p = a.memory.Next(p) {
		err := visit(p, a.memory.Size(p), a.memory.IsFree(p))
		if err != nil {
			return err
		}
	}

	return nil
}

// AddStatistics sums this heap's statistics into the statistics currently present in stats
func (a *Allocator) AddStatistics(stats *memheap.Statistics) {
	stats.RegionBytes += a.HeapSize()
	stats.BlockCount += a.freeBlocks + a.reservedBlocks
	stats.AllocationCount += a.reservedBlocks

	_ = a.VisitAllBlocks(func(p block.Ptr, size int, free bool) error {
		if !free {
			stats.AllocationBytes += size
		}
		return nil
	})
}

// AddDetailedStatistics sums this heap's statistics, including block size ranges, into the
// statistics currently present in stats
func (a *Allocator) AddDetailedStatistics(stats *memheap.DetailedStatistics) {
	stats.RegionBytes += a.HeapSize()

	_ = a.VisitAllBlocks(func(p block.Ptr, size int, free bool) error {
		if free {
			stats.AddFreeBlock(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// PrintDetailedMap writes a json object describing the heap and every block in it
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	var stats memheap.Statistics
	a.AddStatistics(&stats)
	stats.PrintJson(objState)

	objState.Name("FreeListHead").Int(int(a.free.Head()))

	arrayState := objState.Name("Blocks").Array()
	defer arrayState.End()

	_ = a.VisitAllBlocks(func(p block.Ptr, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(p))
		obj.Name("Size").Int(size)
		obj.Name("Free").Bool(free)

		return nil
	})
}

// LogReservedBlocks reports every block that is still reserved at error level. It returns the
// number of blocks reported.
func (a *Allocator) LogReservedBlocks() int {
	count := 0

	_ = a.VisitAllBlocks(func(p block.Ptr, size int, free bool) error {
		if free {
			return nil
		}

		count++
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] reserved block",
			slog.Int("offset", int(p)),
			slog.Int("size", size))

		return nil
	})

	return count
}
