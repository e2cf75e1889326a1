package allocator_test

import (
	"io"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/allocator"
	"github.com/vkngwrapper/arsenal/memheap/block"
	"github.com/vkngwrapper/arsenal/memheap/region"
	"golang.org/x/exp/slog"
)

type blockInfo struct {
	Offset block.Ptr
	Size   int
	Free   bool
}

func readyAllocator(t *testing.T, limit int) (*region.Memory, *allocator.Allocator) {
	mem, err := region.NewMemory(limit, 0)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alloc, err := allocator.New(logger, mem, allocator.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, alloc.Init())

	return mem, alloc
}

func heapBlocks(t *testing.T, alloc *allocator.Allocator) []blockInfo {
	var blocks []blockInfo
	err := alloc.VisitAllBlocks(func(p block.Ptr, size int, free bool) error {
		blocks = append(blocks, blockInfo{Offset: p, Size: size, Free: free})
		return nil
	})
	require.NoError(t, err)
	return blocks
}

func requireInvalidRelease(t *testing.T, f func()) {
	t.Helper()

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, isErr := r.(error)
		require.True(t, isErr)
		require.True(t, errors.Is(err, memheap.ErrInvalidRelease), "unexpected panic: %v", err)
	}()

	f()
}

func TestInit(t *testing.T) {
	mem, alloc := readyAllocator(t, 1<<16)

	require.Equal(t, 1, mem.Grows())
	require.Equal(t, allocator.DefaultChunkSize, alloc.HeapSize())
	require.Equal(t, 1, alloc.FreeBlockCount())
	require.Equal(t, 0, alloc.ReservedBlockCount())
	require.Equal(t, []blockInfo{{Offset: 16, Size: 4080, Free: true}}, heapBlocks(t, alloc))
	require.NoError(t, alloc.Validate())
}

func TestNewRejectsBadOptions(t *testing.T) {
	mem, err := region.NewMemory(1<<16, 0)
	require.NoError(t, err)

	_, err = allocator.New(nil, nil, allocator.CreateOptions{})
	require.Error(t, err)

	_, err = allocator.New(nil, mem, allocator.CreateOptions{ChunkSize: 100})
	require.Error(t, err)

	_, err = allocator.New(nil, mem, allocator.CreateOptions{InitialSize: 32})
	require.Error(t, err)

	alloc, err := allocator.New(nil, mem, allocator.CreateOptions{ChunkSize: 256, InitialSize: 40})
	require.NoError(t, err)
	require.NoError(t, alloc.Init())
	require.Equal(t, 40, alloc.HeapSize())
	require.Equal(t, []blockInfo{{Offset: 16, Size: 24, Free: true}}, heapBlocks(t, alloc))
}

func TestLazyInit(t *testing.T) {
	mem, err := region.NewMemory(1<<16, 0)
	require.NoError(t, err)
	alloc, err := allocator.New(nil, mem, allocator.CreateOptions{})
	require.NoError(t, err)

	p, err := alloc.Reserve(0)
	require.NoError(t, err)
	require.Equal(t, block.Nil, p)
	require.Equal(t, 0, alloc.HeapSize())

	p, err = alloc.Reserve(10)
	require.NoError(t, err)
	require.Equal(t, block.Ptr(16), p)
	require.Equal(t, allocator.DefaultChunkSize, alloc.HeapSize())
	require.NoError(t, alloc.Validate())
}

func TestInitStartsOver(t *testing.T) {
	mem, alloc := readyAllocator(t, 1<<16)

	for i := 0; i < 10; i++ {
		_, err := alloc.Reserve(1000)
		require.NoError(t, err)
	}
	require.Greater(t, mem.Grows(), 1)

	require.NoError(t, alloc.Init())
	require.Equal(t, 1, mem.Grows())
	require.Equal(t, 1, alloc.FreeBlockCount())
	require.Equal(t, 0, alloc.ReservedBlockCount())
	require.NoError(t, alloc.Validate())
}

func TestReserveZeroIsNoop(t *testing.T) {
	mem, alloc := readyAllocator(t, 1<<16)
	before := heapBlocks(t, alloc)

	p, err := alloc.Reserve(0)
	require.NoError(t, err)
	require.Equal(t, block.Nil, p)

	require.Equal(t, before, heapBlocks(t, alloc))
	require.Equal(t, 1, alloc.FreeBlockCount())
	require.Equal(t, 0, alloc.ReservedBlockCount())
	require.Equal(t, 1, mem.Grows())
}

func TestReserveSplits(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	p, err := alloc.Reserve(100)
	require.NoError(t, err)
	require.Equal(t, block.Ptr(16), p)
	require.Equal(t, 104, alloc.PayloadSize(p))
	require.Len(t, alloc.Payload(p), 104)
	require.Zero(t, int(p)%int(memheap.Alignment))

	require.Equal(t, []blockInfo{
		{Offset: 16, Size: 112},
		{Offset: 128, Size: 3968, Free: true},
	}, heapBlocks(t, alloc))
	require.Equal(t, 1, alloc.FreeBlockCount())
	require.Equal(t, 1, alloc.ReservedBlockCount())
}

func TestFirstFitReusesReleasedBlock(t *testing.T) {
	mem, alloc := readyAllocator(t, 1<<16)

	first, err := alloc.Reserve(100)
	require.NoError(t, err)
	second, err := alloc.Reserve(50)
	require.NoError(t, err)
	require.Equal(t, block.Ptr(128), second)

	alloc.Release(first)
	require.Equal(t, 2, alloc.FreeBlockCount())

	third, err := alloc.Reserve(90)
	require.NoError(t, err)
	require.Equal(t, first, third)
	require.Equal(t, 1, mem.Grows())

	// The 8 bytes left over are too small to split off
	require.Equal(t, 104, alloc.PayloadSize(third))
	require.Equal(t, 1, alloc.FreeBlockCount())
	require.Equal(t, 2, alloc.ReservedBlockCount())
	require.NoError(t, alloc.Validate())
}

func TestReleasedNeighborsCoalesceBeforeGrowth(t *testing.T) {
	mem, alloc := readyAllocator(t, 1<<16)

	first, err := alloc.Reserve(4000)
	require.NoError(t, err)
	second, err := alloc.Reserve(4000)
	require.NoError(t, err)
	require.Equal(t, 2, mem.Grows())

	alloc.Release(first)
	alloc.Release(second)
	require.Equal(t, 1, alloc.FreeBlockCount())
	require.Equal(t, []blockInfo{{Offset: 16, Size: 8176, Free: true}}, heapBlocks(t, alloc))

	third, err := alloc.Reserve(4000)
	require.NoError(t, err)
	require.Equal(t, first, third)
	require.Equal(t, 2, mem.Grows())
	require.NoError(t, alloc.Validate())
}

func TestGrowthMergesWithTrailingFreeBlock(t *testing.T) {
	mem, alloc := readyAllocator(t, 1<<16)

	_, err := alloc.Reserve(4000)
	require.NoError(t, err)
	require.Equal(t, []blockInfo{
		{Offset: 16, Size: 4008},
		{Offset: 4024, Size: 72, Free: true},
	}, heapBlocks(t, alloc))

	p, err := alloc.Reserve(4000)
	require.NoError(t, err)
	require.Equal(t, block.Ptr(4024), p)
	require.Equal(t, 8192, mem.High())
	require.Equal(t, []blockInfo{
		{Offset: 16, Size: 4008},
		{Offset: 4024, Size: 4008},
		{Offset: 8032, Size: 160, Free: true},
	}, heapBlocks(t, alloc))
}

func TestCoalesceCases(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	ptrs := make([]block.Ptr, 6)
	for i := range ptrs {
		var err error
		ptrs[i], err = alloc.Reserve(100)
		require.NoError(t, err)
	}
	require.Equal(t, 1, alloc.FreeBlockCount())

	// neither neighbor free
	alloc.Release(ptrs[1])
	require.Equal(t, 2, alloc.FreeBlockCount())

	// left neighbor free
	alloc.Release(ptrs[2])
	require.Equal(t, 2, alloc.FreeBlockCount())

	// right neighbor free
	alloc.Release(ptrs[0])
	require.Equal(t, 2, alloc.FreeBlockCount())
	blocks := heapBlocks(t, alloc)
	require.Equal(t, blockInfo{Offset: ptrs[0], Size: 3 * 112, Free: true}, blocks[0])

	// both neighbors free
	alloc.Release(ptrs[4])
	require.Equal(t, 3, alloc.FreeBlockCount())
	alloc.Release(ptrs[3])
	require.Equal(t, 2, alloc.FreeBlockCount())

	alloc.Release(ptrs[5])
	require.Equal(t, 1, alloc.FreeBlockCount())
	require.Equal(t, []blockInfo{{Offset: 16, Size: 4080, Free: true}}, heapBlocks(t, alloc))
	require.NoError(t, alloc.Validate())
}

func TestReleaseNilIsNoop(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	alloc.Release(block.Nil)
	require.Equal(t, 1, alloc.FreeBlockCount())
}

func TestInvalidReleasePanics(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	p, err := alloc.Reserve(64)
	require.NoError(t, err)
	clear(alloc.Payload(p))

	requireInvalidRelease(t, func() { alloc.Release(block.Ptr(8)) })
	requireInvalidRelease(t, func() { alloc.Release(p + 3) })
	requireInvalidRelease(t, func() { alloc.Release(p + 16) })
	requireInvalidRelease(t, func() { alloc.Release(block.Ptr(alloc.HeapSize())) })
	requireInvalidRelease(t, func() { alloc.Release(block.Ptr(1 << 20)) })

	alloc.Release(p)
	requireInvalidRelease(t, func() { alloc.Release(p) })
	require.NoError(t, alloc.Validate())

	mem, err := region.NewMemory(1<<16, 0)
	require.NoError(t, err)
	fresh, err := allocator.New(nil, mem, allocator.CreateOptions{})
	require.NoError(t, err)
	requireInvalidRelease(t, func() { fresh.Release(block.Ptr(16)) })
}

func TestResizePreservesContents(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	p, err := alloc.Reserve(24)
	require.NoError(t, err)
	payload := alloc.Payload(p)
	for i := 0; i < 24; i++ {
		payload[i] = byte(i + 1)
	}

	grown, err := alloc.Resize(p, 200)
	require.NoError(t, err)
	require.NotEqual(t, p, grown)
	require.GreaterOrEqual(t, alloc.PayloadSize(grown), 200)
	for i := 0; i < 24; i++ {
		require.Equal(t, byte(i+1), alloc.Payload(grown)[i])
	}
	requireInvalidRelease(t, func() { alloc.Payload(p) })

	shrunk, err := alloc.Resize(grown, 10)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.Equal(t, byte(i+1), alloc.Payload(shrunk)[i])
	}

	require.Equal(t, 1, alloc.ReservedBlockCount())
	require.NoError(t, alloc.Validate())
}

func TestResizeToZeroReleases(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	p, err := alloc.Reserve(64)
	require.NoError(t, err)

	resized, err := alloc.Resize(p, 0)
	require.NoError(t, err)
	require.Equal(t, block.Nil, resized)
	require.Equal(t, 0, alloc.ReservedBlockCount())
	require.Equal(t, 1, alloc.FreeBlockCount())
	requireInvalidRelease(t, func() { alloc.Release(p) })
}

func TestResizeNilReserves(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	p, err := alloc.Resize(block.Nil, 48)
	require.NoError(t, err)
	require.Equal(t, block.Ptr(16), p)
	require.Equal(t, 1, alloc.ReservedBlockCount())
}

func TestResizeFailureLeavesBlockUntouched(t *testing.T) {
	_, alloc := readyAllocator(t, allocator.DefaultChunkSize)

	p, err := alloc.Reserve(100)
	require.NoError(t, err)
	payload := alloc.Payload(p)
	for i := range payload {
		payload[i] = 0x5A
	}
	before := heapBlocks(t, alloc)

	resized, err := alloc.Resize(p, 8000)
	require.Equal(t, block.Nil, resized)
	require.True(t, errors.Is(err, memheap.ErrOutOfMemory))

	require.Equal(t, before, heapBlocks(t, alloc))
	for _, b := range alloc.Payload(p) {
		require.Equal(t, byte(0x5A), b)
	}
	require.Equal(t, 1, alloc.ReservedBlockCount())
	require.NoError(t, alloc.Validate())
}

func TestReserveOutOfMemory(t *testing.T) {
	mem, alloc := readyAllocator(t, 2*allocator.DefaultChunkSize)
	before := heapBlocks(t, alloc)

	p, err := alloc.Reserve(5000)
	require.Equal(t, block.Nil, p)
	require.True(t, errors.Is(err, memheap.ErrOutOfMemory))
	require.True(t, errors.Is(err, region.ErrLimitExceeded))

	require.Equal(t, before, heapBlocks(t, alloc))
	require.Equal(t, 1, mem.Grows())
	require.Equal(t, 1, alloc.FreeBlockCount())
	require.Equal(t, 0, alloc.ReservedBlockCount())
	require.NoError(t, alloc.Validate())

	// Smaller requests still succeed afterwards
	p, err = alloc.Reserve(3000)
	require.NoError(t, err)
	require.NotEqual(t, block.Nil, p)
}

func TestReserveRejectsBadSizes(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	_, err := alloc.Reserve(-1)
	require.True(t, errors.Is(err, memheap.ErrInvalidSize))

	_, err = alloc.Reserve(block.MaxPayload + 1)
	require.True(t, errors.Is(err, memheap.ErrOutOfMemory))

	_, err = alloc.ReserveZeroed(-1, 4)
	require.True(t, errors.Is(err, memheap.ErrInvalidSize))

	require.Equal(t, 0, alloc.ReservedBlockCount())
}

func TestReserveZeroed(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	dirty, err := alloc.Reserve(40)
	require.NoError(t, err)
	payload := alloc.Payload(dirty)
	for i := range payload {
		payload[i] = 0xFF
	}
	alloc.Release(dirty)

	p, err := alloc.ReserveZeroed(10, 4)
	require.NoError(t, err)
	require.Equal(t, dirty, p)
	require.GreaterOrEqual(t, alloc.PayloadSize(p), 40)
	for _, b := range alloc.Payload(p) {
		require.Equal(t, byte(0), b)
	}
}

func TestReserveZeroedOverflow(t *testing.T) {
	_, alloc := readyAllocator(t, 1<<16)

	p, err := alloc.ReserveZeroed(math.MaxInt, 2)
	require.Equal(t, block.Nil, p)
	require.True(t, errors.Is(err, memheap.ErrSizeOverflow))

	p, err = alloc.ReserveZeroed(1<<40, 1<<40)
	require.Equal(t, block.Nil, p)
	require.True(t, errors.Is(err, memheap.ErrSizeOverflow))

	p, err = alloc.ReserveZeroed(0, 16)
	require.NoError(t, err)
	require.Equal(t, block.Nil, p)

	require.Equal(t, 0, alloc.ReservedBlockCount())
	require.Equal(t, 1, alloc.FreeBlockCount())
}
