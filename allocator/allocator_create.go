package allocator

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/block"
	"github.com/vkngwrapper/arsenal/memheap/freelist"
	"github.com/vkngwrapper/arsenal/memheap/region"
	"golang.org/x/exp/slog"
)

const (
	// DefaultChunkSize is the value that is used as the ChunkSize when none is provided
	// via CreateOptions. It is equal to 4Kb.
	DefaultChunkSize int = 1 << 12

	// sentinelSize is the padding word, the prologue block and the epilogue header
	sentinelSize int = block.WordSize + block.DoubleWordSize + block.WordSize

	// MaxHeapSize is the largest region a heap can span. Past it, the free space left by merging
	// every block could no longer be described by a single block's markers.
	MaxHeapSize int = block.MaxSize + sentinelSize
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// ChunkSize is the minimum number of bytes requested from the region whenever no free block
	// can satisfy a reservation. It must be a multiple of memheap.Alignment.
	ChunkSize int
	// InitialSize is the number of bytes requested from the region by Init, sentinels included.
	// It must be a multiple of memheap.Alignment large enough to hold the sentinels and one
	// minimum-sized block. Defaults to ChunkSize.
	InitialSize int
}

// New creates a new Allocator over the provided region. The heap is laid out lazily on the
// first reservation, or explicitly with Init.
//
// logger - Receives debug output about heap growth. slog.Default() is used if nil.
//
// heapRegion - The memory the heap lives in. The allocator takes ownership of it: Init resets it.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, heapRegion region.Region, options CreateOptions) (*Allocator, error) {
	if heapRegion == nil {
		return nil, errors.New("a region must be provided")
	}

	if logger == nil {
		logger = slog.Default()
	}

	chunkSize := options.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 || !memheap.IsAligned(chunkSize, memheap.Alignment) {
		return nil, errors.Newf("CreateOptions.ChunkSize is %d, but must be a positive multiple of %d", chunkSize, memheap.Alignment)
	}

	initialSize := options.InitialSize
	if initialSize == 0 {
		initialSize = chunkSize
	}
	if !memheap.IsAligned(initialSize, memheap.Alignment) || initialSize < sentinelSize+block.MinSize ||
		initialSize > MaxHeapSize {
		return nil, errors.Newf("CreateOptions.InitialSize is %d, but must be a multiple of %d between %d and %d",
			initialSize, memheap.Alignment, sentinelSize+block.MinSize, MaxHeapSize)
	}

	allocator := &Allocator{
		logger:      logger,
		region:      heapRegion,
		chunkSize:   chunkSize,
		initialSize: initialSize,
		maxHeapSize: MaxHeapSize,
	}
	allocator.free = freelist.New(&allocator.memory)

	return allocator, nil
}

// Init lays out an empty heap: the region is reset, then grown once to hold the padding word,
// the prologue, a single free block and the epilogue. Calling Init again discards every
// existing block and starts over.
func (a *Allocator) Init() error {
	a.initialized = false
	a.region.Reset()
	a.free.Reset()
	a.freeBlocks = 0
	a.reservedBlocks = 0
	a.refresh()

	start, err := a.region.Grow(a.initialSize)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to lay out the initial heap"), memheap.ErrOutOfMemory)
	}
	a.refresh()

	if start != a.region.Low() {
		return errors.Newf("the region's first growth started at offset %d rather than its low bound %d", start, a.region.Low())
	}
	if a.HeapSize() > a.maxHeapSize {
		return errors.Newf("the region's first growth produced %d bytes, more than the largest heap of %d bytes",
			a.HeapSize(), a.maxHeapSize)
	}

	a.memory.PutWord(start, 0)
	a.prologue = block.Ptr(start + block.DoubleWordSize)
	a.memory.SetTags(a.prologue, block.DoubleWordSize, true)

	first := a.firstBlock()
	a.memory.SetTags(first, a.region.High()-int(first), false)
	a.writeEpilogue()

	a.freeBlocks++
	a.free.InsertAtHead(first)
	a.initialized = true

	a.logger.Debug("Allocator::Init",
		slog.Int("RegionBytes", a.region.High()-a.region.Low()),
		slog.Int("FreeBlockSize", a.memory.Size(first)))

	memheap.DebugValidate(a)
	return nil
}

func (a *Allocator) ensureInit() error {
	if a.initialized {
		return nil
	}

	return a.Init()
}
