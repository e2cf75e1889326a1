package block

import (
	"fmt"
	"math"

	"github.com/vkngwrapper/arsenal/memheap"
)

// Ptr is the offset of a block's payload within the managed region. Offset zero is always
// the region's padding word and never a payload, so the zero value doubles as a null address.
type Ptr int

// Nil is the null address returned for zero-byte and failed requests
const Nil Ptr = 0

const (
	// WordSize is the width of a header or footer marker
	WordSize = 4
	// DoubleWordSize is the distance from a payload back to the previous block's footer
	DoubleWordSize = 2 * WordSize
	// LinkSize is the width of one free-list link stored in a free block's payload
	LinkSize = 8
	// Overhead is the number of bytes of each block taken up by its header and footer
	Overhead = 2 * WordSize
	// MinPayload is the smallest payload a block can have, large enough to hold both free-list links
	MinPayload = 2 * LinkSize
	// MinSize is the smallest block, header and footer included
	MinSize = (MinPayload + Overhead + int(memheap.Alignment) - 1) &^ (int(memheap.Alignment) - 1)
	// MaxSize is the largest supported block size
	MaxSize = math.MaxInt32 &^ flagMask
	// MaxPayload is the largest request that still fits in a single block
	MaxPayload = MaxSize - Overhead

	flagMask     = int(memheap.Alignment) - 1
	allocatedBit = 0x1
)

// Pack combines a block size and its allocation state into a single marker word. It panics
// if size is negative or larger than MaxSize.
func Pack(size int, allocated bool) uint32 {
	if size < 0 || size > MaxSize {
		panic(fmt.Sprintf("block size %d does not fit in a marker word", size))
	}

	word := uint32(size)
	if allocated {
		word |= allocatedBit
	}
	return word
}

// UnpackSize retrieves the block size from a marker word
func UnpackSize(word uint32) int {
	return int(word &^ uint32(flagMask))
}

// UnpackAllocated retrieves the allocation state from a marker word
func UnpackAllocated(word uint32) bool {
	return word&allocatedBit != 0
}

// AdjustedSize is the size of the block needed to satisfy a request for payloadSize bytes
func AdjustedSize(payloadSize int) int {
	return memheap.AlignUp(max(payloadSize, MinPayload)+Overhead, memheap.Alignment)
}

// HeaderOffset is the region offset of the header of the block whose payload starts at p
func HeaderOffset(p Ptr) int {
	return int(p) - WordSize
}
