package region

//go:generate mockgen -source region.go -destination ../mocks/region.go -package mocks

// Region is one contiguous, append-only area of memory that a heap is laid out in. Offsets
// handed out by a Region index into the slice returned by Bytes.
type Region interface {
	// Grow extends the region by at least minBytes and returns the offset of the first new
	// byte, which is always the previous value of High. Implementations may round minBytes up
	// to their own growth granularity, which should stay small next to allocator.MaxHeapSize.
	// On failure the region is left unchanged.
	Grow(minBytes int) (int, error)
	// Reset shrinks the region back to zero bytes
	Reset()
	// Low is the offset of the first byte of the region
	Low() int
	// High is the offset one past the last byte of the region
	High() int
	// Bytes returns the region's contents, indexed by offset. The returned slice must be
	// fetched again after Grow or Reset.
	Bytes() []byte
}
