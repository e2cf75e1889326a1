package memheap

import "github.com/pkg/errors"

var (
	// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
	PowerOfTwoError error = errors.New("number must be a power of two")

	// ErrOutOfMemory is returned when a request cannot be satisfied because the managed region
	// could not be grown any further
	ErrOutOfMemory error = errors.New("out of memory")
	// ErrInvalidRelease is the cause of the panic raised when releasing an address that is not a
	// currently-reserved block
	ErrInvalidRelease error = errors.New("address is not a reserved block")
	// ErrSizeOverflow is returned when the byte count of a zeroed reservation does not fit in an int
	ErrSizeOverflow error = errors.New("requested size overflows")
	// ErrInvalidSize is returned when a negative size is requested
	ErrInvalidSize error = errors.New("requested size is negative")
	// ErrHeapCorrupted marks every error produced by heap validation
	ErrHeapCorrupted error = errors.New("heap is corrupted")
)
