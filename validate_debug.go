//go:build debug_mem_heap

package memheap

const (
	// DebugEnabled reports whether the debug_mem_heap build tag is present
	DebugEnabled bool = true

	// ReservedPattern is written across fresh payloads so reads of uninitialized memory stand out
	ReservedPattern uint8 = 0xCD
	// ReleasedPattern is written across released payloads so use-after-release stands out
	ReleasedPattern uint8 = 0xDD
)

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_heap build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugFill overwrites every byte of data with pattern.
// This method no-ops unless the debug_mem_heap build tag is present.
func DebugFill(data []byte, pattern uint8) {
	for i := range data {
		data[i] = pattern
	}
}
