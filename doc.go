// Package memheap holds the pieces shared by the explicit free-list heap allocator: alignment
// helpers, sentinel errors, statistics, and the debug hooks that are compiled in with the
// debug_mem_heap build tag.
//
// The allocator itself lives in the allocator package. It manages a single growable region
// (see the region package), lays out self-describing blocks with boundary tags inside it
// (see the block package), and tracks unused blocks in a doubly linked free list (see the
// freelist package).
//
// The trace package parses malloc lab allocation traces and replays them against a heap while
// checking every block it receives, and cmd/mdriver wraps that in a command line driver.
//
// Building with -tags debug_mem_heap causes the allocator to run its full consistency check
// after every operation and to poison payloads as they are reserved and released. Without the
// tag those hooks compile away.
package memheap
