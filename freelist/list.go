package freelist

import (
	"fmt"

	"github.com/vkngwrapper/arsenal/memheap/block"
)

// List is a doubly linked list of free blocks threaded through the blocks' own payloads.
// New entries always go to the head, so traversal order is most-recently-freed first.
type List struct {
	memory *block.Memory
	head   block.Ptr
}

// New creates an empty List over memory. The pointer is followed on every operation, so the
// owner may replace the view after the region grows.
func New(memory *block.Memory) *List {
	return &List{memory: memory}
}

func (l *List) Head() block.Ptr { return l.head }

func (l *List) IsEmpty() bool { return l.head == block.Nil }

// Reset forgets every entry without touching the blocks themselves
func (l *List) Reset() {
	l.head = block.Nil
}

// InsertAtHead links the free block at p in front of the current head. p must not already be
// in the list: the caller tracks membership, and only re-inserting the current head is
// detected here. Any other duplicate turns the list into a cycle.
func (l *List) InsertAtHead(p block.Ptr) {
	if p == l.head {
		panic(fmt.Sprintf("block at offset %d is already the head of the free list", p))
	}

	links := l.memory.Links(p)
	links.SetPrev(block.Nil)
	links.SetNext(l.head)

	if l.head != block.Nil {
		l.memory.Links(l.head).SetPrev(p)
	}
	l.head = p
}

// Remove unlinks the free block at p from wherever it sits in the list
func (l *List) Remove(p block.Ptr) {
	links := l.memory.Links(p)
	prev, next := links.Prev(), links.Next()

	if prev != block.Nil {
		l.memory.Links(prev).SetNext(next)
	} else {
		if l.head != p {
			panic(fmt.Sprintf("block at offset %d has no previous entry but is not the head of the free list", p))
		}
		l.head = next
	}

	if next != block.Nil {
		l.memory.Links(next).SetPrev(prev)
	}

	links.SetPrev(block.Nil)
	links.SetNext(block.Nil)
}

// FirstFit returns the first block, in list order, of at least size bytes, or block.Nil
func (l *List) FirstFit(size int) block.Ptr {
	for p := l.head; p != block.Nil; p = l.memory.Links(p).Next() {
		if l.memory.Size(p) >= size {
			return p
		}
	}

	return block.Nil
}

// Walk calls visit for each entry from the head onward, stopping at the first error
func (l *List) Walk(visit func(p block.Ptr) error) error {
	for p := l.head; p != block.Nil; {
		err := visit(p)
		if err != nil {
			return err
		}

		p = l.memory.Links(p).Next()
	}

	return nil
}
