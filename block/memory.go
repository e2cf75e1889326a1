package block

import (
	"encoding/binary"
	"fmt"
)

// Memory is a view over the bytes of a managed region. Every accessor addresses blocks by
// payload offset and goes through ordinary slice bounds checks.
type Memory []byte

// Word reads the marker word at offset off
func (m Memory) Word(off int) uint32 {
	return binary.LittleEndian.Uint32(m[off : off+WordSize])
}

// PutWord writes a marker word at offset off
func (m Memory) PutWord(off int, word uint32) {
	binary.LittleEndian.PutUint32(m[off:off+WordSize], word)
}

func (m Memory) Header(p Ptr) uint32 {
	return m.Word(HeaderOffset(p))
}

func (m Memory) Footer(p Ptr) uint32 {
	return m.Word(m.FooterOffset(p))
}

// FooterOffset is the region offset of the footer of the block at p, derived from its header
func (m Memory) FooterOffset(p Ptr) int {
	return int(p) + m.Size(p) - DoubleWordSize
}

func (m Memory) Size(p Ptr) int {
	return UnpackSize(m.Header(p))
}

func (m Memory) IsAllocated(p Ptr) bool {
	return UnpackAllocated(m.Header(p))
}

func (m Memory) IsFree(p Ptr) bool {
	return !m.IsAllocated(p)
}

// SetTags writes identical header and footer markers for a block of the given size at p
func (m Memory) SetTags(p Ptr, size int, allocated bool) {
	word := Pack(size, allocated)
	m.PutWord(HeaderOffset(p), word)
	m.PutWord(int(p)+size-DoubleWordSize, word)
}

// Next is the block that immediately follows p in memory
func (m Memory) Next(p Ptr) Ptr {
	return p + Ptr(m.Size(p))
}

// Prev is the block that immediately precedes p in memory. Its size is read from its footer,
// which is the word just before p's header.
func (m Memory) Prev(p Ptr) Ptr {
	return p - Ptr(UnpackSize(m.Word(int(p)-DoubleWordSize)))
}

// Payload is the reserved view of the block at p: the opaque bytes between its header and
// footer. The returned slice cannot be extended over the footer.
func (m Memory) Payload(p Ptr) []byte {
	if !m.IsAllocated(p) {
		panic(fmt.Sprintf("block at offset %d is free and has no payload view", p))
	}

	end := int(p) + m.Size(p) - Overhead
	return m[p:end:end]
}

// Links is the free view of the block at p, exposing the free-list links stored in the
// first bytes of its payload
func (m Memory) Links(p Ptr) Links {
	if m.IsAllocated(p) {
		panic(fmt.Sprintf("block at offset %d is reserved and has no free-list links", p))
	}

	return Links{memory: m, block: p}
}

// Links projects a free block's previous and next free-list entries onto its payload
type Links struct {
	memory Memory
	block  Ptr
}

func (l Links) Block() Ptr { return l.block }

func (l Links) Next() Ptr {
	return l.get(0)
}

func (l Links) Prev() Ptr {
	return l.get(LinkSize)
}

func (l Links) SetNext(next Ptr) {
	l.put(0, next)
}

func (l Links) SetPrev(prev Ptr) {
	l.put(LinkSize, prev)
}

func (l Links) get(field int) Ptr {
	off := int(l.block) + field
	return Ptr(binary.LittleEndian.Uint64(l.memory[off : off+LinkSize]))
}

func (l Links) put(field int, value Ptr) {
	off := int(l.block) + field
	binary.LittleEndian.PutUint64(l.memory[off:off+LinkSize], uint64(value))
}
