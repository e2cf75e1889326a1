package region

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memheap"
)

// ErrLimitExceeded is returned from Memory.Grow when the request would take the region past
// its fixed limit
var ErrLimitExceeded = errors.New("region limit exceeded")

// DefaultGranularity is the growth granularity used by NewMemory when none is specified
const DefaultGranularity = int(memheap.Alignment)

// Memory is a Region backed by a single slice whose capacity is fixed at creation, in the
// manner of a simulated sbrk. Because the backing array never moves, slices of it stay valid
// across growth.
type Memory struct {
	data        []byte
	granularity int

	grows   int
	granted int
}

var _ Region = &Memory{}

// NewMemory creates an empty Memory region that can grow to at most limit bytes.
//
// granularity - every growth is rounded up to a multiple of this many bytes. It must be a
// power of two no smaller than memheap.Alignment. Zero selects DefaultGranularity.
func NewMemory(limit int, granularity int) (*Memory, error) {
	if granularity == 0 {
		granularity = DefaultGranularity
	}

	err := memheap.CheckPow2(granularity, "granularity")
	if err != nil {
		return nil, err
	}

	if granularity < int(memheap.Alignment) {
		return nil, errors.Newf("granularity is %d, but must be at least %d", granularity, memheap.Alignment)
	}

	if limit < 0 || limit%granularity != 0 {
		return nil, errors.Newf("limit %d must be a non-negative multiple of the granularity %d", limit, granularity)
	}

	return &Memory{
		data:        make([]byte, 0, limit),
		granularity: granularity,
	}, nil
}

func (m *Memory) Grow(minBytes int) (int, error) {
	if minBytes < 0 {
		return -1, errors.Newf("cannot grow by a negative amount: %d", minBytes)
	}

	size := memheap.AlignUp(minBytes, uint(m.granularity))
	start := len(m.data)
	if size > cap(m.data)-start {
		return -1, errors.Wrapf(ErrLimitExceeded, "growing by %d bytes with %d of %d bytes in use", size, start, cap(m.data))
	}

	m.data = m.data[:start+size]
	m.grows++
	m.granted += size

	return start, nil
}

func (m *Memory) Reset() {
	clear(m.data)
	m.data = m.data[:0]
	m.grows = 0
	m.granted = 0
}

func (m *Memory) Low() int { return 0 }

func (m *Memory) High() int { return len(m.data) }

func (m *Memory) Bytes() []byte { return m.data }

// Limit is the largest size in bytes the region may grow to
func (m *Memory) Limit() int { return cap(m.data) }

// Granularity is the unit every growth request is rounded up to
func (m *Memory) Granularity() int { return m.granularity }

// Grows is the number of successful Grow calls since creation or the last Reset
func (m *Memory) Grows() int { return m.grows }

// Granted is the number of bytes handed out by Grow since creation or the last Reset
func (m *Memory) Granted() int { return m.granted }
