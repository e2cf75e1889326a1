package memheap

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes the blocks of one or more heaps
type Statistics struct {
	// RegionBytes is the number of bytes granted by the growth primitive, sentinels included
	RegionBytes int
	// BlockCount is the number of user blocks, free or reserved
	BlockCount int
	// AllocationCount is the number of reserved blocks
	AllocationCount int
	// AllocationBytes is the sum of the sizes of reserved blocks, header and footer included
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.RegionBytes = 0
	s.BlockCount = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionBytes += other.RegionBytes
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// Utilization is the fraction of the region occupied by reserved blocks
func (s *Statistics) Utilization() float64 {
	if s.RegionBytes == 0 {
		return 0
	}

	return float64(s.AllocationBytes) / float64(s.RegionBytes)
}

func (s *Statistics) String() string {
	return fmt.Sprintf("%d/%d blocks reserved, %s of %s in use (%.1f%%)",
		s.AllocationCount, s.BlockCount,
		humanize.IBytes(uint64(s.AllocationBytes)), humanize.IBytes(uint64(s.RegionBytes)),
		s.Utilization()*100)
}

// PrintJson writes the statistics as a json object
func (s *Statistics) PrintJson(json jwriter.ObjectState) {
	json.Name("RegionBytes").Int(s.RegionBytes)
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
}

type DetailedStatistics struct {
	Statistics
	FreeBlockCount    int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeBlockSizeMin  int
	FreeBlockSizeMax  int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeBlockCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeBlockSizeMin = math.MaxInt
	s.FreeBlockSizeMax = 0
}

func (s *DetailedStatistics) AddFreeBlock(size int) {
	s.BlockCount++
	s.FreeBlockCount++

	if size < s.FreeBlockSizeMin {
		s.FreeBlockSizeMin = size
	}

	if size > s.FreeBlockSizeMax {
		s.FreeBlockSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.BlockCount++
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeBlockCount += other.FreeBlockCount

	if other.FreeBlockSizeMin < s.FreeBlockSizeMin {
		s.FreeBlockSizeMin = other.FreeBlockSizeMin
	}

	if other.FreeBlockSizeMax > s.FreeBlockSizeMax {
		s.FreeBlockSizeMax = other.FreeBlockSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
