package memheap

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func TestStatisticsUtilization(t *testing.T) {
	var stats Statistics
	require.Equal(t, float64(0), stats.Utilization())

	stats.AddStatistics(&Statistics{RegionBytes: 1024, BlockCount: 3, AllocationCount: 2, AllocationBytes: 256})
	stats.AddStatistics(&Statistics{RegionBytes: 1024, BlockCount: 1, AllocationCount: 1, AllocationBytes: 256})

	require.Equal(t, Statistics{RegionBytes: 2048, BlockCount: 4, AllocationCount: 3, AllocationBytes: 512}, stats)
	require.InDelta(t, 0.25, stats.Utilization(), 1e-9)
	require.Equal(t, "3/4 blocks reserved, 512 B of 2.0 KiB in use (25.0%)", stats.String())

	stats.Clear()
	require.Equal(t, Statistics{}, stats)
}

func TestDetailedStatistics(t *testing.T) {
	var stats DetailedStatistics
	stats.Clear()
	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, math.MaxInt, stats.FreeBlockSizeMin)

	stats.AddAllocation(32)
	stats.AddAllocation(112)
	stats.AddFreeBlock(3000)

	var other DetailedStatistics
	other.Clear()
	other.AddAllocation(24)
	other.AddFreeBlock(48)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, 5, stats.BlockCount)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 168, stats.AllocationBytes)
	require.Equal(t, 2, stats.FreeBlockCount)
	require.Equal(t, 24, stats.AllocationSizeMin)
	require.Equal(t, 112, stats.AllocationSizeMax)
	require.Equal(t, 48, stats.FreeBlockSizeMin)
	require.Equal(t, 3000, stats.FreeBlockSizeMax)
}

func TestStatisticsPrintJson(t *testing.T) {
	stats := Statistics{RegionBytes: 4096, BlockCount: 2, AllocationCount: 1, AllocationBytes: 112}

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.PrintJson(obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{"RegionBytes":4096,"BlockCount":2,"AllocationCount":1,"AllocationBytes":112}`, string(writer.Bytes()))
}
