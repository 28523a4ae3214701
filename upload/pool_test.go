package upload_test

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/gfxutils/staging/memutils"
	"github.com/gfxutils/staging/upload"
	"github.com/gfxutils/staging/upload/hostmem"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func createPool(t *testing.T, info upload.PoolCreateInfo) (*upload.Pool, *hostmem.Allocator) {
	allocator := hostmem.New(nil)
	info.Allocator = allocator

	pool, err := upload.New(info)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = pool.Destroy()
		require.Equal(t, 0, allocator.Leaked())
	})

	return pool, allocator
}

func TestPoolAllocAlignment(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	sizes := []int{1, 3, 17, 100, 256, 1000}
	alignments := []uint{1, 2, 8, 16, 64, 256}

	for _, size := range sizes {
		for _, alignment := range alignments {
			transfer, err := pool.AllocAligned(size, alignment)
			require.NoError(t, err)
			require.Zero(t, transfer.Offset()%int(alignment))
			require.Equal(t, size, transfer.Size())
			require.Len(t, transfer.Bytes(), size)
			require.NotEqual(t, upload.NullGPUAddress, transfer.GPUAddress())
		}
	}
}

func TestPoolSequentialAllocsStayInOneBuffer(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	first, err := pool.AllocAligned(100, 16)
	require.NoError(t, err)
	require.Equal(t, 0, first.Offset())
	require.Equal(t, 1, pool.BufferObjectCount())

	second, err := pool.AllocAligned(100, 16)
	require.NoError(t, err)
	require.Equal(t, 1, pool.BufferObjectCount())
	require.GreaterOrEqual(t, second.Offset(), 112)
}

func TestPoolOverflowCreatesOneBuffer(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	_, err := pool.AllocAligned(4000, 16)
	require.NoError(t, err)
	require.Equal(t, 1, pool.BufferObjectCount())

	// 4000 padded to 16 plus 200 exceeds the 4096-byte chunk
	transfer, err := pool.AllocAligned(200, 16)
	require.NoError(t, err)
	require.Equal(t, 2, pool.BufferObjectCount())
	require.Equal(t, 0, transfer.Offset())
}

func TestPoolOversizedAllocation(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	transfer, err := pool.AllocAligned(10000, 16)
	require.NoError(t, err)
	require.Equal(t, 1, pool.BufferObjectCount())
	require.Equal(t, 0, transfer.Offset())
	require.Len(t, transfer.Bytes(), 10000)
}

func TestPoolUploadRoundTrip(t *testing.T) {
	pool, allocator := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i * 7)
	}

	address, err := pool.Upload(data)
	require.NoError(t, err)
	require.NotEqual(t, upload.NullGPUAddress, address)

	view, err := allocator.HostView(address, len(data))
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, view))

	var stats memutils.Statistics
	pool.Stats(&stats)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 300, stats.AllocationBytes)
}

func TestPoolUploadContents(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	data := []byte("the quick brown fox jumps over the lazy dog")
	transfer, err := pool.AllocAligned(len(data), 1)
	require.NoError(t, err)

	copy(transfer.Bytes(), data)
	require.True(t, bytes.Equal(data, transfer.Bytes()))
}

func TestPoolUploadMatchesUploadAligned(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})
	alignedPool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	data := make([]byte, 256)
	for i := 0; i < 5; i++ {
		address, err := pool.Upload(data)
		require.NoError(t, err)

		alignedAddress, err := alignedPool.UploadAligned(data, 256)
		require.NoError(t, err)

		// Natural alignment equals explicit alignment-equals-size for pow2 sizes,
		// so both pools place allocations at the same offsets
		require.Equal(t, address&255, alignedAddress&255)
		require.Zero(t, address%256)
	}
}

func TestPoolGPUAddressMatchesOffset(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	first, err := pool.AllocAligned(64, 1)
	require.NoError(t, err)

	second, err := pool.AllocAligned(64, 1)
	require.NoError(t, err)

	// Same buffer object, so GPU addresses differ by exactly the offset delta
	require.Equal(t, 1, pool.BufferObjectCount())
	require.Equal(t,
		int(second.GPUAddress()-first.GPUAddress()),
		second.Offset()-first.Offset())
}

func TestPoolInvalidRequests(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	_, err := pool.AllocAligned(0, 16)
	require.Error(t, err)

	_, err = pool.AllocAligned(-5, 16)
	require.Error(t, err)

	_, err = pool.AllocAligned(16, 3)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	require.Equal(t, 0, pool.BufferObjectCount())
}

func TestPoolBackingAllocationFailure(t *testing.T) {
	pool, allocator := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	allocator.FailAfter(0)
	_, err := pool.AllocAligned(100, 16)
	require.Error(t, err)

	// The failed allocation left no partial state behind
	require.Equal(t, 0, pool.BufferObjectCount())
	var stats memutils.Statistics
	pool.Stats(&stats)
	require.Equal(t, 0, stats.AllocationCount)

	allocator.FailAfter(-1)
	_, err = pool.AllocAligned(100, 16)
	require.NoError(t, err)
	require.Equal(t, 1, pool.BufferObjectCount())
}

func TestPoolGrowthFailureKeepsActiveBuffer(t *testing.T) {
	pool, allocator := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	_, err := pool.AllocAligned(4000, 16)
	require.NoError(t, err)

	allocator.FailAfter(0)
	_, err = pool.AllocAligned(200, 16)
	require.Error(t, err)
	require.Equal(t, 1, pool.BufferObjectCount())

	// Requests that still fit in the active buffer keep succeeding
	_, err = pool.AllocAligned(32, 16)
	require.NoError(t, err)
}

func TestPoolReset(t *testing.T) {
	pool, allocator := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	for i := 0; i < 40; i++ {
		_, err := pool.AllocAligned(500, 16)
		require.NoError(t, err)
	}
	require.Greater(t, pool.BufferObjectCount(), 1)

	require.NoError(t, pool.Reset())
	require.Equal(t, 0, pool.BufferObjectCount())
	require.Equal(t, 0, allocator.Leaked())

	// The pool remains usable after a reset
	transfer, err := pool.AllocAligned(100, 16)
	require.NoError(t, err)
	require.Equal(t, 0, transfer.Offset())
}

func TestPoolDestroy(t *testing.T) {
	allocator := hostmem.New(nil)
	pool, err := upload.New(upload.PoolCreateInfo{Allocator: allocator, ChunkSize: 4096})
	require.NoError(t, err)

	_, err = pool.AllocAligned(100, 16)
	require.NoError(t, err)

	require.NoError(t, pool.Destroy())
	require.Equal(t, 0, allocator.Leaked())

	_, err = pool.AllocAligned(100, 16)
	require.Error(t, err)
	_, err = pool.Upload([]byte{1, 2, 3})
	require.Error(t, err)
	require.Error(t, pool.Destroy())
}

func TestPoolMinAllocationAlignment(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{
		ChunkSize:              4096,
		MinAllocationAlignment: 64,
	})

	_, err := pool.AllocAligned(10, 1)
	require.NoError(t, err)

	transfer, err := pool.AllocAligned(10, 1)
	require.NoError(t, err)
	require.Zero(t, transfer.Offset()%64)
}

func TestPoolCreateValidation(t *testing.T) {
	_, err := upload.New(upload.PoolCreateInfo{})
	require.Error(t, err)

	_, err = upload.New(upload.PoolCreateInfo{
		Allocator: hostmem.New(nil),
		ChunkSize: -1,
	})
	require.Error(t, err)

	_, err = upload.New(upload.PoolCreateInfo{
		Allocator:              hostmem.New(nil),
		MinAllocationAlignment: 48,
	})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
}

func TestPoolSynchronized(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{
		ChunkSize: 4096,
		Flags:     upload.PoolCreateSynchronized,
	})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			data := bytes.Repeat([]byte{byte(worker)}, 128)
			for i := 0; i < 100; i++ {
				_, err := pool.UploadAligned(data, 16)
				require.NoError(t, err)
			}
		}(worker)
	}
	wg.Wait()

	var stats memutils.Statistics
	pool.Stats(&stats)
	require.Equal(t, 800, stats.AllocationCount)
	require.Equal(t, 800*128, stats.AllocationBytes)
}

func TestPoolStatsJSON(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096, Name: "test-pool"})

	for i := 0; i < 10; i++ {
		_, err := pool.AllocAligned(1000, 16)
		require.NoError(t, err)
	}

	writer := jwriter.NewWriter()
	pool.BuildStatsJSON(&writer)
	require.NoError(t, writer.Error())

	var decoded struct {
		Name      string
		ChunkSize int
		Totals    struct {
			BufferObjects     int
			BufferObjectBytes int
			Allocations       int
			AllocationBytes   int
		}
		BufferObjects []struct {
			Id         int
			TotalBytes int
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &decoded))

	require.Equal(t, "test-pool", decoded.Name)
	require.Equal(t, 4096, decoded.ChunkSize)
	require.Equal(t, 10, decoded.Totals.Allocations)
	require.Equal(t, 10000, decoded.Totals.AllocationBytes)
	require.Equal(t, pool.BufferObjectCount(), decoded.Totals.BufferObjects)
	require.Len(t, decoded.BufferObjects, pool.BufferObjectCount())
}

func TestPoolDetailedStatistics(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	_, err := pool.AllocAligned(100, 1)
	require.NoError(t, err)
	_, err = pool.AllocAligned(500, 1)
	require.NoError(t, err)

	var stats memutils.DetailedStatistics
	stats.Clear()
	pool.AddDetailedStatistics(&stats)

	require.Equal(t, 1, stats.BufferObjectCount)
	require.Equal(t, 4096, stats.BufferObjectBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 600, stats.AllocationBytes)
	require.Equal(t, 100, stats.AllocationSizeMin)
	require.Equal(t, 500, stats.AllocationSizeMax)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 4096-600, stats.UnusedRangeSizeMax)
}

func TestPoolCheckCorruption(t *testing.T) {
	pool, _ := createPool(t, upload.PoolCreateInfo{ChunkSize: 4096})

	_, err := pool.Upload(make([]byte, 128))
	require.NoError(t, err)

	require.NoError(t, pool.CheckCorruption())
}
