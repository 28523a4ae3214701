package upload

import (
	"context"

	"github.com/gfxutils/staging/internal/utils"
	"github.com/gfxutils/staging/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// Pool is a bump allocator over a growing sequence of GPU-visible buffer objects.
// It hands out correctly aligned sub-regions of its backing storage, transparently
// creating a new buffer object when the active one is exhausted, and never frees
// individual allocations- space is reclaimed in bulk with Reset or Destroy.
//
// A Pool is not safe for concurrent use from multiple goroutines unless it was
// created with PoolCreateSynchronized.
type Pool struct {
	logger    *slog.Logger
	allocator BufferObjectAllocator
	mutex     utils.OptionalRWMutex

	name         string
	chunkSize    int
	minAlignment uint

	buffers      []*uploadBuffer
	nextBufferID int
	destroyed    bool
}

// Name returns the diagnostic name assigned to this pool.
func (p *Pool) Name() string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return p.name
}

// SetName assigns a diagnostic name to this pool, included in stats output.
func (p *Pool) SetName(name string) {
	p.logger.Debug("Pool::SetName")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.name = name
}

// BufferObjectCount returns the number of backing buffer objects the pool currently
// owns.
func (p *Pool) BufferObjectCount() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return len(p.buffers)
}

// AllocAligned reserves size bytes at the requested byte alignment from the active
// buffer object, growing the pool when the aligned request does not fit. It returns
// a Transfer exposing the reserved range from both address spaces. alignment must be
// a power of two.
//
// On failure the pool is unchanged: either the allocation fully succeeds or no
// allocation state is exposed at all.
func (p *Pool) AllocAligned(size int, alignment uint) (Transfer, error) {
	p.logger.Debug("Pool::AllocAligned")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.allocAligned(size, alignment)
}

func (p *Pool) allocAligned(size int, alignment uint) (Transfer, error) {
	if p.destroyed {
		return Transfer{}, errors.New("attempted to allocate from a destroyed pool")
	}
	if size <= 0 {
		return Transfer{}, errors.Errorf("allocation size must be greater than 0, but was %d", size)
	}
	err := memutils.CheckPow2(alignment, "allocation alignment")
	if err != nil {
		return Transfer{}, err
	}
	if alignment < p.minAlignment {
		alignment = p.minAlignment
	}

	memutils.DebugValidate(p)

	active := p.activeBuffer()
	if active != nil {
		offset, ok := active.meta.Alloc(size, alignment)
		if ok {
			active.writeMagicBlockAfterAllocation(offset, size)
			return Transfer{buffer: active, offset: offset, size: size}, nil
		}
	}

	active, err = p.grow(size)
	if err != nil {
		return Transfer{}, err
	}

	offset, ok := active.meta.Alloc(size, alignment)
	if !ok {
		// A fresh buffer is sized to fit the request at offset 0
		panic("a newly created buffer object could not fit the allocation it was sized for")
	}

	active.writeMagicBlockAfterAllocation(offset, size)
	return Transfer{buffer: active, offset: offset, size: size}, nil
}

// grow appends a new buffer object large enough for a request of the given size and
// makes it the active buffer.
func (p *Pool) grow(size int) (*uploadBuffer, error) {
	bufferSize := p.chunkSize
	if size+memutils.DebugMargin > bufferSize {
		bufferSize = size + memutils.DebugMargin
	}

	bo, err := p.allocator.CreateBufferObject(bufferSize)
	if err != nil {
		return nil, errors.Wrapf(err, "creating a %d-byte backing buffer object", bufferSize)
	}

	buffer := &uploadBuffer{}
	buffer.Init(p.logger, bo, p.nextBufferID)
	p.nextBufferID++
	p.buffers = append(p.buffers, buffer)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "pool grew by one buffer object",
		slog.Int("id", buffer.id),
		slog.Int("size", bufferSize),
		slog.Int("bufferObjects", len(p.buffers)),
	)

	return buffer, nil
}

func (p *Pool) activeBuffer() *uploadBuffer {
	if len(p.buffers) == 0 {
		return nil
	}
	return p.buffers[len(p.buffers)-1]
}

// UploadAligned copies data into a freshly allocated sub-region with the requested
// byte alignment and returns the GPU-addressable handle for it. The source slice and
// the pool's memory must not overlap.
func (p *Pool) UploadAligned(data []byte, alignment uint) (GPUAddress, error) {
	p.logger.Debug("Pool::UploadAligned")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	transfer, err := p.allocAligned(len(data), alignment)
	if err != nil {
		return NullGPUAddress, err
	}

	copy(transfer.Bytes(), data)
	return transfer.GPUAddress(), nil
}

// Upload copies data into a freshly allocated sub-region and returns the
// GPU-addressable handle for it. The allocation is naturally aligned: its alignment
// is the smallest power of two that fits len(data). This suits the common case of
// uploading power-of-two-sized descriptors, which must not straddle cache or
// GPU-access boundaries.
func (p *Pool) Upload(data []byte) (GPUAddress, error) {
	p.logger.Debug("Pool::Upload")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	transfer, err := p.allocAligned(len(data), uint(memutils.NextPow2(len(data))))
	if err != nil {
		return NullGPUAddress, err
	}

	copy(transfer.Bytes(), data)
	return transfer.GPUAddress(), nil
}

// Reset releases every backing buffer object back to the allocator and restarts the
// pool from empty. All Transfers handed out before the reset become invalid.
func (p *Pool) Reset() error {
	p.logger.Debug("Pool::Reset")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.releaseBuffers()
}

func (p *Pool) releaseBuffers() error {
	var firstErr error
	for _, buffer := range p.buffers {
		err := buffer.Destroy(p.allocator)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.buffers = nil
	return firstErr
}

// Destroy releases every backing buffer object and poisons the pool against further
// use. Allocating from a destroyed pool returns an error.
func (p *Pool) Destroy() error {
	p.logger.Debug("Pool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.destroyed {
		return errors.New("attempted to destroy a pool that was already destroyed")
	}

	p.destroyed = true
	return p.releaseBuffers()
}

// Validate performs internal consistency checks on the pool and every buffer object
// it owns.
func (p *Pool) Validate() error {
	for bufferIndex, buffer := range p.buffers {
		err := buffer.Validate()
		if err != nil {
			return errors.Wrapf(err, "upload buffer at index %d failed validation", bufferIndex)
		}

		if bufferIndex != len(p.buffers)-1 && buffer.meta.IsEmpty() {
			return errors.Errorf("upload buffer at index %d is empty, but only the active buffer may be empty", bufferIndex)
		}
	}

	return nil
}

// CheckCorruption verifies the anti-corruption markers written after each allocation
// in every buffer object. It only does useful work when the module is built with the
// debug_mem_utils tag, but is expensive regardless, so it should only be called as
// part of a diagnostic regime.
func (p *Pool) CheckCorruption() error {
	p.logger.Debug("Pool::CheckCorruption")

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if memutils.DebugMargin == 0 {
		return nil
	}

	for _, buffer := range p.buffers {
		err := buffer.CheckCorruption()
		if err != nil {
			return err
		}
	}

	return nil
}

// Stats sums basic counters for this pool into the provided memutils.Statistics
// object.
func (p *Pool) Stats(stats *memutils.Statistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, buffer := range p.buffers {
		buffer.meta.AddStatistics(stats)
	}
}

// AddDetailedStatistics sums detailed counters for this pool into the provided
// memutils.DetailedStatistics object. This walks every allocation in every buffer
// object.
func (p *Pool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, buffer := range p.buffers {
		buffer.meta.AddDetailedStatistics(stats)
	}
}

// BuildStatsJSON writes a json object describing the pool and each of its buffer
// objects to the provided writer.
func (p *Pool) BuildStatsJSON(writer *jwriter.Writer) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	obj := writer.Object()
	if p.name != "" {
		obj.Name("Name").String(p.name)
	}
	obj.Name("ChunkSize").Int(p.chunkSize)

	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, buffer := range p.buffers {
		buffer.meta.AddDetailedStatistics(&stats)
	}

	totals := obj.Name("Totals").Object()
	totals.Name("BufferObjects").Int(stats.BufferObjectCount)
	totals.Name("BufferObjectBytes").Int(stats.BufferObjectBytes)
	totals.Name("Allocations").Int(stats.AllocationCount)
	totals.Name("AllocationBytes").Int(stats.AllocationBytes)
	totals.End()

	buffersArray := obj.Name("BufferObjects").Array()
	for _, buffer := range p.buffers {
		bufferObj := buffersArray.Object()
		bufferObj.Name("Id").Int(buffer.id)
		buffer.meta.BlockJsonData(bufferObj)
		bufferObj.End()
	}
	buffersArray.End()

	obj.End()
}
