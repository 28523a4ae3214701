package upload

import (
	"context"
	"unsafe"

	"github.com/gfxutils/staging/memutils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// uploadBuffer pairs one backing BufferObject with the bump metadata that carves
// suballocations out of it.
type uploadBuffer struct {
	id     int
	bo     BufferObject
	meta   arenaMetadata
	logger *slog.Logger
}

func (b *uploadBuffer) Init(logger *slog.Logger, bo BufferObject, id int) {
	if b.bo != nil {
		panic("attempting to initialize an upload buffer that is already in use")
	}

	b.id = id
	b.bo = bo
	b.logger = logger
	b.meta.Init(bo.Size())
}

func (b *uploadBuffer) Destroy(allocator BufferObjectAllocator) error {
	if b.bo == nil {
		panic("attempting to destroy an upload buffer that has no backing buffer object")
	}

	if !b.meta.IsEmpty() {
		b.logger.LogAttrs(context.Background(), slog.LevelDebug,
			"releasing upload buffer with live transfers",
			slog.Int("id", b.id),
			slog.Int("allocations", b.meta.AllocationCount()),
		)
	}

	err := allocator.DestroyBufferObject(b.bo)
	if err != nil {
		return errors.Wrapf(err, "destroying buffer object for upload buffer %d", b.id)
	}

	b.bo = nil
	b.meta.Clear()
	return nil
}

// bytes returns the CPU-visible window over [offset, offset+size) of the backing
// buffer object.
func (b *uploadBuffer) bytes(offset, size int) []byte {
	ptr := unsafe.Add(b.bo.CPUPointer(), offset)
	return unsafe.Slice((*byte)(ptr), size)
}

// gpuAddress translates a byte offset in this buffer into the GPU address space.
func (b *uploadBuffer) gpuAddress(offset int) GPUAddress {
	return b.bo.GPUAddress() + GPUAddress(offset)
}

func (b *uploadBuffer) Validate() error {
	if b.bo == nil {
		return errors.New("no valid buffer object for this upload buffer")
	}
	if b.meta.Size() != b.bo.Size() {
		return errors.Errorf("upload buffer metadata claims %d bytes, but the buffer object has %d", b.meta.Size(), b.bo.Size())
	}

	return b.meta.Validate()
}

func (b *uploadBuffer) CheckCorruption() error {
	return b.meta.CheckCorruption(b.bo.CPUPointer())
}

func (b *uploadBuffer) writeMagicBlockAfterAllocation(allocOffset, allocSize int) {
	if memutils.DebugMargin == 0 {
		return
	}

	memutils.WriteMagicValue(b.bo.CPUPointer(), allocOffset+allocSize)
}
