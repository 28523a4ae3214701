// Package hostmem provides an upload.BufferObjectAllocator backed by plain host
// memory. Buffer objects are heap allocations and GPU addresses are synthesized
// from a per-allocator cursor, so the package is suitable for tests, benchmarks,
// and software pipelines- anywhere the CPU plays the part of the device.
package hostmem

import (
	"context"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/gfxutils/staging/memutils"
	"github.com/gfxutils/staging/upload"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// addressSpaceBase keeps synthesized GPU addresses away from the null address.
const addressSpaceBase upload.GPUAddress = 0x100000

// handleGranularity pads each buffer object's handle range so that neighboring
// buffer objects never share a 4k page of the synthesized address space.
const handleGranularity = 4096

type bufferObject struct {
	backing []byte
	address upload.GPUAddress
}

func (b *bufferObject) CPUPointer() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b.backing))
}

func (b *bufferObject) GPUAddress() upload.GPUAddress {
	return b.address
}

func (b *bufferObject) Size() int {
	return len(b.backing)
}

// Allocator creates host-memory buffer objects. It tracks every live buffer object
// by its synthesized GPU address, so leaks and double-destroys are detectable.
//
// Allocator is not safe for concurrent use, matching the pools it backs.
type Allocator struct {
	logger *slog.Logger

	live        *swiss.Map[upload.GPUAddress, *bufferObject]
	nextAddress upload.GPUAddress

	created   int
	failAfter int
}

var _ upload.BufferObjectAllocator = &Allocator{}

// New creates an Allocator. When logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Allocator{
		logger:      logger,
		live:        swiss.NewMap[upload.GPUAddress, *bufferObject](42),
		nextAddress: addressSpaceBase,
		failAfter:   -1,
	}
}

// FailAfter makes the allocator fail every CreateBufferObject call after the next
// count successful ones, emulating device memory exhaustion. Pass a negative count
// to disable failure injection.
func (a *Allocator) FailAfter(count int) {
	a.failAfter = count
}

func (a *Allocator) CreateBufferObject(size int) (upload.BufferObject, error) {
	if size <= 0 {
		return nil, errors.Errorf("buffer objects must have a positive size, but %d was requested", size)
	}
	if a.failAfter >= 0 && a.created >= a.failAfter {
		return nil, errors.New("out of device memory")
	}

	bo := &bufferObject{
		backing: make([]byte, size),
		address: a.nextAddress,
	}
	a.nextAddress += upload.GPUAddress(memutils.AlignUp(size, handleGranularity) + handleGranularity)
	a.created++
	a.live.Put(bo.address, bo)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "created host buffer object",
		slog.Int("size", size),
		slog.Uint64("address", uint64(bo.address)),
	)

	return bo, nil
}

func (a *Allocator) DestroyBufferObject(bo upload.BufferObject) error {
	hostBO, ok := bo.(*bufferObject)
	if !ok {
		return errors.New("attempted to destroy a buffer object that did not come from this allocator")
	}

	_, ok = a.live.Get(hostBO.address)
	if !ok {
		return errors.Errorf("attempted to destroy an unknown or already-destroyed buffer object at address %#x", uint64(hostBO.address))
	}

	a.live.Delete(hostBO.address)
	hostBO.backing = nil
	return nil
}

// HostView translates a GPU address range back into the CPU-visible bytes behind
// it, for consumers (software pipelines, tests) that read uploaded data on the
// host. The range must lie entirely within one live buffer object.
func (a *Allocator) HostView(address upload.GPUAddress, size int) ([]byte, error) {
	var view []byte
	a.live.Iter(func(base upload.GPUAddress, bo *bufferObject) bool {
		if address >= base && address+upload.GPUAddress(size) <= base+upload.GPUAddress(len(bo.backing)) {
			offset := int(address - base)
			view = bo.backing[offset : offset+size]
			return true
		}
		return false
	})

	if view == nil {
		return nil, errors.Errorf("no live buffer object contains the %d-byte range at address %#x", size, uint64(address))
	}
	return view, nil
}

// Leaked returns the number of buffer objects that have been created but not yet
// destroyed.
func (a *Allocator) Leaked() int {
	return a.live.Count()
}
