package upload

import "unsafe"

// GPUAddress is an opaque handle that GPU-side commands can use to address a region
// of pool memory. It lives in a separate address space from the CPU mapping of the
// same bytes; for any one BufferObject the two address spaces differ by a fixed
// translation. The zero value is the null address and never refers to live memory.
type GPUAddress uint64

// NullGPUAddress is the GPUAddress value that refers to no memory.
const NullGPUAddress GPUAddress = 0

// BufferObject is a block of memory that is simultaneously mapped for CPU writes
// and addressable by the GPU. The pool carves its allocations out of these blocks
// and owns them exclusively- nothing else may write to a BufferObject's memory
// while the owning pool has outstanding allocations in it.
type BufferObject interface {
	// CPUPointer returns the base of the CPU-visible mapping of this buffer object.
	// The pointer remains valid until the buffer object is destroyed.
	CPUPointer() unsafe.Pointer
	// GPUAddress returns the GPU-addressable handle for byte 0 of this buffer object.
	// The handle for offset n is GPUAddress() + n.
	GPUAddress() GPUAddress
	// Size returns the size of this buffer object in bytes.
	Size() int
}

// BufferObjectAllocator creates and destroys the BufferObjects backing a Pool. It
// stands in for whatever device memory system the consumer actually has- a kernel
// driver's BO interface, a Vulkan device, or plain host memory for tests.
//
// CreateBufferObject failures are treated as fatal by the pool: the error is wrapped
// and returned to the caller without any retry. Retry or backpressure policy, if
// any, belongs to the implementation or to the pool's caller.
type BufferObjectAllocator interface {
	CreateBufferObject(size int) (BufferObject, error)
	DestroyBufferObject(bo BufferObject) error
}
