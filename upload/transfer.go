package upload

// Transfer is a non-owning view of a single pool allocation: the same sub-region of
// a buffer object seen from the CPU and GPU address spaces. The underlying memory
// remains owned by the Pool, and the view is only valid until the Pool is reset or
// destroyed.
type Transfer struct {
	buffer *uploadBuffer
	offset int
	size   int
}

// Bytes returns the CPU-writable window for this allocation. Writes land in memory
// the GPU can see at GPUAddress().
func (t Transfer) Bytes() []byte {
	return t.buffer.bytes(t.offset, t.size)
}

// GPUAddress returns the GPU-addressable handle for the first byte of this allocation.
func (t Transfer) GPUAddress() GPUAddress {
	return t.buffer.gpuAddress(t.offset)
}

// Offset returns the byte offset of this allocation within its buffer object.
func (t Transfer) Offset() int {
	return t.offset
}

// Size returns the size of this allocation in bytes.
func (t Transfer) Size() int {
	return t.size
}
