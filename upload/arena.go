package upload

import (
	"unsafe"

	"github.com/gfxutils/staging/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

type span struct {
	Offset int
	Size   int
}

// arenaMetadata manages suballocations within a single buffer object using bump
// allocation: offsets only ever move forward and individual allocations are never
// freed. Reclaiming space means clearing the whole arena.
type arenaMetadata struct {
	size   int
	cursor int

	spans      []span
	allocBytes int
}

// Init prepares this structure for allocations and sizes the arena in bytes based on
// the parameter size.
func (m *arenaMetadata) Init(size int) {
	m.size = size
	m.cursor = 0
	m.spans = m.spans[:0]
	m.allocBytes = 0
}

// Size returns the size of the arena in bytes
func (m *arenaMetadata) Size() int { return m.size }

// SumFreeSize returns the number of bytes remaining past the cursor. Padding bytes
// skipped for alignment are not counted as free- they can never be handed out again.
func (m *arenaMetadata) SumFreeSize() int { return m.size - m.cursor }

// AllocationCount returns the number of suballocations made from this arena since it
// was initialized or last cleared.
func (m *arenaMetadata) AllocationCount() int { return len(m.spans) }

// IsEmpty will return true if this arena has no live suballocations
func (m *arenaMetadata) IsEmpty() bool { return len(m.spans) == 0 }

// Alloc reserves size bytes at the next cursor position aligned up to alignment.
// It returns the offset of the reserved range and true on success, or false if the
// aligned range does not fit in the remaining space. The arena is unchanged on
// failure.
func (m *arenaMetadata) Alloc(size int, alignment uint) (int, bool) {
	if size <= 0 {
		panic("arena allocations must have a positive size")
	}
	memutils.DebugCheckPow2(alignment, "allocation alignment")

	offset := memutils.AlignUp(m.cursor, alignment)
	if offset+size+memutils.DebugMargin > m.size {
		return 0, false
	}

	m.cursor = offset + size + memutils.DebugMargin
	m.spans = append(m.spans, span{Offset: offset, Size: size})
	m.allocBytes += size
	return offset, true
}

// Clear instantly frees all suballocations and resets the cursor to 0.
func (m *arenaMetadata) Clear() {
	m.cursor = 0
	m.spans = m.spans[:0]
	m.allocBytes = 0
}

// Validate performs internal consistency checks on the metadata. When the arena is
// functioning correctly it should not be possible for this method to return an error.
func (m *arenaMetadata) Validate() error {
	if m.cursor < 0 || m.cursor > m.size {
		return errors.Errorf("arena cursor %d is outside the arena's %d bytes", m.cursor, m.size)
	}

	var lastEnd, sumAllocBytes int
	for spanIndex, s := range m.spans {
		if s.Size <= 0 {
			return errors.Errorf("suballocation at index %d has invalid size %d", spanIndex, s.Size)
		}
		if s.Offset < lastEnd {
			return errors.Errorf("suballocation at index %d has offset %d- this collides with the previous suballocation ending at %d", spanIndex, s.Offset, lastEnd)
		}
		lastEnd = s.Offset + s.Size + memutils.DebugMargin
		sumAllocBytes += s.Size
	}

	if lastEnd > m.cursor {
		return errors.Errorf("the final suballocation ends at %d, past the arena cursor %d", lastEnd, m.cursor)
	}
	if sumAllocBytes != m.allocBytes {
		return errors.Errorf("suballocations sum to %d bytes, but the arena has recorded %d allocated bytes", sumAllocBytes, m.allocBytes)
	}

	return nil
}

// CheckCorruption accepts a pointer to the underlying memory this arena manages and
// verifies the anti-corruption markers written after each suballocation. It only does
// useful work when built with the debug_mem_utils tag; see memutils.WriteMagicValue.
func (m *arenaMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for _, s := range m.spans {
		if !memutils.ValidateMagicValue(blockData, s.Offset+s.Size) {
			return errors.New("MEMORY CORRUPTION DETECTED AFTER VALIDATED ALLOCATION!")
		}
	}

	return nil
}

// AddDetailedStatistics sums this arena's allocation statistics into the statistics
// currently present in the provided memutils.DetailedStatistics object.
func (m *arenaMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BufferObjectCount++
	stats.BufferObjectBytes += m.size

	for _, s := range m.spans {
		stats.AddAllocation(s.Size)
	}

	if m.cursor < m.size {
		stats.AddUnusedRange(m.size - m.cursor)
	}
}

// AddStatistics sums this arena's allocation statistics into the statistics currently
// present in the provided memutils.Statistics object.
func (m *arenaMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BufferObjectCount++
	stats.BufferObjectBytes += m.size
	stats.AllocationCount += len(m.spans)
	stats.AllocationBytes += m.allocBytes
}

// BlockJsonData populates a json object with information about this arena
func (m *arenaMetadata) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.size - m.allocBytes)
	json.Name("Allocations").Int(len(m.spans))
	json.Name("Cursor").Int(m.cursor)
}
