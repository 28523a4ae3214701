package upload

import (
	"github.com/gfxutils/staging/memutils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// DefaultChunkSize is the size in bytes of the buffer objects a Pool creates when
// it grows, unless PoolCreateInfo.ChunkSize overrides it.
const DefaultChunkSize = 4096

// PoolCreateInfo specifies the behavior of a new Pool.
type PoolCreateInfo struct {
	// Allocator is the buffer-object system backing this pool. Required.
	Allocator BufferObjectAllocator
	// Logger receives structured diagnostics from the pool. When nil, slog.Default()
	// is used.
	Logger *slog.Logger

	Flags PoolCreateFlags
	// Name is an optional diagnostic name included in stats output.
	Name string

	// ChunkSize is the size in bytes of each backing buffer object the pool creates
	// when it grows. Requests larger than ChunkSize get a dedicated, right-sized
	// buffer object. When 0, DefaultChunkSize is used.
	ChunkSize int
	// MinAllocationAlignment raises the alignment of every allocation made from this
	// pool to at least this value. Must be 0 or a power of two.
	MinAllocationAlignment uint
}

// New creates a Pool that suballocates GPU-visible memory from buffer objects
// provided by info.Allocator.
func New(info PoolCreateInfo) (*Pool, error) {
	if info.Allocator == nil {
		return nil, errors.New("pools require a buffer object allocator, but none was provided")
	}
	if info.ChunkSize < 0 {
		return nil, errors.Errorf("invalid pool chunk size %d", info.ChunkSize)
	}
	if info.MinAllocationAlignment != 0 {
		err := memutils.CheckPow2(info.MinAllocationAlignment, "PoolCreateInfo.MinAllocationAlignment")
		if err != nil {
			return nil, err
		}
	}

	logger := info.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chunkSize := info.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}

	minAlignment := info.MinAllocationAlignment
	if minAlignment == 0 {
		minAlignment = 1
	}

	pool := &Pool{
		logger:       logger,
		allocator:    info.Allocator,
		name:         info.Name,
		chunkSize:    chunkSize,
		minAlignment: minAlignment,
	}
	pool.mutex.UseMutex = info.Flags&PoolCreateSynchronized != 0

	return pool, nil
}
