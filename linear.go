package tvma

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/internal/utils"
	"github.com/vkngwrapper/tvma/internal/vulkan"
	"github.com/vkngwrapper/tvma/memutils"
	"golang.org/x/exp/slog"
)

const (
	// A linear chunk with less than this much room left behind its bump offset is exhausted.
	// Lines smaller than 16MiB use a sixteenth of the line instead.
	linearExhaustedThreshold uint64 = 1 << 20
	// Maximum number of chunks that are still being bump-allocated from
	linearMaxActiveChunks = 4
)

type linearChunk struct {
	id        uint64
	memory    *vulkan.DeviceMemory
	offset    uint64
	allocated uint64
	live      int
	exhausted bool
	// offset -> size of every live block
	blocks *swiss.Map[uint64, uint64]
}

func (c *linearChunk) alloc(size, alignMask, chunkSize uint64) (uint64, bool) {
	aligned, ok := memutils.AlignUp(alignMask, c.offset)
	if !ok {
		return 0, false
	}

	// Zero-sized blocks still take a byte so every live block has its own offset
	footprint := size
	if footprint == 0 {
		footprint = 1
	}

	end := aligned + footprint
	if end < aligned || end > chunkSize {
		return 0, false
	}

	c.offset = end
	c.allocated += size
	c.live++
	c.blocks.Put(aligned, size)
	return aligned, true
}

// linearAllocator bump-allocates from a handful of active chunks. Chunks are never reused:
// once a chunk's remaining room falls below a threshold it is retired, and each chunk's
// native memory object is freed as soon as its last block is deallocated.
type linearAllocator struct {
	mutex           utils.OptionalMutex
	logger          *slog.Logger
	deviceMemory    *vulkan.DeviceMemoryProperties
	memoryTypeIndex int
	flags           core1_0.MemoryPropertyFlags

	chunkSize          uint64
	exhaustedThreshold uint64

	nextChunkID uint64
	// Chunks still accepting allocations, oldest first
	active []*linearChunk
	// Every chunk that holds at least one live block, active or retired
	chunks *swiss.Map[uint64, *linearChunk]
}

func newLinearAllocator(
	useMutex bool,
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryProperties,
	memoryTypeIndex int,
	chunkSize uint64,
) *linearAllocator {
	// A fixed 1MiB would retire every small line on its first allocation
	threshold := linearExhaustedThreshold
	if chunkSize/16 < threshold {
		threshold = chunkSize / 16
	}

	return &linearAllocator{
		mutex:              utils.OptionalMutex{UseMutex: useMutex},
		logger:             logger,
		deviceMemory:       deviceMemory,
		memoryTypeIndex:    memoryTypeIndex,
		flags:              deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags,
		chunkSize:          chunkSize,
		exhaustedThreshold: threshold,
		chunks:             swiss.NewMap[uint64, *linearChunk](linearMaxActiveChunks * 2),
	}
}

// CanAllocate returns true if a request is no larger than half a chunk
func (l *linearAllocator) CanAllocate(size, alignMask uint64) bool {
	return l.chunkSize > 0 && size <= l.chunkSize/2
}

func (l *linearAllocator) isExhausted(chunk *linearChunk) bool {
	return l.chunkSize-chunk.offset < l.exhaustedThreshold
}

func (l *linearAllocator) makeBlock(chunk *linearChunk, offset, size uint64) Block {
	return Block{
		memory:          chunk.memory.Memory,
		memorySize:      chunk.memory.Size,
		offset:          offset,
		size:            size,
		ptr:             offsetPointer(chunk.memory.MappedData, offset),
		flags:           l.flags,
		memoryTypeIndex: l.memoryTypeIndex,
		kind:            BlockKindLinear,
		chunk:           chunk.id,
	}
}

// retire moves the first count active chunks out of the active list
func (l *linearAllocator) retire(count int) {
	for _, chunk := range l.active[:count] {
		chunk.exhausted = true
	}

	remaining := copy(l.active, l.active[count:])
	for i := remaining; i < len(l.active); i++ {
		l.active[i] = nil
	}
	l.active = l.active[:remaining]
}

func (l *linearAllocator) retireExhaustedPrefix() {
	count := 0
	for count < len(l.active) && l.isExhausted(l.active[count]) {
		count++
	}

	if count > 0 {
		l.retire(count)
	}
}

func (l *linearAllocator) Alloc(size, alignMask uint64) (Block, bool) {
	if !l.CanAllocate(size, alignMask) {
		return Block{}, false
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()
	defer memutils.DebugValidate(l)

	for index, chunk := range l.active {
		offset, ok := chunk.alloc(size, alignMask, l.chunkSize)
		if !ok {
			continue
		}

		block := l.makeBlock(chunk, offset, size)

		// Bump allocation fills the oldest chunks first
		if index == 0 {
			l.retireExhaustedPrefix()
		}

		return block, true
	}

	memory, res, err := l.deviceMemory.AllocateDeviceMemory(l.memoryTypeIndex, l.chunkSize)
	if err != nil {
		l.logger.Debug("    linearAllocator::Alloc new chunk FAILED",
			slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
			slog.String("ChunkSize", humanize.IBytes(l.chunkSize)),
			slog.Any("Result", res),
		)
		return Block{}, false
	}

	chunk := &linearChunk{
		id:     l.nextChunkID,
		memory: memory,
		blocks: swiss.NewMap[uint64, uint64](8),
	}
	l.nextChunkID++

	// The chunk is fresh and the size was checked against the chunk size, and offset 0
	// satisfies any alignment
	offset, _ := chunk.alloc(size, alignMask, l.chunkSize)
	block := l.makeBlock(chunk, offset, size)

	l.chunks.Put(chunk.id, chunk)
	l.active = append(l.active, chunk)
	if len(l.active) > linearMaxActiveChunks {
		l.retire(len(l.active) - linearMaxActiveChunks)
	}

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created linear chunk",
		slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
		slog.Uint64("chunk.id", chunk.id),
	)

	return block, true
}

func (l *linearAllocator) Dealloc(block *Block) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	defer memutils.DebugValidate(l)

	chunk, ok := l.chunks.Get(block.chunk)
	if !ok {
		return errors.Wrapf(ErrDoubleFree, "linear chunk %d in memory type %d has already been released", block.chunk, l.memoryTypeIndex)
	}

	if chunk.memory.Memory != block.memory || block.End() > chunk.offset {
		return errors.Wrapf(ErrForeignBlock, "block [%d, %d) does not belong to linear chunk %d", block.offset, block.End(), chunk.id)
	}

	size, live := chunk.blocks.Get(block.offset)
	if !live {
		return errors.Wrapf(ErrDoubleFree, "linear chunk %d has no live block at offset %d", chunk.id, block.offset)
	}
	if size != block.size {
		return errors.Wrapf(ErrForeignBlock, "linear chunk %d holds a %d byte block at offset %d, not %d bytes", chunk.id, size, block.offset, block.size)
	}

	chunk.blocks.Delete(block.offset)
	chunk.allocated -= block.size
	chunk.live--

	if chunk.live == 0 {
		l.releaseChunk(chunk)
	}

	return nil
}

func (l *linearAllocator) releaseChunk(chunk *linearChunk) {
	if !chunk.exhausted {
		for index, active := range l.active {
			if active == chunk {
				l.active = append(l.active[:index], l.active[index+1:]...)
				break
			}
		}
	}

	l.chunks.Delete(chunk.id)
	l.deviceMemory.FreeDeviceMemory(l.memoryTypeIndex, chunk.memory)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Released linear chunk",
		slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
		slog.Uint64("chunk.id", chunk.id),
	)
}

// Destroy frees every chunk that still holds blocks and returns the number of leaked blocks
func (l *linearAllocator) Destroy() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	var leaked int
	l.chunks.Iter(func(id uint64, chunk *linearChunk) bool {
		leaked += chunk.live
		l.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] linear chunk still holds blocks",
			slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
			slog.Uint64("chunk.id", id),
			slog.Int("Blocks", chunk.live),
			slog.String("Allocated", humanize.IBytes(chunk.allocated)),
		)
		l.deviceMemory.FreeDeviceMemory(l.memoryTypeIndex, chunk.memory)
		return false
	})

	l.chunks.Clear()
	l.active = nil

	return leaked
}

func (l *linearAllocator) sortedChunks() []*linearChunk {
	chunks := make([]*linearChunk, 0, l.chunks.Count())
	l.chunks.Iter(func(_ uint64, chunk *linearChunk) bool {
		chunks = append(chunks, chunk)
		return false
	})

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].id < chunks[j].id
	})
	return chunks
}

func (l *linearAllocator) Validate() error {
	activeCount := 0
	for index, chunk := range l.active {
		if chunk.exhausted {
			return errors.Newf("active linear chunk %d at position %d is marked exhausted", chunk.id, index)
		}
		if stored, ok := l.chunks.Get(chunk.id); !ok || stored != chunk {
			return errors.Newf("active linear chunk %d is missing from the chunk map", chunk.id)
		}
		activeCount++
	}

	if activeCount > linearMaxActiveChunks {
		return errors.Newf("%d active linear chunks exceeds the maximum of %d", activeCount, linearMaxActiveChunks)
	}

	var err error
	exhaustedCount := 0
	l.chunks.Iter(func(id uint64, chunk *linearChunk) bool {
		switch {
		case chunk.live <= 0:
			err = errors.Newf("linear chunk %d is held with no live blocks", id)
		case chunk.offset > l.chunkSize:
			err = errors.Newf("linear chunk %d offset %d exceeds chunk size %d", id, chunk.offset, l.chunkSize)
		case chunk.allocated > chunk.offset:
			err = errors.Newf("linear chunk %d has %d bytes allocated but only %d bytes bumped", id, chunk.allocated, chunk.offset)
		case chunk.blocks.Count() != chunk.live:
			err = errors.Newf("linear chunk %d tracks %d blocks but counts %d live", id, chunk.blocks.Count(), chunk.live)
		}
		if chunk.exhausted {
			exhaustedCount++
		}
		return err != nil
	})
	if err != nil {
		return err
	}

	if activeCount+exhaustedCount != l.chunks.Count() {
		return errors.Newf("%d active and %d exhausted linear chunks do not add up to %d held chunks", activeCount, exhaustedCount, l.chunks.Count())
	}

	return nil
}

func (l *linearAllocator) printDetailedStats(obj *jwriter.ObjectState) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	obj.Name("ChunkSize").String(humanize.IBytes(l.chunkSize))

	chunks := obj.Name("Chunks").Array()
	defer chunks.End()

	for _, chunk := range l.sortedChunks() {
		o := chunks.Object()
		o.Name("Id").Int(int(chunk.id))
		o.Name("Offset").Int(int(chunk.offset))
		o.Name("Allocated").Int(int(chunk.allocated))
		o.Name("Blocks").Int(chunk.live)
		o.Name("Exhausted").Bool(chunk.exhausted)
		o.End()
	}
}
