package tvma

import (
	"context"
	"math/bits"
	"sort"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/internal/utils"
	"github.com/vkngwrapper/tvma/internal/vulkan"
	"github.com/vkngwrapper/tvma/memutils"
	"github.com/vkngwrapper/tvma/memutils/bitset"
	"golang.org/x/exp/slog"
)

const (
	minChunkLen uint64 = 8
	maxChunkLen uint64 = 64

	// parent of a chunk that owns its native memory object
	dedicatedParent = -1
)

func midChunkLen(counter uint64) uint64 {
	length := counter / 2
	if length < minChunkLen {
		length = minChunkLen
	} else if length > maxChunkLen {
		length = maxChunkLen
	}
	return memutils.NextPow2(length)
}

func slotMask(slots uint64) uint64 {
	if slots >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<slots - 1
}

// chunkedChunk is a run of equally sized slots. Its memory is either a whole native memory
// object or a single slot of a larger size class.
type chunkedChunk struct {
	memory *vulkan.DeviceMemory
	offset uint64
	size   uint64
	ptr    unsafe.Pointer
	slots  uint64
	// Bit n is set while slot n is free
	free uint64
	// Index of the chunk holding this chunk's memory within the size class of this chunk's
	// size, or dedicatedParent
	parent int
}

type rawBlock struct {
	memory *vulkan.DeviceMemory
	offset uint64
	ptr    unsafe.Pointer
	chunk  int
}

// sizeEntry is one size class: every chunk whose slots are exactly one size
type sizeEntry struct {
	counter     uint64
	unexhausted bitset.BitSet
	chunks      []*chunkedChunk
	vacant      []int
	live        int
}

func (e *sizeEntry) alloc(blockSize uint64) (rawBlock, bool) {
	index, ok := e.unexhausted.First()
	if !ok {
		return rawBlock{}, false
	}

	chunk := e.chunks[index]
	slot := uint64(bits.TrailingZeros64(chunk.free))
	chunk.free &^= uint64(1) << slot
	if chunk.free == 0 {
		e.unexhausted.Unset(index)
	}
	e.counter++

	blockOffset := slot * blockSize
	return rawBlock{
		memory: chunk.memory,
		offset: chunk.offset + blockOffset,
		ptr:    offsetPointer(chunk.ptr, blockOffset),
		chunk:  index,
	}, true
}

// addChunk registers a new chunk built on backing memory and grants its first slot
func (e *sizeEntry) addChunk(backing rawBlock, parent int, chunkSize, blockSize uint64) rawBlock {
	slots := chunkSize / blockSize
	if slots < minChunkLen || slots > maxChunkLen {
		panic(errors.AssertionFailedf("chunk of %d bytes holds %d slots of %d bytes", chunkSize, slots, blockSize))
	}

	chunk := &chunkedChunk{
		memory: backing.memory,
		offset: backing.offset,
		size:   chunkSize,
		ptr:    backing.ptr,
		slots:  slots,
		free:   slotMask(slots) &^ 1,
		parent: parent,
	}

	var index int
	if len(e.vacant) > 0 {
		index = e.vacant[len(e.vacant)-1]
		e.vacant = e.vacant[:len(e.vacant)-1]
		e.chunks[index] = chunk
	} else {
		if len(e.chunks) >= bitset.MaxSize {
			panic(errors.AssertionFailedf("size class of %d bytes already holds %d chunks", blockSize, len(e.chunks)))
		}
		index = len(e.chunks)
		e.chunks = append(e.chunks, chunk)
	}
	e.live++
	e.unexhausted.Set(index)

	return rawBlock{
		memory: backing.memory,
		offset: backing.offset,
		ptr:    backing.ptr,
		chunk:  index,
	}
}

// dealloc returns a slot to its chunk. If the chunk becomes entirely free it is removed and
// returned so its own memory can be released.
func (e *sizeEntry) dealloc(memory *vulkan.DeviceMemory, offset, blockSize uint64, index int) (*chunkedChunk, error) {
	if index < 0 || index >= len(e.chunks) || e.chunks[index] == nil {
		return nil, errors.Wrapf(ErrDoubleFree, "chunk %d of the %d byte size class has already been released", index, blockSize)
	}

	chunk := e.chunks[index]
	if chunk.memory.Memory != memory.Memory || offset < chunk.offset {
		return nil, errors.Wrapf(ErrForeignBlock, "offset %d is not part of chunk %d of the %d byte size class", offset, index, blockSize)
	}

	relative := offset - chunk.offset
	slot := relative / blockSize
	if relative%blockSize != 0 || slot >= chunk.slots {
		return nil, errors.Wrapf(ErrForeignBlock, "offset %d is not a slot boundary of chunk %d of the %d byte size class", offset, index, blockSize)
	}

	bit := uint64(1) << slot
	if chunk.free&bit != 0 {
		return nil, errors.Wrapf(ErrDoubleFree, "slot %d of chunk %d of the %d byte size class is already free", slot, index, blockSize)
	}
	chunk.free |= bit

	if chunk.free != slotMask(chunk.slots) {
		e.unexhausted.Set(index)
		return nil, nil
	}

	e.unexhausted.Unset(index)
	e.chunks[index] = nil
	e.vacant = append(e.vacant, index)
	e.live--
	return chunk, nil
}

func (e *sizeEntry) blocks() int {
	var count int
	for _, chunk := range e.chunks {
		if chunk != nil {
			count += int(chunk.slots) - bits.OnesCount64(chunk.free)
		}
	}
	return count
}

// chunkedAllocator carves requests into power-of-two slot chunks, which are themselves carved
// from slots of larger size classes until a chunk is large enough to warrant its own native
// memory object. This keeps the native object count low while letting memory return to the
// device once every block within an object is released.
type chunkedAllocator struct {
	mutex           utils.OptionalMutex
	logger          *slog.Logger
	deviceMemory    *vulkan.DeviceMemoryProperties
	memoryTypeIndex int
	flags           core1_0.MemoryPropertyFlags

	deviceAllocThreshold uint64
	minBlockSize         uint64

	sizes *swiss.Map[uint64, *sizeEntry]
}

func newChunkedAllocator(
	useMutex bool,
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryProperties,
	memoryTypeIndex int,
	deviceAllocThreshold uint64,
	minBlockSize uint64,
) *chunkedAllocator {
	return &chunkedAllocator{
		mutex:                utils.OptionalMutex{UseMutex: useMutex},
		logger:               logger,
		deviceMemory:         deviceMemory,
		memoryTypeIndex:      memoryTypeIndex,
		flags:                deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags,
		deviceAllocThreshold: deviceAllocThreshold,
		minBlockSize:         minBlockSize,
		sizes:                swiss.NewMap[uint64, *sizeEntry](16),
	}
}

// slotSize is the size class used for a request: the aligned size, raised to the minimum block size
func (a *chunkedAllocator) slotSize(size, alignMask uint64) (aligned uint64, slot uint64, ok bool) {
	aligned, ok = memutils.AlignUp(alignMask, size)
	if !ok {
		return 0, 0, false
	}

	minimum, ok := memutils.AlignUp(alignMask, a.minBlockSize)
	if !ok {
		return 0, 0, false
	}

	slot = aligned
	if slot < minimum {
		slot = minimum
	}
	return aligned, slot, slot > 0
}

// CanAllocate returns true if the request is small enough to be served from chunks
func (a *chunkedAllocator) CanAllocate(size, alignMask uint64) bool {
	_, slot, ok := a.slotSize(size, alignMask)
	return ok && slot < a.deviceAllocThreshold
}

func (a *chunkedAllocator) entry(blockSize uint64) *sizeEntry {
	entry, ok := a.sizes.Get(blockSize)
	if !ok {
		entry = &sizeEntry{}
		a.sizes.Put(blockSize, entry)
	}
	return entry
}

func (a *chunkedAllocator) allocNative(chunkSize uint64) (rawBlock, bool) {
	memory, res, err := a.deviceMemory.AllocateDeviceMemory(a.memoryTypeIndex, chunkSize)
	if err != nil {
		a.logger.Debug("    chunkedAllocator::allocNative FAILED",
			slog.Int("MemoryTypeIndex", a.memoryTypeIndex),
			slog.String("ChunkSize", humanize.IBytes(chunkSize)),
			slog.Any("Result", res),
		)
		return rawBlock{}, false
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created chunked memory object",
		slog.Int("MemoryTypeIndex", a.memoryTypeIndex),
		slog.String("ChunkSize", humanize.IBytes(chunkSize)),
	)

	return rawBlock{
		memory: memory,
		ptr:    memory.MappedData,
		chunk:  dedicatedParent,
	}, true
}

// allocFromNewChunk manufactures a new chunk for the blockSize size class and grants its first
// slot. Chunk memory is taken, in order of preference, from a free slot of a nearby existing
// size class, from a new chunk manufactured for a nearby existing size class, and finally
// from a new chunk of the largest candidate size.
func (a *chunkedAllocator) allocFromNewChunk(counter, blockSize uint64) (rawBlock, bool) {
	minChunkSize := blockSize * minChunkLen

	if minChunkSize >= a.deviceAllocThreshold {
		backing, ok := a.allocNative(minChunkSize)
		if !ok {
			return rawBlock{}, false
		}
		return a.entry(blockSize).addChunk(backing, dedicatedParent, minChunkSize, blockSize), true
	}

	// Chunk sizes stay power-of-two multiples of the block size so that every slot of every
	// size class sits at a multiple of its own size
	maxLen := maxChunkLen
	for maxLen > minChunkLen && blockSize > a.deviceAllocThreshold/maxLen {
		maxLen /= 2
	}
	midLen := midChunkLen(counter)
	if midLen > maxLen {
		midLen = maxLen
	}
	maxChunkSize := blockSize * maxLen
	midChunkSize := blockSize * midLen

	reuse := func(chunkSize uint64) (rawBlock, bool) {
		chunkEntry, ok := a.sizes.Get(chunkSize)
		if !ok {
			return rawBlock{}, false
		}
		backing, ok := chunkEntry.alloc(chunkSize)
		if !ok {
			return rawBlock{}, false
		}
		return a.entry(blockSize).addChunk(backing, backing.chunk, chunkSize, blockSize), true
	}

	manufacture := func(chunkSize uint64, create bool) (rawBlock, bool) {
		var backing rawBlock
		var ok bool

		if chunkSize >= a.deviceAllocThreshold {
			// A chunk this large is never carved from a slot
			if !create {
				return rawBlock{}, false
			}
			backing, ok = a.allocNative(chunkSize)
		} else {
			chunkEntry, exists := a.sizes.Get(chunkSize)
			if !exists {
				if !create {
					return rawBlock{}, false
				}
				chunkEntry = a.entry(chunkSize)
			}
			backing, ok = a.allocFromNewChunk(chunkEntry.counter, chunkSize)
		}
		if !ok {
			return rawBlock{}, false
		}
		return a.entry(blockSize).addChunk(backing, backing.chunk, chunkSize, blockSize), true
	}

	for chunkSize := midChunkSize; chunkSize >= minChunkSize; chunkSize /= 2 {
		if block, ok := reuse(chunkSize); ok {
			return block, true
		}
	}
	for chunkSize := midChunkSize * 2; chunkSize <= maxChunkSize; chunkSize *= 2 {
		if block, ok := reuse(chunkSize); ok {
			return block, true
		}
	}
	for chunkSize := midChunkSize; chunkSize >= minChunkSize; chunkSize /= 2 {
		if block, ok := manufacture(chunkSize, false); ok {
			return block, true
		}
	}
	for chunkSize := midChunkSize * 2; chunkSize <= maxChunkSize; chunkSize *= 2 {
		if block, ok := manufacture(chunkSize, false); ok {
			return block, true
		}
	}

	return manufacture(maxChunkSize, true)
}

func (a *chunkedAllocator) Alloc(size, alignMask uint64) (Block, bool) {
	aligned, slot, ok := a.slotSize(size, alignMask)
	if !ok || slot >= a.deviceAllocThreshold {
		return Block{}, false
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	defer memutils.DebugValidate(a)

	entry := a.entry(slot)
	raw, ok := entry.alloc(slot)
	if !ok {
		raw, ok = a.allocFromNewChunk(entry.counter, slot)
		if !ok {
			return Block{}, false
		}
	}

	return Block{
		memory:          raw.memory.Memory,
		memorySize:      raw.memory.Size,
		offset:          raw.offset,
		size:            aligned,
		ptr:             raw.ptr,
		flags:           a.flags,
		memoryTypeIndex: a.memoryTypeIndex,
		kind:            BlockKindChunked,
		chunk:           uint64(raw.chunk),
		slotSize:        slot,
	}, true
}

func (a *chunkedAllocator) Dealloc(block *Block) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	defer memutils.DebugValidate(a)

	size := block.slotSize
	index := int(block.chunk)
	offset := block.offset

	entry, ok := a.sizes.Get(size)
	if !ok {
		return errors.Wrapf(ErrForeignBlock, "memory type %d has no %d byte size class", a.memoryTypeIndex, size)
	}

	chunk, err := entry.dealloc(&vulkan.DeviceMemory{Memory: block.memory}, offset, size, index)
	for err == nil && chunk != nil {
		if chunk.parent == dedicatedParent {
			a.deviceMemory.FreeDeviceMemory(a.memoryTypeIndex, chunk.memory)
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Released chunked memory object",
				slog.Int("MemoryTypeIndex", a.memoryTypeIndex),
				slog.String("ChunkSize", humanize.IBytes(chunk.size)),
			)
			return nil
		}

		// The chunk was a slot of the size class matching its own size
		entry, ok = a.sizes.Get(chunk.size)
		if !ok {
			return errors.AssertionFailedf("chunk of %d bytes was carved from a missing size class", chunk.size)
		}
		chunk, err = entry.dealloc(chunk.memory, chunk.offset, chunk.size, chunk.parent)
	}

	return err
}

// Destroy frees every native memory object still held and returns the number of leaked blocks
func (a *chunkedAllocator) Destroy() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var leaked int
	a.sizes.Iter(func(size uint64, entry *sizeEntry) bool {
		for _, chunk := range entry.chunks {
			if chunk == nil {
				continue
			}

			if chunk.parent == dedicatedParent {
				a.deviceMemory.FreeDeviceMemory(a.memoryTypeIndex, chunk.memory)
			}
		}

		// Slots backing other chunks are not user blocks
		userBlocks := entry.blocks() - a.chunksCarvedFrom(size)
		if userBlocks > 0 {
			leaked += userBlocks
			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] chunked size class still holds blocks",
				slog.Int("MemoryTypeIndex", a.memoryTypeIndex),
				slog.String("BlockSize", humanize.IBytes(size)),
				slog.Int("Blocks", userBlocks),
			)
		}
		return false
	})

	a.sizes.Clear()

	return leaked
}

// chunksCarvedFrom counts the live chunks whose memory is a slot of the given size class
func (a *chunkedAllocator) chunksCarvedFrom(size uint64) int {
	var count int
	a.sizes.Iter(func(_ uint64, entry *sizeEntry) bool {
		for _, chunk := range entry.chunks {
			if chunk != nil && chunk.parent != dedicatedParent && chunk.size == size {
				count++
			}
		}
		return false
	})
	return count
}

func (a *chunkedAllocator) sortedSizes() []uint64 {
	sizes := make([]uint64, 0, a.sizes.Count())
	a.sizes.Iter(func(size uint64, _ *sizeEntry) bool {
		sizes = append(sizes, size)
		return false
	})

	sort.Slice(sizes, func(i, j int) bool {
		return sizes[i] < sizes[j]
	})
	return sizes
}

func (a *chunkedAllocator) Validate() error {
	var err error
	a.sizes.Iter(func(size uint64, entry *sizeEntry) bool {
		err = entry.unexhausted.Validate()
		if err != nil {
			return true
		}

		live := 0
		for index, chunk := range entry.chunks {
			if chunk == nil {
				if entry.unexhausted.IsSet(index) {
					err = errors.Newf("vacant chunk %d of the %d byte size class is marked unexhausted", index, size)
					return true
				}
				continue
			}

			live++
			if chunk.slots*size != chunk.size {
				err = errors.Newf("chunk %d of the %d byte size class has %d slots but is %d bytes", index, size, chunk.slots, chunk.size)
				return true
			}
			if chunk.free&^slotMask(chunk.slots) != 0 {
				err = errors.Newf("chunk %d of the %d byte size class has free bits beyond its %d slots", index, size, chunk.slots)
				return true
			}
			if chunk.free == slotMask(chunk.slots) {
				err = errors.Newf("chunk %d of the %d byte size class is entirely free but still held", index, size)
				return true
			}
			if entry.unexhausted.IsSet(index) != (chunk.free != 0) {
				err = errors.Newf("chunk %d of the %d byte size class has free mask %#x but unexhausted bit %t", index, size, chunk.free, entry.unexhausted.IsSet(index))
				return true
			}
			if chunk.offset+chunk.size > chunk.memory.Size {
				err = errors.Newf("chunk %d of the %d byte size class exceeds its %d byte memory object", index, size, chunk.memory.Size)
				return true
			}
		}

		if live != entry.live {
			err = errors.Newf("%d byte size class counts %d chunks but holds %d", size, entry.live, live)
			return true
		}
		return false
	})

	return err
}

func (a *chunkedAllocator) printDetailedStats(obj *jwriter.ObjectState) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	obj.Name("DeviceAllocThreshold").String(humanize.IBytes(a.deviceAllocThreshold))

	sizes := obj.Name("SizeClasses").Array()
	defer sizes.End()

	for _, size := range a.sortedSizes() {
		entry, _ := a.sizes.Get(size)

		o := sizes.Object()
		o.Name("BlockSize").Int(int(size))
		o.Name("Counter").Int(int(entry.counter))
		o.Name("Chunks").Int(entry.live)
		o.Name("UnexhaustedChunks").Int(entry.unexhausted.Count())
		o.Name("UsedSlots").Int(entry.blocks())
		o.End()
	}
}
