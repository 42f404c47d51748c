package tvma

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/tvma/native"
)

// BlockKind identifies the sub-allocator that produced a Block
type BlockKind uint8

const (
	blockKindInvalid BlockKind = iota
	// BlockKindDedicated blocks own a whole native memory object
	BlockKindDedicated
	// BlockKindLinear blocks are bump-allocated from a shared linear chunk
	BlockKindLinear
	// BlockKindChunked blocks occupy one power-of-two slot in a chunked allocator size class
	BlockKindChunked
)

var blockKindMapping = make(map[BlockKind]string)

func (k BlockKind) String() string {
	return blockKindMapping[k]
}

func init() {
	blockKindMapping[blockKindInvalid] = "Invalid"
	blockKindMapping[BlockKindDedicated] = "BlockKindDedicated"
	blockKindMapping[BlockKindLinear] = "BlockKindLinear"
	blockKindMapping[BlockKindChunked] = "BlockKindChunked"
}

// Block is an allocation handed out by Allocator.Alloc: a byte range within a native memory
// object. Blocks are plain values; they must be returned to the allocator that produced them
// with Allocator.Dealloc exactly once, after which the host mapping is no longer valid.
type Block struct {
	memory          native.Memory
	memorySize      uint64
	offset          uint64
	size            uint64
	ptr             unsafe.Pointer
	flags           core1_0.MemoryPropertyFlags
	memoryTypeIndex int
	kind            BlockKind

	// id of the linear chunk, or index of the chunk within its chunked size class
	chunk uint64
	// size class of a chunked block
	slotSize uint64
}

// Memory is the native memory object the block lives in
func (b *Block) Memory() native.Memory { return b.memory }

// Offset is the offset of the block within its native memory object
func (b *Block) Offset() uint64 { return b.offset }

// Size is the size of the block in bytes, after padding to the requested alignment
func (b *Block) Size() uint64 { return b.size }

// End is the offset one past the last byte of the block within its native memory object
func (b *Block) End() uint64 { return b.offset + b.size }

// Properties are the property flags of the block's memory type
func (b *Block) Properties() core1_0.MemoryPropertyFlags { return b.flags }

func (b *Block) MemoryTypeIndex() int { return b.memoryTypeIndex }

func (b *Block) Kind() BlockKind { return b.kind }

// IsValid returns false for the zero Block and for blocks that have been deallocated
func (b *Block) IsValid() bool {
	return b.kind != blockKindInvalid && b.memory != native.NullMemory
}

func (b *Block) IsHostVisible() bool {
	return b.flags&core1_0.MemoryPropertyHostVisible != 0
}

func (b *Block) IsHostCoherent() bool {
	return b.flags&core1_0.MemoryPropertyHostCoherent != 0
}

func (b *Block) IsHostCached() bool {
	return b.flags&core1_0.MemoryPropertyHostCached != 0
}

// MappedData is the host address of the start of the block, or nil if the block's memory
// type is not host-visible
func (b *Block) MappedData() unsafe.Pointer { return b.ptr }

// Map returns the host address of a byte range within the block
func (b *Block) Map(offset, size uint64) (unsafe.Pointer, error) {
	if !b.IsHostVisible() {
		return nil, errors.Wrapf(ErrNonHostVisible, "memory type %d has properties %s", b.memoryTypeIndex, b.flags)
	}

	end := offset + size
	if end < offset || end > b.size {
		return nil, errors.Wrapf(ErrOutOfBounds, "range [%d, %d+%d) exceeds block size %d", offset, offset, size, b.size)
	}

	if b.ptr == nil {
		return nil, errors.AssertionFailedf("host-visible block in memory type %d has no host mapping", b.memoryTypeIndex)
	}

	return unsafe.Add(b.ptr, offset), nil
}

// Bytes returns a byte range within the block as a slice backed by the host mapping
func (b *Block) Bytes(offset, size uint64) ([]byte, error) {
	ptr, err := b.Map(offset, size)
	if err != nil {
		return nil, err
	}

	return unsafe.Slice((*byte)(ptr), size), nil
}

func offsetPointer(ptr unsafe.Pointer, offset uint64) unsafe.Pointer {
	if ptr == nil {
		return nil
	}
	return unsafe.Add(ptr, offset)
}
