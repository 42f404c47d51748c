package bitset

import (
	"math/bits"

	"github.com/cockroachdb/errors"
)

// MaxSize is the number of distinct bits a BitSet can address
const MaxSize = 64 * 64 * 64

// BitSet is a three-level hierarchical bit set. Each bit in an upper level
// indicates that the corresponding word in the level below has at least one bit
// set, which lets First locate the lowest set bit with three word scans.
//
// The zero value is an empty set. Storage grows as higher indices are set.
type BitSet struct {
	top    uint64
	middle []uint64
	bottom []uint64
}

func checkIndex(index int) {
	if index < 0 || index >= MaxSize {
		panic(errors.AssertionFailedf("bit index %d is outside [0, %d)", index, MaxSize))
	}
}

func (s *BitSet) grow(bottomWord int) {
	for len(s.bottom) <= bottomWord {
		s.bottom = append(s.bottom, 0)
	}

	middleWord := bottomWord >> 6
	for len(s.middle) <= middleWord {
		s.middle = append(s.middle, 0)
	}
}

// Set marks the bit at index
func (s *BitSet) Set(index int) {
	checkIndex(index)

	bottomWord := index >> 6
	middleWord := index >> 12
	s.grow(bottomWord)

	s.bottom[bottomWord] |= uint64(1) << uint(index&63)
	s.middle[middleWord] |= uint64(1) << uint(bottomWord&63)
	s.top |= uint64(1) << uint(middleWord)
}

// Unset clears the bit at index. Upper-level summary bits are only cleared once
// the word beneath them becomes empty.
func (s *BitSet) Unset(index int) {
	checkIndex(index)

	bottomWord := index >> 6
	if bottomWord >= len(s.bottom) {
		return
	}

	s.bottom[bottomWord] &^= uint64(1) << uint(index&63)
	if s.bottom[bottomWord] != 0 {
		return
	}

	middleWord := index >> 12
	s.middle[middleWord] &^= uint64(1) << uint(bottomWord&63)
	if s.middle[middleWord] != 0 {
		return
	}

	s.top &^= uint64(1) << uint(middleWord)
}

// IsSet returns true if the bit at index is marked
func (s *BitSet) IsSet(index int) bool {
	checkIndex(index)

	bottomWord := index >> 6
	if bottomWord >= len(s.bottom) {
		return false
	}

	return s.bottom[bottomWord]&(uint64(1)<<uint(index&63)) != 0
}

// First returns the lowest set index. The boolean return value is false if the set is empty.
func (s *BitSet) First() (int, bool) {
	if s.top == 0 {
		return 0, false
	}

	middleWord := bits.TrailingZeros64(s.top)
	bottomWord := middleWord<<6 + bits.TrailingZeros64(s.middle[middleWord])
	return bottomWord<<6 + bits.TrailingZeros64(s.bottom[bottomWord]), true
}

// IsEmpty returns true if no bits are set
func (s *BitSet) IsEmpty() bool {
	return s.top == 0
}

// Count returns the number of set bits
func (s *BitSet) Count() int {
	var count int
	for _, word := range s.bottom {
		count += bits.OnesCount64(word)
	}
	return count
}

// Validate checks that every summary bit agrees with the level beneath it
func (s *BitSet) Validate() error {
	for middleWord, word := range s.middle {
		topBit := s.top&(uint64(1)<<uint(middleWord)) != 0
		if topBit != (word != 0) {
			return errors.Newf("top summary bit %d is %t but middle word is %#x", middleWord, topBit, word)
		}
	}

	for bottomWord, word := range s.bottom {
		middleBit := s.middle[bottomWord>>6]&(uint64(1)<<uint(bottomWord&63)) != 0
		if middleBit != (word != 0) {
			return errors.Newf("middle summary bit %d is %t but bottom word is %#x", bottomWord, middleBit, word)
		}
	}

	return nil
}
