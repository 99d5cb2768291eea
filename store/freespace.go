// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"errors"
	"math"
	"sort"
)

// ErrNoSpace is returned when the 2^32 block address space cannot
// satisfy an allocation.
var ErrNoSpace = errors.New("store: out of block address space")

// interval is a free range of blocks [start, start+count).
type interval struct {
	start uint32
	count uint32
}

// freeSpace is an ordered interval index over the block address
// space. The default (empty) state means all 2^32 blocks are free;
// once allocation starts the index is kept non-empty (with a zero
// sentinel if necessary) so that exhaustion is distinguishable from
// the default state.
type freeSpace struct {
	free []interval // sorted by start, non-overlapping
}

// addFree returns the range [block, block+count) to the index, merging
// with adjacent or overlapping neighbors. A range that runs past the
// top of the address space is clamped.
func (f *freeSpace) addFree(block, count uint32) {
	if count == 0 {
		return
	}

	i := sort.Search(len(f.free), func(j int) bool {
		return f.free[j].start >= block
	})
	if i < len(f.free) && f.free[i].start == block {
		// Extend if necessary.
		if f.free[i].count < count {
			f.free[i].count = count
		}
	} else {
		f.free = append(f.free, interval{})
		copy(f.free[i+1:], f.free[i:])
		f.free[i] = interval{start: block, count: count}
	}

	// Clamp a range running past the top of the address space.
	if uint64(block)+uint64(f.free[i].count) > math.MaxUint32 {
		f.free[i].count = math.MaxUint32 - block
	}

	// Interval ends are computed in 64 bits and the merged length
	// saturates, so that merging at the top of the space cannot wrap.
	end := func(iv interval) uint64 {
		return uint64(iv.start) + uint64(iv.count)
	}
	grow := func(iv *interval, newEnd uint64) {
		if newEnd > end(*iv) {
			length := newEnd - uint64(iv.start)
			if length > math.MaxUint32 {
				length = math.MaxUint32
			}
			iv.count = uint32(length)
		}
	}

	// Merge with the previous entry.
	if i > 0 && end(f.free[i-1]) >= uint64(f.free[i].start) {
		grow(&f.free[i-1], end(f.free[i]))
		f.free = append(f.free[:i], f.free[i+1:]...)
		i--
	}

	// Merge with the following entries.
	for i+1 < len(f.free) && end(f.free[i]) >= uint64(f.free[i+1].start) {
		grow(&f.free[i], end(f.free[i+1]))
		f.free = append(f.free[:i+1], f.free[i+2:]...)
	}
}

// takeFree removes and returns the start of a best-fit free range of
// the given length: the smallest interval that fits, lowest address on
// ties. An empty index is the bootstrap state and allocates from
// block 0, seeding the remainder of the address space.
func (f *freeSpace) takeFree(count uint32) (uint32, error) {
	best := -1
	for i := range f.free {
		if f.free[i].count >= count && (best < 0 || f.free[best].count > f.free[i].count) {
			best = i
			if f.free[i].count == count {
				break
			}
		}
	}

	if best < 0 {
		if len(f.free) == 0 {
			// Initialize from the default state.
			if count != 0 {
				f.free = append(f.free, interval{start: count, count: 0 - count})
			}
			return 0, nil
		}
		return 0, ErrNoSpace
	}

	pos := f.free[best].start
	if diff := f.free[best].count - count; diff != 0 {
		// Restore the fragment.
		f.free[best] = interval{start: pos + count, count: diff}
	} else {
		f.free = append(f.free[:best], f.free[best+1:]...)

		// Prevent restoring the default state.
		if len(f.free) == 0 {
			f.free = append(f.free, interval{})
		}
	}

	return pos, nil
}
