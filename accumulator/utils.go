package accumulator

import (
	"math/bits"
	"sort"
)

// Positions are numbered bottom left to top right within the space of a
// perfect tree big enough to hold the whole forest.  Row 0 is the bottom.
// With forestRows=2 that's:
//
//	06
//	|-------\
//	04......05
//	|---\...|---\
//	00..01..02..03
//
// The nice property of this numbering is that the parent of any position is
// just a shift and an or, no matter which tree of the forest it's in.

// parent returns the position of the parent of this position.
func parent(position uint64, forestRows uint8) uint64 {
	return (position >> 1) | (1 << forestRows)
}

// parentMany goes up rise times and returns the position.
func parentMany(position uint64, rise, forestRows uint8) uint64 {
	if rise == 0 {
		return position
	}
	if rise > forestRows {
		panic("parentMany rise > forestRows")
	}
	mask := uint64(2<<forestRows) - 1
	return (position>>rise | (mask << uint64(forestRows-(rise-1)))) & mask
}

// child gives you the left child (LSB will be 0).
func child(position uint64, forestRows uint8) uint64 {
	mask := uint64(2<<forestRows) - 1
	return (position << 1) & mask
}

// childMany go down drop times (always left; LSBs will be 0) and returns the
// position.
func childMany(position uint64, drop, forestRows uint8) uint64 {
	if drop == 0 {
		return position
	}
	if drop > forestRows {
		panic("childMany drop > forestRows")
	}
	mask := uint64(2<<forestRows) - 1
	return (position << drop) & mask
}

// sibling returns the other position sharing this position's parent.
func sibling(position uint64) uint64 {
	return position ^ 1
}

// rightSib returns the right of the two positions under one parent.
func rightSib(position uint64) uint64 {
	return position | 1
}

// isLeftChild tells you if this position hashes in on the left.
func isLeftChild(position uint64) bool {
	return position&1 == 0
}

// detectRow finds the row of a position by counting leading 1 bits in the
// position's forestRows-wide representation.
func detectRow(position uint64, forestRows uint8) uint8 {
	marker := uint64(1 << forestRows)
	var h uint8
	for h = 0; position&marker != 0; h++ {
		marker >>= 1
	}
	return h
}

// rowStart gives the leftmost position of a row.
func rowStart(row, forestRows uint8) uint64 {
	return (2 << forestRows) - (2 << (forestRows - row))
}

// detectOffset takes a position and the number of leaves ever added, and
// returns which tree the position is in, and how far below its tree root it
// sits (which is also the length of its proof branch).
func detectOffset(position uint64, numLeaves uint64, forestRows uint8) (
	tree uint8, branchLen uint8) {

	nr := detectRow(position, forestRows)
	tr := forestRows

	// Walk through the trees left to right, biggest first, subtracting
	// everything each tree covers from the position until it fits.
	for ; (position<<nr)&((2<<tr)-1) >= (1<<tr)&numLeaves; tr-- {
		treeSize := (1 << tr) & numLeaves
		if treeSize != 0 {
			position -= treeSize
			tree++
		}
	}
	return tree, tr - nr
}

// treeRows returns the number of rows needed to hold n leaves.
func treeRows(n uint64) uint8 {
	if n == 0 {
		return 0
	}
	return uint8(bits.Len64(n - 1))
}

// numRoots returns the number of populated trees: 1 bits in n.
func numRoots(n uint64) uint8 {
	return uint8(bits.OnesCount64(n))
}

// rootPosition: given a number of leaves and a row, finds the position of the
// root at that row.  Does not check that there IS a root at that row; that's
// easy though: leaves & (1<<row).
func rootPosition(leaves uint64, row, forestRows uint8) uint64 {
	mask := uint64(2<<forestRows) - 1
	before := leaves & (mask << (row + 1))
	shifted := (before >> row) | (mask << (forestRows + 1 - row))
	return shifted & mask
}

// isRootPosition tells you if a position is a root given the leaf count.
func isRootPosition(position, numLeaves uint64, forestRows uint8) bool {
	row := detectRow(position, forestRows)
	if numLeaves&(1<<row) == 0 {
		return false
	}
	return position == rootPosition(numLeaves, row, forestRows)
}

// rootPositions gives the positions and rows of all tree roots, biggest tree
// first.
func rootPositions(leaves uint64, forestRows uint8) (roots []uint64, rows []uint8) {
	position := uint64(0)
	for row := forestRows; position < leaves; row-- {
		if (1<<row)&leaves != 0 {
			roots = append(roots, parentMany(position, row, forestRows))
			rows = append(rows, row)
			position += 1 << row
		}
	}
	return
}

// inForest checks that a position exists given the leaf count: descend left
// until the bottom row and check against numLeaves.
func inForest(pos, numLeaves uint64, forestRows uint8) bool {
	if pos < numLeaves {
		return true
	}
	marker := uint64(1 << forestRows)
	mask := (marker << 1) - 1
	if pos >= mask {
		return false
	}
	for pos&marker != 0 {
		pos = ((pos << 1) & mask) | 1
	}
	return pos < numLeaves
}

func sortUint64s(s []uint64) {
	sort.Slice(s, func(a, b int) bool { return s[a] < s[b] })
}

// insertSort sticks el into an already sorted slice.
func insertSort(dels *[]uint64, el uint64) {
	index := sort.Search(len(*dels), func(i int) bool { return (*dels)[i] > el })
	*dels = append(*dels, 0)
	copy((*dels)[index+1:], (*dels)[index:])
	(*dels)[index] = el
}

// deTwin collapses sibling pairs in a sorted deletion slice into their
// parent.  If both children go, nothing below the parent needs to move, so
// the deletion happens one row up.  Applied repeatedly this can walk a
// deletion all the way to a root.
func deTwin(dels *[]uint64, forestRows uint8) {
	for i := 0; i < len(*dels); i++ {
		if i+1 < len(*dels) && rightSib((*dels)[i]) == (*dels)[i+1] {
			pos := (*dels)[i]
			*dels = append((*dels)[:i], (*dels)[i+2:]...)
			insertSort(dels, parent(pos, forestRows))
			i--
		}
	}
}

// checkSortedNoDupes returns true for strictly increasing slices.
func checkSortedNoDupes(s []uint64) bool {
	for i := range s {
		if i == 0 {
			continue
		}
		if s[i-1] >= s[i] {
			return false
		}
	}
	return true
}
