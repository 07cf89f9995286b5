package accumulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrProofInvalid is returned when a supplied proof doesn't recompute
	// to the root it claims.  A Delete batch carrying one of these is
	// rejected whole; nothing is applied.
	ErrProofInvalid = errors.New("proof invalid")

	// ErrUnknownLeaf is returned when asked about a position that was
	// never added, was already deleted, or isn't a leaf at all.
	ErrUnknownLeaf = errors.New("unknown leaf")
)

// Forest is the entire accumulator of the UTXO set; the bridge node keeps
// every hash.  Leaves live in the position space of a perfect tree big
// enough to hold the whole forest (see utils.go for the numbering).
//
// numLeaves only ever goes up: a deletion zeroes a leaf out of the live set
// but the count of leaves ever added is what determines the forest shape.
// Deleting a leaf promotes its sibling subtree one row up into the parent
// slot, so a long-lived leaf can drift upward over time.  The position map
// tracks where each live leaf currently sits.
type Forest struct {
	numLeaves uint64 // leaves ever added; never decremented
	numDels   uint64 // leaves deleted from the live set

	// rows is the height of the position space.  Grows when numLeaves
	// crosses a power of 2; never shrinks (shrinking buys nothing and
	// costs a remap).
	rows uint8

	data []Hash // the whole tree space, (2<<rows)-1 slots

	// positionMap tracks the current slot of every live leaf.  A slot
	// holds a live leaf iff positionMap[data[slot].Mini()] == slot; that
	// round trip is also how leaf slots are told apart from internal ones.
	positionMap map[MiniHash]uint64
}

// NewForest makes an empty in-ram forest.
func NewForest() *Forest {
	f := new(Forest)
	f.data = make([]Hash, (2<<f.rows)-1)
	f.positionMap = make(map[MiniHash]uint64)
	return f
}

// NumLeaves returns the number of leaves ever added.
func (f *Forest) NumLeaves() uint64 { return f.numLeaves }

// NumDels returns the number of leaves deleted so far.
func (f *Forest) NumDels() uint64 { return f.numDels }

// NumLive returns the number of currently live leaves.
func (f *Forest) NumLive() uint64 { return f.numLeaves - f.numDels }

// Roots returns the root hashes, biggest tree first.  A fully deleted tree
// contributes an all-zero root; the shape of the root set is exactly the
// binary representation of the number of leaves ever added.
func (f *Forest) Roots() []Hash {
	positions, _ := rootPositions(f.numLeaves, f.rows)
	roots := make([]Hash, len(positions))
	for i, p := range positions {
		roots[i] = f.data[p]
	}
	return roots
}

// PositionOf looks up the current slot of a live leaf by its hash.
func (f *Forest) PositionOf(h Hash) (uint64, bool) {
	pos, ok := f.positionMap[h.Mini()]
	return pos, ok
}

// Add appends a new leaf and returns the position it was assigned.  Equal
// sized trees merge bottom up as the leaf count ticks over, binary counter
// style.  Never fails.
func (f *Forest) Add(add Hash) uint64 {
	for f.numLeaves+1 > 1<<f.rows {
		f.reMap(f.rows + 1)
	}

	leafPos := f.numLeaves
	pos := leafPos
	n := add
	f.data[pos] = n
	f.positionMap[add.Mini()] = pos

	// Wherever numLeaves has a 1 bit there's a root; grab it, hash it in,
	// rise.  The left child is always the older root.
	for h := uint8(0); (f.numLeaves>>h)&1 == 1; h++ {
		root := f.data[rootPosition(f.numLeaves, h, f.rows)]
		n = parentHash(root, n)
		pos = parent(pos, f.rows)
		f.data[pos] = n
	}
	f.numLeaves++
	return leafPos
}

// reMap grows the position space by one row.  Row 0 stays put; everything
// above shifts to its slot under the taller tree, and the position map
// follows any leaf that moves.
func (f *Forest) reMap(destRows uint8) {
	newData := make([]Hash, (2<<destRows)-1)
	copy(newData, f.data[:uint64(1)<<f.rows])
	for h := uint8(1); h <= f.rows; h++ {
		oldStart := rowStart(h, f.rows)
		newStart := rowStart(h, destRows)
		run := uint64(1) << (f.rows - h)
		for i := uint64(0); i < run; i++ {
			v := f.data[oldStart+i]
			if v == empty {
				continue
			}
			newData[newStart+i] = v
			if p, ok := f.positionMap[v.Mini()]; ok && p == oldStart+i {
				f.positionMap[v.Mini()] = newStart + i
			}
		}
	}
	f.data = newData
	f.rows = destRows
}

// Delete removes a batch of leaves.  Every proof is verified against the
// current roots before anything is touched; one bad proof rejects the whole
// batch with ErrProofInvalid and the forest is left exactly as it was.
func (f *Forest) Delete(proofs []Proof) error {
	if len(proofs) == 0 {
		return nil
	}

	seen := make(map[uint64]struct{}, len(proofs))
	for _, p := range proofs {
		if _, dup := seen[p.Position]; dup {
			return fmt.Errorf("%w: position %d deleted twice in batch",
				ErrProofInvalid, p.Position)
		}
		seen[p.Position] = struct{}{}
		// only live leaves come out; a proof of an internal node is no good
		if mapped, ok := f.positionMap[p.Payload.Mini()]; !ok || mapped != p.Position {
			return fmt.Errorf("%w: no live leaf %x at position %d",
				ErrUnknownLeaf, p.Payload.Prefix(), p.Position)
		}
		if err := f.VerifyProof(p); err != nil {
			return err
		}
	}

	targets := make([]uint64, len(proofs))
	for i, p := range proofs {
		targets[i] = p.Position
		delete(f.positionMap, p.Payload.Mini())
	}
	return f.removeInternal(targets)
}

// removeInternal applies verified deletions.  Position map entries for the
// targets are already gone; callers guarantee the targets are (were) live.
func (f *Forest) removeInternal(targets []uint64) error {
	dels := make([]uint64, len(targets))
	copy(dels, targets)
	sortUint64s(dels)
	deTwin(&dels, f.rows)

	for _, del := range dels {
		if isRootPosition(del, f.numLeaves, f.rows) {
			// Last live node of its tree; the root goes to zero and
			// the tree keeps its place in the forest shape.
			f.data[del] = empty
			continue
		}
		if err := f.deleteSingle(del); err != nil {
			return err
		}
	}
	f.numDels += uint64(len(targets))
	return nil
}

// deleteSingle removes one (de-twinned) position: the sibling subtree is
// promoted into the parent slot and the hashes above it are redone.
func (f *Forest) deleteSingle(del uint64) error {
	sib := sibling(del)
	par := parent(del, f.rows)

	f.moveUp(sib, par)

	// redo hashes from the grandparent to the root
	pos := par
	for !isRootPosition(pos, f.numLeaves, f.rows) {
		pos = parent(pos, f.rows)
		l := child(pos, f.rows)
		f.data[pos] = parentHash(f.data[l], f.data[rightSib(l)])
	}
	return nil
}

// moveUp promotes the subtree rooted at from into the slot to, one row up.
// to must be the parent of from.  Leaves that move carry their position map
// entry with them.  Source slots are left as garbage; nothing live points
// at them afterwards.
func (f *Forest) moveUp(from, to uint64) {
	fromRow := detectRow(from, f.rows)
	for d := uint8(0); d <= fromRow; d++ {
		src := childMany(from, d, f.rows)
		dst := childMany(to, d, f.rows)
		run := uint64(1) << d
		for i := uint64(0); i < run; i++ {
			v := f.data[src+i]
			f.data[dst+i] = v
			if p, ok := f.positionMap[v.Mini()]; ok && p == src+i {
				f.positionMap[v.Mini()] = dst + i
			}
		}
	}
}

// moveDown is the exact reverse of moveUp: the subtree sitting in the slot
// to (and below) is demoted back to from.  Iterates top row last so no slot
// is clobbered before it's read.
func (f *Forest) moveDown(to, from uint64) {
	fromRow := detectRow(from, f.rows)
	for d := int8(fromRow); d >= 0; d-- {
		src := childMany(to, uint8(d), f.rows)
		dst := childMany(from, uint8(d), f.rows)
		run := uint64(1) << uint8(d)
		for i := uint64(0); i < run; i++ {
			v := f.data[src+i]
			f.data[dst+i] = v
			if p, ok := f.positionMap[v.Mini()]; ok && p == src+i {
				f.positionMap[v.Mini()] = dst + i
			}
		}
	}
}

// ApplyBlock runs one block's worth of changes: deletions first (verified),
// then additions, and hands back the undo record that reverses the lot.
// On any error the forest is unchanged.
func (f *Forest) ApplyBlock(adds []Hash, delProofs []Proof, height int32) (
	*UndoBlock, error) {

	ub := &UndoBlock{
		Height:    height,
		NumAdds:   uint32(len(adds)),
		PrevRows:  f.rows,
		Adds:      make([]Hash, len(adds)),
		Positions: make([]uint64, len(delProofs)),
		Hashes:    make([]Hash, len(delProofs)),
	}
	copy(ub.Adds, adds)
	for i, p := range delProofs {
		ub.Positions[i] = p.Position
		ub.Hashes[i] = p.Payload
	}

	if err := f.Delete(delProofs); err != nil {
		return nil, err
	}
	for _, a := range adds {
		f.Add(a)
	}
	return ub, nil
}

// Replay applies an undo record forward, the crash recovery path: same
// deletions and additions as the original block, but from our own durable
// record so no proof verification is needed.
func (f *Forest) Replay(ub *UndoBlock) error {
	if len(ub.Positions) != len(ub.Hashes) {
		return fmt.Errorf("undo block %d: %d positions but %d hashes",
			ub.Height, len(ub.Positions), len(ub.Hashes))
	}
	positions, err := f.translatePositions(ub.Positions, ub.PrevRows)
	if err != nil {
		return err
	}
	for i, pos := range positions {
		h := ub.Hashes[i]
		p, ok := f.positionMap[h.Mini()]
		if !ok || p != pos || f.data[pos] != h {
			return fmt.Errorf("undo block %d: leaf %x not at %d",
				ub.Height, h.Prefix(), pos)
		}
		delete(f.positionMap, h.Mini())
	}
	if err := f.removeInternal(positions); err != nil {
		return err
	}
	for _, a := range ub.Adds {
		f.Add(a)
	}
	return nil
}

// translatePositions maps positions recorded under a shorter row space into
// the current one.  Row 0 never moves; everything above shifts with the
// taller tree.  Rows only ever grow so fromRows <= f.rows always holds.
func (f *Forest) translatePositions(positions []uint64, fromRows uint8) (
	[]uint64, error) {

	out := make([]uint64, len(positions))
	if fromRows == f.rows {
		copy(out, positions)
		return out, nil
	}
	if fromRows > f.rows {
		return nil, fmt.Errorf("positions recorded at %d rows but forest has %d",
			fromRows, f.rows)
	}
	for i, pos := range positions {
		row := detectRow(pos, fromRows)
		out[i] = rowStart(row, f.rows) + (pos - rowStart(row, fromRows))
	}
	return out, nil
}

// Undo reverses one block: the additions come back out, the deleted leaves
// go back in at their old positions, and the roots and counts end up bit
// identical to the state before the block was applied.  Blocks have to be
// undone newest first.
func (f *Forest) Undo(ub *UndoBlock) error {
	if uint64(ub.NumAdds) > f.numLeaves {
		return fmt.Errorf("undo block %d: %d adds but only %d leaves",
			ub.Height, ub.NumAdds, f.numLeaves)
	}

	// Undo adds: additions never move other slots around, so dropping the
	// count and the position map entries is enough.  Old roots are still
	// sitting in their slots.
	for i := len(ub.Adds) - 1; i >= 0; i-- {
		mini := ub.Adds[i].Mini()
		pos, ok := f.positionMap[mini]
		if !ok || f.data[pos] != ub.Adds[i] {
			return fmt.Errorf("undo block %d: added leaf %x missing",
				ub.Height, ub.Adds[i].Prefix())
		}
		delete(f.positionMap, mini)
	}
	f.numLeaves -= uint64(ub.NumAdds)

	// Undo deletions.  Recompute the op list the deletion applied (deTwin
	// is deterministic over the sorted targets), demote the promoted
	// subtrees in reverse order, write the deleted leaves back, then redo
	// every hash above anything that changed.
	positions, err := f.translatePositions(ub.Positions, ub.PrevRows)
	if err != nil {
		return err
	}
	dels := make([]uint64, len(positions))
	copy(dels, positions)
	sortUint64s(dels)
	deTwin(&dels, f.rows)

	for i := len(dels) - 1; i >= 0; i-- {
		del := dels[i]
		if isRootPosition(del, f.numLeaves, f.rows) {
			continue // root zeroing is undone by the rehash below
		}
		f.moveDown(parent(del, f.rows), sibling(del))
	}

	for i, pos := range positions {
		f.data[pos] = ub.Hashes[i]
		f.positionMap[ub.Hashes[i].Mini()] = pos
	}

	f.rehashAbove(append(dels, positions...))
	f.numDels -= uint64(len(ub.Positions))
	return nil
}

// rehashAbove redoes every internal hash above the given positions, bottom
// row first so children are always fresh before their parent.
func (f *Forest) rehashAbove(dirt []uint64) {
	byRow := make([][]uint64, f.rows+1)
	mark := make(map[uint64]struct{})
	for _, pos := range dirt {
		for !isRootPosition(pos, f.numLeaves, f.rows) {
			pos = parent(pos, f.rows)
			if _, done := mark[pos]; done {
				break
			}
			mark[pos] = struct{}{}
			byRow[detectRow(pos, f.rows)] = append(
				byRow[detectRow(pos, f.rows)], pos)
		}
	}
	for r := uint8(1); r <= f.rows; r++ {
		for _, pos := range byRow[r] {
			l := child(pos, f.rows)
			f.data[pos] = parentHash(f.data[l], f.data[rightSib(l)])
		}
	}
}

// sanity checks that numLeaves fits the row space and the roots look sane.
func (f *Forest) sanity() error {
	if f.numLeaves > 1<<f.rows {
		return fmt.Errorf("forest has %d leaves but only %d rows",
			f.numLeaves, f.rows)
	}
	if uint64(len(f.positionMap)) != f.NumLive() {
		return fmt.Errorf("position map has %d entries but %d leaves live",
			len(f.positionMap), f.NumLive())
	}
	return nil
}

// Serialize writes the whole forest out: counts, rows, every slot, and the
// live leaf positions so the position map can be rebuilt on restore.
func (f *Forest) Serialize(w io.Writer) error {
	err := binary.Write(w, binary.BigEndian, f.numLeaves)
	if err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, f.numDels)
	if err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, f.rows)
	if err != nil {
		return err
	}
	for i := range f.data {
		if _, err = w.Write(f.data[i][:]); err != nil {
			return err
		}
	}

	live := make([]uint64, 0, len(f.positionMap))
	for _, pos := range f.positionMap {
		live = append(live, pos)
	}
	sortUint64s(live)
	err = binary.Write(w, binary.BigEndian, uint64(len(live)))
	if err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, live)
}

// RestoreForest reads a forest serialized with Serialize.
func RestoreForest(r io.Reader) (*Forest, error) {
	f := new(Forest)
	err := binary.Read(r, binary.BigEndian, &f.numLeaves)
	if err != nil {
		return nil, err
	}
	err = binary.Read(r, binary.BigEndian, &f.numDels)
	if err != nil {
		return nil, err
	}
	err = binary.Read(r, binary.BigEndian, &f.rows)
	if err != nil {
		return nil, err
	}
	f.data = make([]Hash, (uint64(2)<<f.rows)-1)
	for i := range f.data {
		if _, err = io.ReadFull(r, f.data[i][:]); err != nil {
			return nil, err
		}
	}

	var liveCount uint64
	err = binary.Read(r, binary.BigEndian, &liveCount)
	if err != nil {
		return nil, err
	}
	if liveCount > f.numLeaves {
		return nil, fmt.Errorf("restore: %d live leaves but only %d ever added",
			liveCount, f.numLeaves)
	}
	live := make([]uint64, liveCount)
	err = binary.Read(r, binary.BigEndian, live)
	if err != nil {
		return nil, err
	}
	f.positionMap = make(map[MiniHash]uint64, liveCount)
	for _, pos := range live {
		if pos >= uint64(len(f.data)) {
			return nil, fmt.Errorf("restore: live position %d outside forest", pos)
		}
		f.positionMap[f.data[pos].Mini()] = pos
	}
	if err = f.sanity(); err != nil {
		return nil, err
	}
	return f, nil
}

// ToString prints the whole forest.  Only viable for small ones.
func (f *Forest) ToString() string {
	fh := f.rows
	if fh > 6 {
		return "forest too big to print "
	}
	output := make([]string, (fh*2)+1)
	var pos uint64
	for h := uint8(0); h <= fh; h++ {
		rowlen := uint64(1) << (fh - h)
		for j := uint64(0); j < rowlen; j++ {
			var valstring string
			if pos < uint64(len(f.data)) && f.data[pos] != empty {
				valstring = fmt.Sprintf("%x", f.data[pos][:2])
			}
			if valstring != "" {
				output[h*2] += fmt.Sprintf("%02d:%s ", pos, valstring)
			} else {
				output[h*2] += "        "
			}
			if h > 0 {
				output[(h*2)-1] += "|-------"
				for q := uint64(0); q < ((1<<h)-1)/2; q++ {
					output[(h*2)-1] += "--------"
				}
				output[(h*2)-1] += "\\       "
				for q := uint64(0); q < ((1<<h)-1)/2; q++ {
					output[(h*2)-1] += "        "
				}
				for q := uint64(0); q < (1<<h)-1; q++ {
					output[h*2] += "        "
				}
			}
			pos++
		}
	}
	var s string
	for z := len(output) - 1; z >= 0; z-- {
		s += output[z] + "\n"
	}
	return s
}
