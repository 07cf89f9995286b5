package accumulator

import (
	"encoding/binary"
	"fmt"
	"io"
)

// UndoBlock is everything needed to reverse (or replay) one block's worth of
// accumulator changes: the leaves added, and the position and hash of every
// leaf deleted.  PrevRows pins the row space the positions were recorded in,
// since the forest can gain a row mid-block.
type UndoBlock struct {
	Height    int32
	NumAdds   uint32
	PrevRows  uint8
	Adds      []Hash
	Positions []uint64 // deleted leaf positions, block order
	Hashes    []Hash   // deleted leaf hashes, same order
}

// ToString prints the undo block for debugging.
func (u *UndoBlock) ToString() string {
	s := fmt.Sprintf("height %d: %d adds, %d dels\tdel pos ",
		u.Height, u.NumAdds, len(u.Positions))
	for _, p := range u.Positions {
		s += fmt.Sprintf("%d ", p)
	}
	s += fmt.Sprintf("\nhashes %d\n", len(u.Hashes))
	return s
}

// SerializeSize returns how many bytes the serialized undo block takes up.
func (u *UndoBlock) SerializeSize() int {
	// height 4B, numAdds 4B, prevRows 1B, numDels 4B,
	// then each add 32B, each del 8B + 32B
	return 13 + len(u.Adds)*32 + len(u.Positions)*40
}

// Serialize writes the undo block out.
func (u *UndoBlock) Serialize(w io.Writer) error {
	err := binary.Write(w, binary.BigEndian, u.Height)
	if err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, u.NumAdds)
	if err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, u.PrevRows)
	if err != nil {
		return err
	}
	if uint32(len(u.Adds)) != u.NumAdds {
		return fmt.Errorf("undo block has %d adds but numAdds %d",
			len(u.Adds), u.NumAdds)
	}
	for _, a := range u.Adds {
		if _, err = w.Write(a[:]); err != nil {
			return err
		}
	}
	if len(u.Positions) != len(u.Hashes) {
		return fmt.Errorf("undo block has %d positions %d hashes",
			len(u.Positions), len(u.Hashes))
	}
	err = binary.Write(w, binary.BigEndian, uint32(len(u.Positions)))
	if err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, u.Positions)
	if err != nil {
		return err
	}
	for _, h := range u.Hashes {
		if _, err = w.Write(h[:]); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads an undo block in.
func (u *UndoBlock) Deserialize(r io.Reader) error {
	err := binary.Read(r, binary.BigEndian, &u.Height)
	if err != nil {
		return err
	}
	err = binary.Read(r, binary.BigEndian, &u.NumAdds)
	if err != nil {
		return err
	}
	err = binary.Read(r, binary.BigEndian, &u.PrevRows)
	if err != nil {
		return err
	}
	u.Adds = make([]Hash, u.NumAdds)
	for i := range u.Adds {
		if _, err = io.ReadFull(r, u.Adds[i][:]); err != nil {
			return err
		}
	}
	var numDels uint32
	err = binary.Read(r, binary.BigEndian, &numDels)
	if err != nil {
		return err
	}
	u.Positions = make([]uint64, numDels)
	err = binary.Read(r, binary.BigEndian, u.Positions)
	if err != nil {
		return err
	}
	u.Hashes = make([]Hash, numDels)
	for i := range u.Hashes {
		if _, err = io.ReadFull(r, u.Hashes[i][:]); err != nil {
			return err
		}
	}
	return nil
}
