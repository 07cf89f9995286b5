package accumulator

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Proof is the inclusion proof of one leaf: its current position, its hash,
// and the sibling on every row up to (not including) the root of its tree.
// Zero hashes appear as siblings like any other value; a proof always has
// exactly one sibling per row of its branch.
type Proof struct {
	Position uint64
	Payload  Hash
	Siblings []Hash
}

// Prove generates the inclusion proof for the live leaf at the given
// position.  Errors with ErrUnknownLeaf if nothing live sits there.
func (f *Forest) Prove(pos uint64) (Proof, error) {
	var pr Proof
	if pos >= uint64(len(f.data)) {
		return pr, fmt.Errorf("%w: position %d outside forest", ErrUnknownLeaf, pos)
	}
	// a slot holds a live leaf iff the position map round trips
	mapped, ok := f.positionMap[f.data[pos].Mini()]
	if !ok || mapped != pos {
		return pr, fmt.Errorf("%w: nothing live at position %d", ErrUnknownLeaf, pos)
	}

	pr.Position = pos
	pr.Payload = f.data[pos]

	_, branchLen := detectOffset(pos, f.numLeaves, f.rows)
	pr.Siblings = make([]Hash, branchLen)
	for i := uint8(0); i < branchLen; i++ {
		pr.Siblings[i] = f.data[sibling(pos)]
		pos = parent(pos, f.rows)
	}
	return pr, nil
}

// ProveHash is Prove by leaf hash instead of position.
func (f *Forest) ProveHash(h Hash) (Proof, error) {
	pos, ok := f.positionMap[h.Mini()]
	if !ok {
		return Proof{}, fmt.Errorf("%w: leaf %x not in forest",
			ErrUnknownLeaf, h.Prefix())
	}
	return f.Prove(pos)
}

// ProveBatch proves a batch of leaf hashes in one call.
func (f *Forest) ProveBatch(hs []Hash) ([]Proof, error) {
	proofs := make([]Proof, len(hs))
	for i, h := range hs {
		var err error
		proofs[i], err = f.ProveHash(h)
		if err != nil {
			return nil, err
		}
	}
	return proofs, nil
}

// VerifyProof checks a proof against the forest's current roots.  The
// payload gets hashed with each sibling up the branch; the result has to
// land exactly on the stored root of the leaf's tree.
func (f *Forest) VerifyProof(p Proof) error {
	if !inForest(p.Position, f.numLeaves, f.rows) {
		return fmt.Errorf("%w: position %d outside forest", ErrProofInvalid, p.Position)
	}
	_, branchLen := detectOffset(p.Position, f.numLeaves, f.rows)
	if uint8(len(p.Siblings)) != branchLen {
		return fmt.Errorf("%w: position %d needs %d siblings, got %d",
			ErrProofInvalid, p.Position, branchLen, len(p.Siblings))
	}

	n := p.Payload
	pos := p.Position
	for _, sib := range p.Siblings {
		if pos&1 == 0 {
			n = parentHash(n, sib)
		} else {
			n = parentHash(sib, n)
		}
		pos = parent(pos, f.rows)
	}
	if !isRootPosition(pos, f.numLeaves, f.rows) {
		return fmt.Errorf("%w: branch from %d tops out at %d, not a root",
			ErrProofInvalid, p.Position, pos)
	}
	if f.data[pos] != n {
		return fmt.Errorf("%w: got root %x, expected %x",
			ErrProofInvalid, n[:4], f.data[pos].Prefix())
	}
	return nil
}

// SerializeSize returns how many bytes the serialized proof takes up.
func (p *Proof) SerializeSize() int {
	// 8B position, 32B payload, 1B branch length, 32B per sibling
	return 41 + len(p.Siblings)*32
}

// Serialize writes the proof out, big endian like everything else.
func (p *Proof) Serialize(w io.Writer) error {
	err := binary.Write(w, binary.BigEndian, p.Position)
	if err != nil {
		return err
	}
	if _, err = w.Write(p.Payload[:]); err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, uint8(len(p.Siblings)))
	if err != nil {
		return err
	}
	for _, s := range p.Siblings {
		if _, err = w.Write(s[:]); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads a proof in.
func (p *Proof) Deserialize(r io.Reader) error {
	err := binary.Read(r, binary.BigEndian, &p.Position)
	if err != nil {
		return err
	}
	if _, err = io.ReadFull(r, p.Payload[:]); err != nil {
		return err
	}
	var branchLen uint8
	err = binary.Read(r, binary.BigEndian, &branchLen)
	if err != nil {
		return err
	}
	if branchLen > 63 {
		return fmt.Errorf("proof branch %d rows too long", branchLen)
	}
	p.Siblings = make([]Hash, branchLen)
	for i := range p.Siblings {
		if _, err = io.ReadFull(r, p.Siblings[i][:]); err != nil {
			return err
		}
	}
	return nil
}

// VerifyAgainstRoots checks a proof against an explicit root set (biggest
// tree first, as Roots returns them) without needing the full forest data.
// numLeaves gives the forest shape the proof was made for.
func VerifyAgainstRoots(p Proof, roots []Hash, numLeaves uint64) error {
	rows := treeRows(numLeaves)
	if !inForest(p.Position, numLeaves, rows) {
		return fmt.Errorf("%w: position %d outside forest", ErrProofInvalid, p.Position)
	}
	tree, branchLen := detectOffset(p.Position, numLeaves, rows)
	if uint8(len(p.Siblings)) != branchLen {
		return fmt.Errorf("%w: position %d needs %d siblings, got %d",
			ErrProofInvalid, p.Position, branchLen, len(p.Siblings))
	}
	if int(tree) >= len(roots) {
		return fmt.Errorf("%w: position %d in tree %d but only %d roots",
			ErrProofInvalid, p.Position, tree, len(roots))
	}

	n := p.Payload
	pos := p.Position
	for _, sib := range p.Siblings {
		if pos&1 == 0 {
			n = parentHash(n, sib)
		} else {
			n = parentHash(sib, n)
		}
		pos = parent(pos, rows)
	}
	if roots[tree] != n {
		return fmt.Errorf("%w: got root %x, expected %x",
			ErrProofInvalid, n[:4], roots[tree].Prefix())
	}
	return nil
}
