package udata

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/m-kus/rpc-utreexo-bridge/accumulator"
)

// UData is the per block proof bundle the bridge hands out: inclusion
// proofs for every txo the block spends, plus the leaf data needed to
// actually validate those spends.  One leaf data per proof, same order.
type UData struct {
	Height int32
	Proofs []accumulator.Proof
	Stxos  []LeafData
}

// ProofSanity checks that the bundle is consistent with itself: a proof per
// stxo, and every leaf data hashing to the payload its proof commits to.
func (ud *UData) ProofSanity() error {
	if len(ud.Proofs) != len(ud.Stxos) {
		return fmt.Errorf("h %d: %d proofs but %d leaf datas",
			ud.Height, len(ud.Proofs), len(ud.Stxos))
	}
	for i := range ud.Stxos {
		lh := ud.Stxos[i].LeafHash()
		if ud.Proofs[i].Payload != lh {
			return fmt.Errorf("h %d: %s hashes to %x but proof %d commits to %x",
				ud.Height, ud.Stxos[i].OPString(), lh.Prefix(),
				i, ud.Proofs[i].Payload.Prefix())
		}
	}
	return nil
}

// Verify checks every proof in the bundle against a root set.
func (ud *UData) Verify(roots []accumulator.Hash, numLeaves uint64) error {
	if err := ud.ProofSanity(); err != nil {
		return err
	}
	for i := range ud.Proofs {
		err := accumulator.VerifyAgainstRoots(ud.Proofs[i], roots, numLeaves)
		if err != nil {
			return fmt.Errorf("h %d proof %d: %w", ud.Height, i, err)
		}
	}
	return nil
}

// SerializeSize says how big the serialized bundle is.
func (ud *UData) SerializeSize() int {
	size := 8 // 4B height, 4B count
	for i := range ud.Proofs {
		size += ud.Proofs[i].SerializeSize()
	}
	for i := range ud.Stxos {
		size += ud.Stxos[i].SerializeSize()
	}
	return size
}

// Serialize writes the bundle out: height, count, proofs, leaf datas.
func (ud *UData) Serialize(w io.Writer) error {
	if len(ud.Proofs) != len(ud.Stxos) {
		return fmt.Errorf("h %d: %d proofs but %d leaf datas",
			ud.Height, len(ud.Proofs), len(ud.Stxos))
	}
	err := binary.Write(w, binary.BigEndian, ud.Height)
	if err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, uint32(len(ud.Proofs)))
	if err != nil {
		return err
	}
	for i := range ud.Proofs {
		if err = ud.Proofs[i].Serialize(w); err != nil {
			return err
		}
	}
	for i := range ud.Stxos {
		if err = ud.Stxos[i].Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads a bundle in.
func (ud *UData) Deserialize(r io.Reader) error {
	err := binary.Read(r, binary.BigEndian, &ud.Height)
	if err != nil {
		return err
	}
	var count uint32
	if err = binary.Read(r, binary.BigEndian, &count); err != nil {
		return err
	}
	ud.Proofs = make([]accumulator.Proof, count)
	for i := range ud.Proofs {
		if err = ud.Proofs[i].Deserialize(r); err != nil {
			return fmt.Errorf("h %d proof %d: %w", ud.Height, i, err)
		}
	}
	ud.Stxos = make([]LeafData, count)
	for i := range ud.Stxos {
		if err = ud.Stxos[i].Deserialize(r); err != nil {
			return fmt.Errorf("h %d leaf data %d: %w", ud.Height, i, err)
		}
	}
	return nil
}

// GenUData builds the proof bundle for one block's spends: a batched
// inclusion proof from the forest plus the leaf data for each spent txo.
func GenUData(delLeaves []LeafData, f *accumulator.Forest, height int32) (
	*UData, error) {

	ud := &UData{Height: height, Stxos: delLeaves}
	delHashes := make([]accumulator.Hash, len(delLeaves))
	for i := range delLeaves {
		delHashes[i] = delLeaves[i].LeafHash()
	}
	var err error
	ud.Proofs, err = f.ProveBatch(delHashes)
	if err != nil {
		return nil, fmt.Errorf("genUData h %d: %w", height, err)
	}
	return ud, nil
}
