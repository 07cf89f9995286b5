package prover

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/m-kus/rpc-utreexo-bridge/accumulator"
	"github.com/m-kus/rpc-utreexo-bridge/udata"
)

// The meta db is the prover's commit log: utxo index, undo records, per
// height root sets, and the tip marker.  Every block commits as one batch,
// so a crash can never leave it half-applied.
//
// keys:
//	'x' + 36B outpoint -> LeafData   (the live utxo index)
//	'u' + 4B height    -> UndoBlock
//	'r' + 4B height    -> roots record
//	"tip"              -> 4B height processed through

var metaTipKey = []byte("tip")

func outpointKey(op wire.OutPoint) []byte {
	b := make([]byte, 37)
	b[0] = 'x'
	copy(b[1:33], op.Hash[:])
	binary.BigEndian.PutUint32(b[33:37], op.Index)
	return b
}

func undoKey(height int32) []byte {
	var b [5]byte
	b[0] = 'u'
	binary.BigEndian.PutUint32(b[1:], uint32(height))
	return b[:]
}

func rootsKey(height int32) []byte {
	var b [5]byte
	b[0] = 'r'
	binary.BigEndian.PutUint32(b[1:], uint32(height))
	return b[:]
}

func heightBytes(height int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(height))
	return b[:]
}

// RootsRecord is the accumulator commitment at one height: what the forest
// roots were after that block, and over how many leaves.
type RootsRecord struct {
	NumLeaves uint64
	Roots     []accumulator.Hash
}

func (rr *RootsRecord) toBytes() []byte {
	b := make([]byte, 9+len(rr.Roots)*32)
	binary.BigEndian.PutUint64(b[0:8], rr.NumLeaves)
	b[8] = uint8(len(rr.Roots))
	for i, r := range rr.Roots {
		copy(b[9+i*32:], r[:])
	}
	return b
}

func rootsRecordFromBytes(b []byte) (*RootsRecord, error) {
	if len(b) < 9 || len(b) != 9+int(b[8])*32 {
		return nil, fmt.Errorf("bad roots record, %d bytes", len(b))
	}
	rr := &RootsRecord{
		NumLeaves: binary.BigEndian.Uint64(b[0:8]),
		Roots:     make([]accumulator.Hash, b[8]),
	}
	for i := range rr.Roots {
		copy(rr.Roots[i][:], b[9+i*32:])
	}
	return rr, nil
}

// lookupLeaf pulls the LeafData of a live utxo out of the index.
func (p *Prover) lookupLeaf(op wire.OutPoint) (udata.LeafData, error) {
	var ld udata.LeafData
	raw, err := p.meta.Get(outpointKey(op), nil)
	if err == leveldb.ErrNotFound {
		return ld, fmt.Errorf("%w: outpoint %s", accumulator.ErrUnknownLeaf, op)
	}
	if err != nil {
		return ld, err
	}
	err = ld.Deserialize(bytes.NewReader(raw))
	return ld, err
}

// loadUndo reads back the undo record for one committed height.
func (p *Prover) loadUndo(height int32) (*accumulator.UndoBlock, error) {
	raw, err := p.meta.Get(undoKey(height), nil)
	if err != nil {
		return nil, fmt.Errorf("undo record for height %d: %w", height, err)
	}
	ub := new(accumulator.UndoBlock)
	if err := ub.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return ub, nil
}

// RootsAtHeight reads the committed root set of a processed height.  Safe
// to call from any goroutine; it never touches the live forest.
func (p *Prover) RootsAtHeight(height int32) (*RootsRecord, error) {
	raw, err := p.meta.Get(rootsKey(height), nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("%w: height %d", ErrNoCheckpoint, height)
	}
	if err != nil {
		return nil, err
	}
	return rootsRecordFromBytes(raw)
}

// CurrentRoots reads the root set as of the last committed block.
func (p *Prover) CurrentRoots() (*RootsRecord, int32, error) {
	raw, err := p.meta.Get(metaTipKey, nil)
	if err == leveldb.ErrNotFound {
		return &RootsRecord{}, -1, nil
	}
	if err != nil {
		return nil, 0, err
	}
	height := int32(binary.BigEndian.Uint32(raw))
	if height < firstBlockHeight {
		return &RootsRecord{}, height, nil
	}
	rr, err := p.RootsAtHeight(height)
	return rr, height, err
}
