package udata

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/btcsuite/btcd/wire"

	"github.com/m-kus/rpc-utreexo-bridge/accumulator"
)

// maxPkScriptSize is the largest script this code will serialize.  Checked
// on both ends; anything bigger than this in a txo is malformed anyway.
const maxPkScriptSize = 10000

// LeafData is everything that goes into an accumulator leaf for one utxo.
// It's enough data to verify the spend of that utxo without the utxo set:
// where it came from, where it sits, and what it's worth.
type LeafData struct {
	BlockHash [32]byte
	Outpoint  wire.OutPoint
	Height    int32
	Coinbase  bool
	Amt       int64
	PkScript  []byte
}

// OPString returns just the outpoint of this leafdata as a string.
func (l *LeafData) OPString() string {
	buf := make([]byte, 64+1, 64+1+10)
	copy(buf, l.Outpoint.Hash.String())
	buf[64] = ':'
	buf = strconv.AppendUint(buf, uint64(l.Outpoint.Index), 10)
	return string(buf)
}

// ToString turns a LeafData into a string.
func (l *LeafData) ToString() string {
	return fmt.Sprintf("%s h %d cb %v amt %d pks %x -> %x",
		l.OPString(), l.Height, l.Coinbase, l.Amt, l.PkScript,
		l.LeafHash().Prefix())
}

// SerializeSize says how big a leafdata is.
func (l *LeafData) SerializeSize() int {
	// 32B blockhash, 36B outpoint, 4B height/coinbase, 8B amt,
	// 2B script len, script
	return 82 + len(l.PkScript)
}

// Serialize puts LeafData onto a writer.  Coinbaseness rides in the low bit
// of the height field, same as on disk.
func (l *LeafData) Serialize(w io.Writer) error {
	if len(l.PkScript) > maxPkScriptSize {
		return fmt.Errorf("%s pkscript %d bytes too long",
			l.OPString(), len(l.PkScript))
	}
	hcb := l.Height << 1
	if l.Coinbase {
		hcb |= 1
	}

	_, err := w.Write(l.BlockHash[:])
	if err != nil {
		return err
	}
	if _, err = w.Write(l.Outpoint.Hash[:]); err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, l.Outpoint.Index)
	if err != nil {
		return err
	}
	if err = binary.Write(w, binary.BigEndian, hcb); err != nil {
		return err
	}
	if err = binary.Write(w, binary.BigEndian, l.Amt); err != nil {
		return err
	}
	err = binary.Write(w, binary.BigEndian, uint16(len(l.PkScript)))
	if err != nil {
		return err
	}
	_, err = w.Write(l.PkScript)
	return err
}

// Deserialize reads a LeafData off a reader.
func (l *LeafData) Deserialize(r io.Reader) error {
	_, err := io.ReadFull(r, l.BlockHash[:])
	if err != nil {
		return err
	}
	if _, err = io.ReadFull(r, l.Outpoint.Hash[:]); err != nil {
		return err
	}
	err = binary.Read(r, binary.BigEndian, &l.Outpoint.Index)
	if err != nil {
		return err
	}
	if err = binary.Read(r, binary.BigEndian, &l.Height); err != nil {
		return err
	}
	if err = binary.Read(r, binary.BigEndian, &l.Amt); err != nil {
		return err
	}

	var pkSize uint16
	if err = binary.Read(r, binary.BigEndian, &pkSize); err != nil {
		return err
	}
	if pkSize > maxPkScriptSize {
		return fmt.Errorf("%s pkscript %d bytes too long",
			l.OPString(), pkSize)
	}
	l.PkScript = make([]byte, pkSize)
	if _, err = io.ReadFull(r, l.PkScript); err != nil {
		return err
	}

	l.Coinbase = l.Height&1 == 1
	l.Height >>= 1
	return nil
}

// LeafHash turns a LeafData into the hash that actually goes into the
// accumulator.
func (l *LeafData) LeafHash() accumulator.Hash {
	var buf bytes.Buffer
	buf.Grow(l.SerializeSize())
	l.Serialize(&buf)
	return sha512.Sum512_256(buf.Bytes())
}
