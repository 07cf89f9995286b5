package udata

import (
	"sort"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DedupeBlock takes a block and returns the indexes of inputs and outputs
// that cancel out within it: txos created and spent inside the same block
// never touch the accumulator at all.  Indexes are block-wide, counting the
// coinbase's ins and outs even though those can never be deduped; it's
// simpler that way.
func DedupeBlock(blk *wire.MsgBlock) (inskip, outskip []uint32) {
	var i uint32
	inmap := make(map[wire.OutPoint]uint32)

	for cbif0, tx := range blk.Transactions {
		if cbif0 == 0 { // coinbase has 1 input, can't be deduped
			i++
			continue
		}
		for _, in := range tx.TxIn {
			inmap[in.PreviousOutPoint] = i
			i++
		}
	}

	i = 0
	for cbif0, tx := range blk.Transactions {
		if cbif0 == 0 {
			i += uint32(len(tx.TxOut))
			continue
		}
		txid := tx.TxHash()
		for outidx := range tx.TxOut {
			op := wire.OutPoint{Hash: txid, Index: uint32(outidx)}
			if inpos, exists := inmap[op]; exists {
				inskip = append(inskip, inpos)
				outskip = append(outskip, i)
			}
			i++
		}
	}
	// inskip is built in the order consumed, not created
	sort.Slice(inskip, func(a, b int) bool { return inskip[a] < inskip[b] })
	return
}

// BlockToAddLeaves turns all new utxos in a block into the leaf datas that
// go into the accumulator.  Unspendable outputs and anything on the skip
// list (same block spends) are left out.
func BlockToAddLeaves(blk *wire.MsgBlock, blockHash [32]byte,
	skiplist []uint32, height int32) (leaves []LeafData) {

	var txonum uint32
	for coinbaseif0, tx := range blk.Transactions {
		txid := tx.TxHash()
		for i, out := range tx.TxOut {
			if isUnspendable(out) {
				txonum++
				continue
			}
			if len(skiplist) > 0 && skiplist[0] == txonum {
				skiplist = skiplist[1:]
				txonum++
				continue
			}
			leaves = append(leaves, LeafData{
				BlockHash: blockHash,
				Outpoint:  wire.OutPoint{Hash: txid, Index: uint32(i)},
				Height:    height,
				Coinbase:  coinbaseif0 == 0,
				Amt:       out.Value,
				PkScript:  out.PkScript,
			})
			txonum++
		}
	}
	return
}

// BlockToDelOPs returns every outpoint a block spends that needs a proof:
// all inputs except the coinbase's and anything on the skip list.
func BlockToDelOPs(blk *wire.MsgBlock, skiplist []uint32) (delOPs []wire.OutPoint) {
	var blockInIdx uint32
	for txinblock, tx := range blk.Transactions {
		if txinblock == 0 {
			blockInIdx++ // coinbase always has 1 input
			continue
		}
		for _, txin := range tx.TxIn {
			if len(skiplist) > 0 && skiplist[0] == blockInIdx {
				skiplist = skiplist[1:]
				blockInIdx++
				continue
			}
			delOPs = append(delOPs, txin.PreviousOutPoint)
			blockInIdx++
		}
	}
	return
}

// isUnspendable decides whether a txo can ever appear in an input.
// OP_RETURNs and oversize scripts never make it into the accumulator.
func isUnspendable(o *wire.TxOut) bool {
	switch {
	case len(o.PkScript) > maxPkScriptSize:
		return true
	case len(o.PkScript) > 0 && o.PkScript[0] == txscript.OP_RETURN:
		return true
	default:
		return false
	}
}
