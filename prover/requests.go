package prover

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/m-kus/rpc-utreexo-bridge/accumulator"
	"github.com/m-kus/rpc-utreexo-bridge/blockstore"
	"github.com/m-kus/rpc-utreexo-bridge/udata"
)

// ProofRequest asks the prover for an inclusion proof.  Identify the leaf
// by outpoint or directly by leaf hash.  Height 0 means "against the
// current state"; a positive height consults the stored bundle of that
// block, which carries the proofs of everything that block spent.
type ProofRequest struct {
	Outpoint *wire.OutPoint
	LeafHash *accumulator.Hash
	Height   int32

	// Resp receives exactly one response.  Give it capacity 1 or be
	// reading when the prover answers.
	Resp chan ProofResponse
}

// ProofResponse is what comes back: the proof and its leaf data, plus the
// root set it verifies against.
type ProofResponse struct {
	Proof     accumulator.Proof
	Leaf      udata.LeafData
	Roots     []accumulator.Hash
	NumLeaves uint64
	Err       error
}

// RequestProof queues a request for the prover loop.  Fails immediately
// with ErrQueueFull when the queue is at capacity; callers are expected to
// back off, not spin.
func (p *Prover) RequestProof(req *ProofRequest) error {
	select {
	case p.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// drainRequests answers everything queued without blocking.  Called
// between blocks so requesters never wait behind more than one block's
// worth of processing.
func (p *Prover) drainRequests() {
	for {
		select {
		case req := <-p.requests:
			p.handleRequest(req)
		default:
			return
		}
	}
}

func (p *Prover) handleRequest(req *ProofRequest) {
	var resp ProofResponse
	if req.Height > 0 {
		resp = p.proveHistorical(req)
	} else {
		resp = p.proveCurrent(req)
	}
	select {
	case req.Resp <- resp:
	default:
		log.Warnf("proof requester went away, dropping response")
	}
}

// proveCurrent proves against the live forest.
func (p *Prover) proveCurrent(req *ProofRequest) (resp ProofResponse) {
	var leafHash accumulator.Hash
	switch {
	case req.Outpoint != nil:
		leaf, err := p.lookupLeaf(*req.Outpoint)
		if err != nil {
			resp.Err = err
			return
		}
		resp.Leaf = leaf
		leafHash = leaf.LeafHash()
	case req.LeafHash != nil:
		leafHash = *req.LeafHash
	default:
		resp.Err = fmt.Errorf("proof request names no leaf")
		return
	}

	proof, err := p.forest.ProveHash(leafHash)
	if err != nil {
		resp.Err = err
		return
	}
	resp.Proof = proof
	resp.Roots = p.forest.Roots()
	resp.NumLeaves = p.forest.NumLeaves()
	return
}

// proveHistorical serves a proof out of the stored bundle of one block:
// the proof the bridge generated when that block spent the leaf.
func (p *Prover) proveHistorical(req *ProofRequest) (resp ProofResponse) {
	udBytes, err := p.cfg.Proofs.Get(blockstore.HeightKey(req.Height))
	if err != nil {
		resp.Err = fmt.Errorf("%w %d", ErrNoCheckpoint, req.Height)
		return
	}
	ud := new(udata.UData)
	if err := ud.Deserialize(bytes.NewReader(udBytes)); err != nil {
		resp.Err = err
		return
	}

	for i := range ud.Stxos {
		if req.Outpoint != nil && ud.Stxos[i].Outpoint != *req.Outpoint {
			continue
		}
		if req.LeafHash != nil && ud.Stxos[i].LeafHash() != *req.LeafHash {
			continue
		}
		resp.Proof = ud.Proofs[i]
		resp.Leaf = ud.Stxos[i]

		// roots of the state the proof was made against: the block
		// before
		rr, err := p.RootsAtHeight(req.Height - 1)
		if err != nil && req.Height == firstBlockHeight {
			// nothing was ever spent against an empty forest, but
			// keep the shape of the answer right
			rr, err = &RootsRecord{}, nil
		}
		if err != nil {
			resp.Err = err
			return
		}
		resp.Roots = rr.Roots
		resp.NumLeaves = rr.NumLeaves
		return
	}
	resp.Err = fmt.Errorf("%w: not spent at height %d",
		accumulator.ErrUnknownLeaf, req.Height)
	return
}
