// Package prover drives the bridge: it follows the chain source block by
// block, keeps the full utreexo forest and the utxo index in step, writes
// proof bundles, undo records and checkpoints, and rolls the whole thing
// back through reorgs.  One goroutine owns the forest; everyone else talks
// to it through the request queue or reads committed state from leveldb.
package prover

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/m-kus/rpc-utreexo-bridge/accumulator"
	"github.com/m-kus/rpc-utreexo-bridge/blockstore"
	"github.com/m-kus/rpc-utreexo-bridge/chainsource"
	"github.com/m-kus/rpc-utreexo-bridge/chainview"
	"github.com/m-kus/rpc-utreexo-bridge/udata"
)

var (
	// ErrReorgTooDeep means the chain source wants us to unwind further
	// than the configured bound.  That's not a reorg, that's a broken or
	// hostile upstream, and the prover stops rather than follow it.
	ErrReorgTooDeep = errors.New("reorg too deep")

	// ErrQueueFull is returned to proof requesters when the request
	// channel is at capacity.  Callers back off; the queue never grows.
	ErrQueueFull = errors.New("request queue full")

	// ErrNoCheckpoint means no committed state exists at the requested
	// height.
	ErrNoCheckpoint = errors.New("no checkpoint at height")
)

// firstBlockHeight is the first block whose txos enter the accumulator.
// The genesis coinbase is unspendable by consensus so it never goes in.
const firstBlockHeight = 1

const forestFileName = "forest.dat"

// State is where the prover's main loop currently is.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateApplying
	StatePersisting
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateApplying:
		return "applying"
	case StatePersisting:
		return "persisting"
	case StateRollingBack:
		return "rolling back"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// Config wires a Prover up.
type Config struct {
	// DataDir holds the meta db and forest snapshots.
	DataDir string

	Source chainsource.ChainSource
	View   *chainview.View

	// Blocks stores raw blocks by block hash; Proofs stores proof
	// bundles by height.  Both are shared read-side with the servers.
	Blocks *blockstore.Store
	Proofs *blockstore.Store

	// CheckpointInterval is how many blocks between forest snapshots.
	CheckpointInterval int32

	// MaxReorgDepth bounds rollback; deeper is fatal.
	MaxReorgDepth int32

	// PollInterval is how long to sit idle when the source has no new
	// block for us.
	PollInterval time.Duration

	// QueueSize caps the proof request queue.
	QueueSize int
}

// Prover is the single writer of the forest, the utxo index and the chain
// view.  Construct with New (which performs crash recovery), drive with
// Run, stop with Stop.
type Prover struct {
	cfg  Config
	meta *leveldb.DB

	forest *accumulator.Forest
	height int32 // last committed block height, firstBlockHeight-1 at genesis
	state  State

	requests chan *ProofRequest
	quit     chan struct{}
	stopOnce sync.Once
}

// New opens the prover's state and recovers it to the last committed
// block: latest forest snapshot plus a forward replay of the undo records
// committed after it.
func New(cfg Config) (*Prover, error) {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 100
	}
	if cfg.MaxReorgDepth <= 0 {
		cfg.MaxReorgDepth = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	meta, err := leveldb.OpenFile(
		filepath.Join(cfg.DataDir, "meta"), &opt.Options{})
	if err != nil {
		return nil, err
	}

	p := &Prover{
		cfg:      cfg,
		meta:     meta,
		requests: make(chan *ProofRequest, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
	if err := p.recover(); err != nil {
		meta.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the prover's state.  Call after Run has returned.
func (p *Prover) Close() error {
	return p.meta.Close()
}

// Stop asks the main loop to exit after the iteration in flight.  Safe to
// call more than once.
func (p *Prover) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
}

// Height returns the last committed block height.
func (p *Prover) Height() int32 {
	return p.height
}

// stopping is the once-per-iteration kill flag check.
func (p *Prover) stopping() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

func (p *Prover) setState(s State) {
	if p.state != s {
		log.Debugf("prover %v -> %v at height %d", p.state, s, p.height)
		p.state = s
	}
}

// Run is the main loop.  It blocks until Stop is called or something fatal
// happens; either way no block is ever left half committed.
func (p *Prover) Run() error {
	log.Infof("prover starting at height %d", p.height)
	for !p.stopping() {
		p.drainRequests()

		p.setState(StateFetching)
		header, err := p.cfg.Source.HeaderAtHeight(p.height + 1)
		switch {
		case errors.Is(err, chainsource.ErrBlockNotFound):
			// caught up; watch for the tip moving out from under us
			if err := p.checkTipStillOurs(); err != nil {
				return err
			}
			p.setState(StateIdle)
			p.idle()
			continue
		case err != nil:
			log.Warnf("chain source: %v", err)
			p.setState(StateIdle)
			p.idle()
			continue
		}

		status, err := p.cfg.View.AcceptHeader(header)
		if err != nil {
			return err
		}
		if status == chainview.StatusReorgDetected {
			if err := p.rollbackToFork(header); err != nil {
				return err
			}
			continue
		}

		// a failed body fetch is the source's problem, not ours; the
		// header comes back as a duplicate next pass and we try again
		block, err := p.cfg.Source.FetchBlock(header.Hash)
		if err != nil {
			log.Warnf("chain source: fetching block %d: %v",
				header.Height, err)
			p.setState(StateIdle)
			p.idle()
			continue
		}

		if err := p.processBlock(header, block); err != nil {
			return err
		}
	}
	// a fresh snapshot makes the next startup skip the replay
	if err := p.writeCheckpoint(p.height); err != nil {
		return err
	}
	log.Infof("prover stopped at height %d", p.height)
	return nil
}

// idle waits out the poll interval, still answering proof requests.
func (p *Prover) idle() {
	deadline := time.NewTimer(p.cfg.PollInterval)
	defer deadline.Stop()
	for {
		select {
		case <-p.quit:
			return
		case req := <-p.requests:
			p.handleRequest(req)
		case <-deadline.C:
			return
		}
	}
}

// checkTipStillOurs notices reorgs that shorten the chain: the source has
// no block above our height, but its block at our height is no longer the
// one we processed.
func (p *Prover) checkTipStillOurs() error {
	if p.height < firstBlockHeight {
		return nil
	}
	tip, ok := p.cfg.View.Tip()
	if !ok {
		return nil
	}
	srcHash, err := p.cfg.Source.BlockHashAtHeight(p.height)
	if err != nil || srcHash == tip.Hash {
		return nil
	}
	header, err := p.cfg.Source.FetchHeader(srcHash)
	if err != nil {
		return nil
	}
	log.Warnf("tip replaced at height %d: %s -> %s", p.height, tip.Hash, srcHash)
	return p.rollbackToFork(header)
}

// processBlock runs one fetched block through apply and persist.  The
// header has already been accepted by the chain view.
func (p *Prover) processBlock(header chainview.Header, block *wire.MsgBlock) error {
	p.setState(StateApplying)

	if got := block.BlockHash(); got != header.Hash {
		return fmt.Errorf("source gave block %s for header %s", got, header.Hash)
	}

	// same-block creates and spends cancel out before the accumulator
	// ever sees them
	inskip, outskip := udata.DedupeBlock(block)
	delOPs := udata.BlockToDelOPs(block, inskip)
	adds := udata.BlockToAddLeaves(block, header.Hash, outskip, header.Height)

	// translate spends to leaf datas via the utxo index
	delLeaves := make([]udata.LeafData, len(delOPs))
	var err error
	for i, op := range delOPs {
		if delLeaves[i], err = p.lookupLeaf(op); err != nil {
			return fmt.Errorf("block %d: %w", header.Height, err)
		}
	}

	// proofs are against the state before this block
	ud, err := udata.GenUData(delLeaves, p.forest, header.Height)
	if err != nil {
		return err
	}

	addHashes := make([]accumulator.Hash, len(adds))
	for i := range adds {
		addHashes[i] = adds[i].LeafHash()
	}
	undo, err := p.forest.ApplyBlock(addHashes, ud.Proofs, header.Height)
	if err != nil {
		return fmt.Errorf("applying block %d: %w", header.Height, err)
	}

	if err := p.persistBlock(header, block, ud, undo, delOPs, adds); err != nil {
		return err
	}

	p.height = header.Height
	if p.height%1000 == 0 {
		log.Infof("height %d: %d leaves, %d live",
			p.height, p.forest.NumLeaves(), p.forest.NumLive())
	}
	return nil
}

// persistBlock writes everything one block produced.  The meta batch last:
// it's the commit point, and it's atomic.
func (p *Prover) persistBlock(header chainview.Header, block *wire.MsgBlock,
	ud *udata.UData, undo *accumulator.UndoBlock,
	delOPs []wire.OutPoint, adds []udata.LeafData) error {

	p.setState(StatePersisting)

	var blockBuf bytes.Buffer
	if err := block.Serialize(&blockBuf); err != nil {
		return err
	}
	if _, err := p.cfg.Blocks.Put(header.Hash[:], blockBuf.Bytes()); err != nil {
		return fmt.Errorf("storing block %d: %w", header.Height, err)
	}

	var udBuf bytes.Buffer
	if err := ud.Serialize(&udBuf); err != nil {
		return err
	}
	_, err := p.cfg.Proofs.Put(
		blockstore.HeightKey(header.Height), udBuf.Bytes())
	if err != nil {
		return fmt.Errorf("storing proofs %d: %w", header.Height, err)
	}

	var undoBuf bytes.Buffer
	if err := undo.Serialize(&undoBuf); err != nil {
		return err
	}
	rr := RootsRecord{NumLeaves: p.forest.NumLeaves(), Roots: p.forest.Roots()}

	batch := new(leveldb.Batch)
	for _, op := range delOPs {
		batch.Delete(outpointKey(op))
	}
	for i := range adds {
		var ldBuf bytes.Buffer
		if err := adds[i].Serialize(&ldBuf); err != nil {
			return err
		}
		batch.Put(outpointKey(adds[i].Outpoint), ldBuf.Bytes())
	}
	batch.Put(undoKey(header.Height), undoBuf.Bytes())
	batch.Put(rootsKey(header.Height), rr.toBytes())
	batch.Put(metaTipKey, heightBytes(header.Height))
	if err := p.meta.Write(batch, nil); err != nil {
		return err
	}

	if header.Height%p.cfg.CheckpointInterval == 0 {
		if err := p.writeCheckpoint(header.Height); err != nil {
			return err
		}
	}
	return nil
}

// rollbackToFork unwinds to the last common ancestor with the branch the
// candidate header sits on, then lets the main loop walk the new branch
// forward.
func (p *Prover) rollbackToFork(candidate chainview.Header) error {
	p.setState(StateRollingBack)

	fork, err := p.cfg.View.FindFork(candidate, p.cfg.Source)
	if err != nil {
		return err
	}
	depth := p.height - fork
	log.Warnf("reorg: fork at height %d, unwinding %d blocks", fork, depth)
	if depth > p.cfg.MaxReorgDepth {
		return fmt.Errorf("%w: %d blocks past height %d",
			ErrReorgTooDeep, depth, fork)
	}

	for h := p.height; h > fork; h-- {
		if err := p.rollbackBlock(h); err != nil {
			return fmt.Errorf("rolling back block %d: %w", h, err)
		}
		p.height = h - 1
	}
	if err := p.cfg.View.Rewind(fork); err != nil {
		return err
	}
	// the snapshot on disk may now be from above the tip; replace it so
	// recovery never has to roll a snapshot backwards
	return p.writeCheckpoint(p.height)
}

// rollbackBlock reverses one committed block: the forest via its undo
// record, the utxo index via the stored proof bundle (which carries the
// spent leaf datas) and the stored raw block (which names the created
// outputs).
func (p *Prover) rollbackBlock(height int32) error {
	undo, err := p.loadUndo(height)
	if err != nil {
		return err
	}
	if err := p.forest.Undo(undo); err != nil {
		return err
	}

	udBytes, err := p.cfg.Proofs.Get(blockstore.HeightKey(height))
	if err != nil {
		return err
	}
	ud := new(udata.UData)
	if err := ud.Deserialize(bytes.NewReader(udBytes)); err != nil {
		return err
	}

	hash, err := p.cfg.View.HashAtHeight(height)
	if err != nil {
		return err
	}
	blockBytes, err := p.cfg.Blocks.Get(hash[:])
	if err != nil {
		return err
	}
	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(blockBytes)); err != nil {
		return err
	}
	_, outskip := udata.DedupeBlock(block)
	adds := udata.BlockToAddLeaves(block, hash, outskip, height)

	batch := new(leveldb.Batch)
	for i := range adds {
		batch.Delete(outpointKey(adds[i].Outpoint))
	}
	for i := range ud.Stxos {
		var ldBuf bytes.Buffer
		if err := ud.Stxos[i].Serialize(&ldBuf); err != nil {
			return err
		}
		batch.Put(outpointKey(ud.Stxos[i].Outpoint), ldBuf.Bytes())
	}
	batch.Delete(undoKey(height))
	batch.Delete(rootsKey(height))
	batch.Put(metaTipKey, heightBytes(height-1))
	return p.meta.Write(batch, nil)
}
