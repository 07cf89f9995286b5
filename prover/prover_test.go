package prover

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/m-kus/rpc-utreexo-bridge/accumulator"
	"github.com/m-kus/rpc-utreexo-bridge/blockstore"
	"github.com/m-kus/rpc-utreexo-bridge/chainsource"
	"github.com/m-kus/rpc-utreexo-bridge/chainview"
	"github.com/m-kus/rpc-utreexo-bridge/udata"
)

// fakeSource serves a hand built chain of real wire blocks.  It remembers
// every block it ever made, including orphaned branches, so fork point
// searches can walk them; the best chain is whatever bestChain currently
// says.
type fakeSource struct {
	mtx sync.Mutex

	headers   map[chainhash.Hash]chainview.Header
	blocks    map[chainhash.Hash]*wire.MsgBlock
	bestChain []chainhash.Hash // index = height, entry 0 unused

	// unspent coinbase outputs available for the next spend
	spendable []wire.OutPoint

	// remaining FetchBlock calls to fail, simulating a flaky upstream
	failFetches int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		headers:   make(map[chainhash.Hash]chainview.Header),
		blocks:    make(map[chainhash.Hash]*wire.MsgBlock),
		bestChain: []chainhash.Hash{{}},
	}
}

// addBlock builds and attaches one block on the current best tip.  tag
// makes the coinbase (and so the block hash) branch-unique.  spend, when
// set, adds a tx consuming that outpoint.
func (fs *fakeSource) addBlock(tag string, spend *wire.OutPoint) chainhash.Hash {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	return fs.attach(tag, spend)
}

func (fs *fakeSource) attach(tag string, spend *wire.OutPoint) chainhash.Hash {
	height := int32(len(fs.bestChain))
	prev := fs.bestChain[height-1]

	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(&wire.TxIn{
		SignatureScript: []byte(fmt.Sprintf("h%d %s", height, tag)),
	})
	coinbase.AddTxOut(&wire.TxOut{Value: 50, PkScript: []byte{0x51}})
	coinbase.AddTxOut(&wire.TxOut{Value: 25, PkScript: []byte{0x52}})

	blk := wire.NewMsgBlock(&wire.BlockHeader{
		PrevBlock:  prev,
		MerkleRoot: coinbase.TxHash(),
	})
	blk.AddTransaction(coinbase)

	if spend != nil {
		tx := wire.NewMsgTx(1)
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: *spend})
		tx.AddTxOut(&wire.TxOut{Value: 10, PkScript: []byte{0x53}})
		blk.AddTransaction(tx)
	}

	hash := blk.BlockHash()
	header := chainview.Header{
		Hash:   hash,
		Prev:   prev,
		Height: height,
		Work:   big.NewInt(int64(height) * 100),
	}
	fs.headers[hash] = header
	fs.blocks[hash] = blk
	fs.bestChain = append(fs.bestChain, hash)

	fs.spendable = append(fs.spendable,
		wire.OutPoint{Hash: coinbase.TxHash(), Index: 0},
		wire.OutPoint{Hash: coinbase.TxHash(), Index: 1})
	return hash
}

// reorg drops the best chain back to forkHeight and grows count new blocks
// with a different tag.  Old branch blocks stay fetchable by hash.
func (fs *fakeSource) reorg(forkHeight int32, count int, tag string,
	spend *wire.OutPoint) {

	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	fs.bestChain = fs.bestChain[:forkHeight+1]
	for i := 0; i < count; i++ {
		var sp *wire.OutPoint
		if i == 0 {
			sp = spend
		}
		fs.attach(tag, sp)
	}
}

func (fs *fakeSource) FetchHeader(hash chainhash.Hash) (chainview.Header, error) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	h, ok := fs.headers[hash]
	if !ok {
		return chainview.Header{}, fmt.Errorf("no header %s", hash)
	}
	return h, nil
}

func (fs *fakeSource) FetchBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	if fs.failFetches > 0 {
		fs.failFetches--
		return nil, fmt.Errorf("connection reset fetching %s", hash)
	}
	blk, ok := fs.blocks[hash]
	if !ok {
		return nil, fmt.Errorf("no block %s", hash)
	}
	return blk, nil
}

func (fs *fakeSource) BlockHashAtHeight(height int32) (chainhash.Hash, error) {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	if height < 1 || int(height) >= len(fs.bestChain) {
		return chainhash.Hash{}, fmt.Errorf("%w: height %d",
			chainsource.ErrBlockNotFound, height)
	}
	return fs.bestChain[height], nil
}

func (fs *fakeSource) HeaderAtHeight(height int32) (chainview.Header, error) {
	hash, err := fs.BlockHashAtHeight(height)
	if err != nil {
		return chainview.Header{}, err
	}
	return fs.FetchHeader(hash)
}

func (fs *fakeSource) BestHeader() (chainview.Header, error) {
	fs.mtx.Lock()
	tip := fs.bestChain[len(fs.bestChain)-1]
	fs.mtx.Unlock()
	return fs.FetchHeader(tip)
}

func (fs *fakeSource) Close() {}

// pickSpend pops the oldest coinbase output not yet handed to a spend.
func (fs *fakeSource) pickSpend() *wire.OutPoint {
	fs.mtx.Lock()
	defer fs.mtx.Unlock()
	op := fs.spendable[0]
	fs.spendable = fs.spendable[1:]
	return &op
}

// harness holds one prover and everything it's wired to.
type harness struct {
	p      *Prover
	view   *chainview.View
	blocks *blockstore.Store
	proofs *blockstore.Store
	dir    string
	src    *fakeSource

	errc    chan error
	stopped bool
	closed  bool
}

func newHarness(t *testing.T, src *fakeSource, dir string, cfgTweak func(*Config)) *harness {
	view, err := chainview.Open(filepath.Join(dir, "chainview"))
	require.NoError(t, err)
	blocks, err := blockstore.New(filepath.Join(dir, "blocks"), "blk", 0)
	require.NoError(t, err)
	proofs, err := blockstore.New(filepath.Join(dir, "proofs"), "prf", 0)
	require.NoError(t, err)

	cfg := Config{
		DataDir:            filepath.Join(dir, "prover"),
		Source:             src,
		View:               view,
		Blocks:             blocks,
		Proofs:             proofs,
		CheckpointInterval: 5,
		MaxReorgDepth:      50,
		PollInterval:       5 * time.Millisecond,
		QueueSize:          8,
	}
	if cfgTweak != nil {
		cfgTweak(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)

	h := &harness{p: p, view: view, blocks: blocks, proofs: proofs, dir: dir, src: src}
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	if h.closed {
		return
	}
	h.closed = true
	if h.errc != nil && !h.stopped {
		h.p.Stop()
		<-h.errc
	}
	h.p.Close()
	h.proofs.Close()
	h.blocks.Close()
	h.view.Close()
}

// start launches the main loop.
func (h *harness) start() {
	h.errc = make(chan error, 1)
	go func() { h.errc <- h.p.Run() }()
}

// waitHeight blocks until the committed tip reaches want.  Fails fast if
// the loop exits first.
func (h *harness) waitHeight(t *testing.T, want int32) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		_, height, err := h.p.CurrentRoots()
		require.NoError(t, err)
		if height >= want {
			return
		}
		select {
		case err := <-h.errc:
			h.stopped = true
			t.Fatalf("prover exited at height %d wanting %d: %v",
				height, want, err)
		case <-deadline:
			t.Fatalf("prover stuck at height %d wanting %d", height, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// stopAndWait shuts the loop down and returns whatever Run returned.
func (h *harness) stopAndWait() error {
	h.p.Stop()
	h.stopped = true
	return <-h.errc
}

func TestSyncAndProve(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 8; i++ {
		src.addBlock("a", nil)
	}
	sp := src.pickSpend()
	src.addBlock("a", sp) // block 9 spends a coinbase output

	h := newHarness(t, src, t.TempDir(), nil)
	h.start()
	h.waitHeight(t, 9)
	require.NoError(t, h.stopAndWait())
	require.Equal(t, int32(9), h.p.Height())

	rr, height, err := h.p.CurrentRoots()
	require.NoError(t, err)
	require.Equal(t, int32(9), height)
	// 9 blocks x 2 coinbase outputs + 1 spend output, minus 1 spent
	require.Equal(t, uint64(19), rr.NumLeaves)

	// a live output proves against the current roots
	live := src.pickSpend()
	resp := request(t, h.p, &ProofRequest{Outpoint: live})
	require.NoError(t, resp.Err)
	require.NoError(t,
		accumulator.VerifyAgainstRoots(resp.Proof, resp.Roots, resp.NumLeaves))
	require.Equal(t, *live, resp.Leaf.Outpoint)

	// the spent one is gone from the live set
	resp = request(t, h.p, &ProofRequest{Outpoint: sp})
	require.ErrorIs(t, resp.Err, accumulator.ErrUnknownLeaf)

	// but its proof at spend height is served from the stored bundle
	resp = request(t, h.p, &ProofRequest{Outpoint: sp, Height: 9})
	require.NoError(t, resp.Err)
	require.Equal(t, *sp, resp.Leaf.Outpoint)
	require.NoError(t,
		accumulator.VerifyAgainstRoots(resp.Proof, resp.Roots, resp.NumLeaves))

	// no bundle at unprocessed heights
	resp = request(t, h.p, &ProofRequest{Outpoint: sp, Height: 99})
	require.ErrorIs(t, resp.Err, ErrNoCheckpoint)
}

// request runs one proof request through a stopped prover: queue it, then
// drain the queue the way the main loop would.
func request(t *testing.T, p *Prover, req *ProofRequest) ProofResponse {
	req.Resp = make(chan ProofResponse, 1)
	require.NoError(t, p.RequestProof(req))
	p.drainRequests()
	return <-req.Resp
}

func TestRecoveryReplaysToTip(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 12; i++ {
		var sp *wire.OutPoint
		if i == 7 {
			sp = src.pickSpend()
		}
		src.addBlock("a", sp)
	}

	dir := t.TempDir()
	h := newHarness(t, src, dir, nil)
	h.start()
	h.waitHeight(t, 12)
	require.NoError(t, h.stopAndWait())
	wantRoots, _, err := h.p.CurrentRoots()
	require.NoError(t, err)
	h.close()

	// lose the snapshot; recovery has to rebuild the forest from the
	// committed undo records alone
	require.NoError(t,
		os.Remove(filepath.Join(dir, "prover", forestFileName)))

	h2 := newHarness(t, src, dir, nil)
	require.Equal(t, int32(12), h2.p.Height())
	gotRoots, height, err := h2.p.CurrentRoots()
	require.NoError(t, err)
	require.Equal(t, int32(12), height)
	require.Equal(t, wantRoots.Roots, gotRoots.Roots)

	// and it keeps syncing new blocks
	src.addBlock("a", nil)
	h2.start()
	h2.waitHeight(t, 13)
	require.NoError(t, h2.stopAndWait())
	h2.close()

	// recovery is idempotent: another restart lands in the same place
	h3 := newHarness(t, src, dir, nil)
	require.Equal(t, int32(13), h3.p.Height())
	gotRoots, _, err = h3.p.CurrentRoots()
	require.NoError(t, err)
	// 13 blocks x 2 coinbase outputs + 1 spend output
	require.Equal(t, uint64(27), gotRoots.NumLeaves)
}

// TestFetchBlockErrorRetries covers the fetch phase against a flaky chain
// source: failed block fetches are not fatal, the loop idles and re-asks
// until the body arrives.
func TestFetchBlockErrorRetries(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 5; i++ {
		src.addBlock("a", nil)
	}
	src.mtx.Lock()
	src.failFetches = 3
	src.mtx.Unlock()

	h := newHarness(t, src, t.TempDir(), nil)
	h.start()
	h.waitHeight(t, 5)
	require.NoError(t, h.stopAndWait())
	require.Equal(t, int32(5), h.p.Height())

	rr, _, err := h.p.CurrentRoots()
	require.NoError(t, err)
	require.Equal(t, uint64(10), rr.NumLeaves)
}

func TestReorgMatchesFreshSync(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 10; i++ {
		src.addBlock("a", nil)
	}
	sp := src.pickSpend()

	h := newHarness(t, src, t.TempDir(), nil)
	h.start()
	h.waitHeight(t, 10)

	// fork at 7: the new branch is longer and spends an output the old
	// branch never touched
	src.reorg(7, 5, "b", sp)
	h.waitHeight(t, 12)
	require.NoError(t, h.stopAndWait())
	require.Equal(t, int32(12), h.p.Height())

	gotRoots, _, err := h.p.CurrentRoots()
	require.NoError(t, err)

	// a prover that only ever saw the final chain has to agree
	fresh := newHarness(t, src, t.TempDir(), nil)
	fresh.start()
	fresh.waitHeight(t, 12)
	require.NoError(t, fresh.stopAndWait())
	wantRoots, _, err := fresh.p.CurrentRoots()
	require.NoError(t, err)
	require.Equal(t, wantRoots.Roots, gotRoots.Roots)
	require.Equal(t, wantRoots.NumLeaves, gotRoots.NumLeaves)
}

func TestReorgTooDeepIsFatal(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 10; i++ {
		src.addBlock("a", nil)
	}
	h := newHarness(t, src, t.TempDir(), func(c *Config) {
		c.MaxReorgDepth = 2
	})
	h.start()
	h.waitHeight(t, 10)

	src.reorg(5, 7, "b", nil) // depth 5, bound 2
	select {
	case err := <-h.errc:
		h.stopped = true
		require.ErrorIs(t, err, ErrReorgTooDeep)
	case <-time.After(10 * time.Second):
		t.Fatal("prover kept running through a too-deep reorg")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	src := newFakeSource()
	src.addBlock("a", nil)
	h := newHarness(t, src, t.TempDir(), nil)
	h.start()
	h.waitHeight(t, 1)
	require.NoError(t, h.stopAndWait())
	// signal handlers and cleanup paths can both land here
	h.p.Stop()
}

func TestQueueBackpressure(t *testing.T) {
	src := newFakeSource()
	src.addBlock("a", nil)
	h := newHarness(t, src, t.TempDir(), func(c *Config) {
		c.QueueSize = 2
	})

	lh := accumulator.HashFromString("whatever")
	req := func() *ProofRequest {
		return &ProofRequest{LeafHash: &lh, Resp: make(chan ProofResponse, 1)}
	}
	require.NoError(t, h.p.RequestProof(req()))
	require.NoError(t, h.p.RequestProof(req()))
	require.ErrorIs(t, h.p.RequestProof(req()), ErrQueueFull)
}

func TestUtxoIndexFollowsSpends(t *testing.T) {
	src := newFakeSource()
	for i := 0; i < 3; i++ {
		src.addBlock("a", nil)
	}
	sp := src.pickSpend()
	src.addBlock("a", sp)

	h := newHarness(t, src, t.TempDir(), nil)
	h.start()
	h.waitHeight(t, 4)
	require.NoError(t, h.stopAndWait())

	_, err := h.p.lookupLeaf(*sp)
	require.ErrorIs(t, err, accumulator.ErrUnknownLeaf)

	ld, err := h.p.lookupLeaf(*src.pickSpend())
	require.NoError(t, err)
	require.Equal(t, int64(25), ld.Amt)

	// every stored bundle round trips and self checks
	for height := int32(1); height <= 4; height++ {
		raw, err := h.proofs.Get(blockstore.HeightKey(height))
		require.NoError(t, err)
		ud := new(udata.UData)
		require.NoError(t, ud.Deserialize(bytes.NewReader(raw)))
		require.NoError(t, ud.ProofSanity())
	}
}
