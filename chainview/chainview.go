// Package chainview tracks the header chain the bridge has processed: every
// accepted header goes into leveldb keyed both ways (height to header, hash
// to height), so the view survives restarts and can answer hash-at-height
// queries for the servers.  The view never touches the accumulator; on a
// reorg it only names the fork point and rewinds its own records.
package chainview

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var (
	// ErrNoCommonAncestor means a competing branch shares no ancestor with
	// ours inside the lookback window.  The chain source is feeding us
	// garbage; there's no recovering from that.
	ErrNoCommonAncestor = errors.New("no common ancestor")

	// ErrHeaderUnknown is returned for heights or hashes the view has
	// never accepted.
	ErrHeaderUnknown = errors.New("header unknown")
)

// maxForkLookback bounds how far back a fork point search walks before
// giving up.  Anything deeper is treated as a broken chain source.
const maxForkLookback = 1000

// Header is one chain header as the bridge sees it: enough to link the
// chain and compare branches, nothing more.
type Header struct {
	Hash   chainhash.Hash
	Prev   chainhash.Hash
	Height int32
	Work   *big.Int // cumulative work, as reported by the chain source
}

// Status is what AcceptHeader made of a header.
type Status int

const (
	// StatusExtended: the header built on our tip and is the new tip.
	StatusExtended Status = iota
	// StatusDuplicate: already have it, nothing changed.
	StatusDuplicate
	// StatusReorgDetected: the header belongs to a competing branch; the
	// caller drives rollback via FindFork and Rewind.
	StatusReorgDetected
)

func (s Status) String() string {
	switch s {
	case StatusExtended:
		return "extended"
	case StatusDuplicate:
		return "duplicate"
	case StatusReorgDetected:
		return "reorg detected"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// HeaderFetcher hands back headers of a candidate branch by hash.  The fork
// point search walks the candidate side through this, so the view never
// talks to the network itself.
type HeaderFetcher interface {
	FetchHeader(hash chainhash.Hash) (Header, error)
}

// keys: 'H' + 4B BE height -> header record, 'h' + 32B hash -> 4B height,
// "tip" -> 4B height
var tipKey = []byte("tip")

func heightKey(height int32) []byte {
	var b [5]byte
	b[0] = 'H'
	binary.BigEndian.PutUint32(b[1:], uint32(height))
	return b[:]
}

func hashKey(hash chainhash.Hash) []byte {
	b := make([]byte, 33)
	b[0] = 'h'
	copy(b[1:], hash[:])
	return b
}

func serializeHeader(h Header) []byte {
	b := make([]byte, 100)
	copy(b[0:32], h.Hash[:])
	copy(b[32:64], h.Prev[:])
	binary.BigEndian.PutUint32(b[64:68], uint32(h.Height))
	h.Work.FillBytes(b[68:100])
	return b
}

func deserializeHeader(b []byte) (Header, error) {
	if len(b) != 100 {
		return Header{}, fmt.Errorf("bad header record, %d bytes", len(b))
	}
	var h Header
	copy(h.Hash[:], b[0:32])
	copy(h.Prev[:], b[32:64])
	h.Height = int32(binary.BigEndian.Uint32(b[64:68]))
	h.Work = new(big.Int).SetBytes(b[68:100])
	return h, nil
}

// View is the durable header chain.  Single-writer: only the prover loop
// accepts and rewinds; reads can come from anywhere.  leveldb handles its
// own locking, and the cached tip is guarded by mtx since the server
// goroutines read it concurrently.
type View struct {
	db *leveldb.DB

	// cached tip, guarded by mtx; zero value until the first header or load
	mtx    sync.RWMutex
	tip    Header
	hasTip bool
}

// Open loads (or creates) a view at dir.
func Open(dir string) (*View, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{})
	if err != nil {
		return nil, err
	}
	v := &View{db: db}

	tipHeight, err := db.Get(tipKey, nil)
	switch {
	case err == leveldb.ErrNotFound:
		return v, nil // fresh view, Empty state
	case err != nil:
		db.Close()
		return nil, err
	}
	rec, err := db.Get(heightKey(int32(binary.BigEndian.Uint32(tipHeight))), nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	if v.tip, err = deserializeHeader(rec); err != nil {
		db.Close()
		return nil, err
	}
	v.hasTip = true
	return v, nil
}

// Close shuts the view down.
func (v *View) Close() error {
	return v.db.Close()
}

// Tip returns the current tip header.  ok is false while the view is empty.
func (v *View) Tip() (Header, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	return v.tip, v.hasTip
}

// AcceptHeader feeds one header in.  The first header ever seen anchors the
// view.  A header building on the tip extends it; a known hash is a
// duplicate; anything else is a competing branch and the caller has to find
// the fork and rewind before this header can be accepted.
func (v *View) AcceptHeader(h Header) (Status, error) {
	if h.Work == nil {
		return 0, fmt.Errorf("header %s has no work", h.Hash)
	}
	tip, hasTip := v.Tip()
	if hasTip {
		if has, _ := v.db.Has(hashKey(h.Hash), nil); has {
			return StatusDuplicate, nil
		}
		if h.Prev != tip.Hash {
			return StatusReorgDetected, nil
		}
		if h.Height != tip.Height+1 {
			return 0, fmt.Errorf("header %s height %d on tip height %d",
				h.Hash, h.Height, tip.Height)
		}
	}

	batch := new(leveldb.Batch)
	batch.Put(heightKey(h.Height), serializeHeader(h))
	batch.Put(hashKey(h.Hash), heightKey(h.Height)[1:])
	batch.Put(tipKey, heightKey(h.Height)[1:])
	if err := v.db.Write(batch, nil); err != nil {
		return 0, err
	}
	v.mtx.Lock()
	v.tip = h
	v.hasTip = true
	v.mtx.Unlock()
	return StatusExtended, nil
}

// HeaderAtHeight returns the accepted header at a height.
func (v *View) HeaderAtHeight(height int32) (Header, error) {
	rec, err := v.db.Get(heightKey(height), nil)
	if err == leveldb.ErrNotFound {
		return Header{}, fmt.Errorf("%w: height %d", ErrHeaderUnknown, height)
	}
	if err != nil {
		return Header{}, err
	}
	return deserializeHeader(rec)
}

// HashAtHeight returns the accepted block hash at a height.
func (v *View) HashAtHeight(height int32) (chainhash.Hash, error) {
	h, err := v.HeaderAtHeight(height)
	return h.Hash, err
}

// HeightOf returns the height a hash was accepted at.
func (v *View) HeightOf(hash chainhash.Hash) (int32, error) {
	rec, err := v.db.Get(hashKey(hash), nil)
	if err == leveldb.ErrNotFound {
		return 0, fmt.Errorf("%w: hash %s", ErrHeaderUnknown, hash)
	}
	if err != nil {
		return 0, err
	}
	if len(rec) != 4 {
		return 0, fmt.Errorf("bad height record, %d bytes", len(rec))
	}
	return int32(binary.BigEndian.Uint32(rec)), nil
}

// FindFork walks the candidate branch back from its tip until it hits a
// header we've accepted, and returns that fork height.  The candidate side
// comes through fetch; our side is answered from the db.  Gives up with
// ErrNoCommonAncestor after the lookback bound.
func (v *View) FindFork(candidate Header, fetch HeaderFetcher) (int32, error) {
	tip, hasTip := v.Tip()
	if !hasTip {
		return 0, fmt.Errorf("%w: view is empty", ErrNoCommonAncestor)
	}

	cur := candidate
	for i := 0; i < maxForkLookback; i++ {
		// does the candidate's parent sit on our chain?
		if height, err := v.HeightOf(cur.Prev); err == nil {
			// only a real fork if it's at or below our tip
			if height <= tip.Height {
				return height, nil
			}
		}
		if cur.Height == 0 {
			// ran out of candidate history without touching our chain
			return 0, fmt.Errorf("%w: candidate chain roots at %s",
				ErrNoCommonAncestor, cur.Hash)
		}
		want := cur.Prev
		var err error
		cur, err = fetch.FetchHeader(want)
		if err != nil {
			return 0, fmt.Errorf("fetching candidate header %s: %w",
				want, err)
		}
	}
	return 0, fmt.Errorf("%w: no fork within %d headers of %s",
		ErrNoCommonAncestor, maxForkLookback, candidate.Hash)
}

// Rewind drops every header above height and makes it the tip.  Used after
// the prover has rolled the accumulator back to the fork point.
func (v *View) Rewind(height int32) error {
	tip, hasTip := v.Tip()
	if !hasTip {
		return fmt.Errorf("%w: rewind of empty view", ErrHeaderUnknown)
	}
	if height > tip.Height {
		return fmt.Errorf("rewind to %d above tip %d", height, tip.Height)
	}

	newTip, err := v.HeaderAtHeight(height)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for hh := height + 1; hh <= tip.Height; hh++ {
		old, err := v.HeaderAtHeight(hh)
		if err != nil {
			return err
		}
		batch.Delete(heightKey(hh))
		batch.Delete(hashKey(old.Hash))
	}
	batch.Put(tipKey, heightKey(height)[1:])
	if err := v.db.Write(batch, nil); err != nil {
		return err
	}
	v.mtx.Lock()
	v.tip = newTip
	v.mtx.Unlock()
	return nil
}
