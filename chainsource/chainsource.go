// Package chainsource is where blocks come from.  The bridge doesn't care
// whether it's talking to a full node over RPC or an esplora style block
// explorer over HTTP; both get wrapped behind the same interface and must
// answer consistently for a given height unless the chain genuinely
// reorged upstream.
package chainsource

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/m-kus/rpc-utreexo-bridge/chainview"
)

// ErrBlockNotFound is returned when the source doesn't (yet) have the
// requested block or height.  The prover treats it as "tip reached" and
// polls again later.
var ErrBlockNotFound = errors.New("block not found")

// ChainSource hands the prover blocks and headers.  FetchHeader doubles as
// the chain view's candidate branch fetcher during fork point search.
type ChainSource interface {
	chainview.HeaderFetcher

	// FetchBlock returns the full block with the given hash.
	FetchBlock(hash chainhash.Hash) (*wire.MsgBlock, error)

	// BlockHashAtHeight returns the hash of the block at height on the
	// source's best chain.
	BlockHashAtHeight(height int32) (chainhash.Hash, error)

	// HeaderAtHeight returns the header at height on the best chain.
	HeaderAtHeight(height int32) (chainview.Header, error)

	// BestHeader returns the source's current tip header.
	BestHeader() (chainview.Header, error)

	// Close releases the connection.
	Close()
}
