package chainsource

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/m-kus/rpc-utreexo-bridge/chainview"
)

// RPCSource reads blocks from a full node over JSON-RPC in HTTP POST mode,
// the same way a wallet talks to bitcoind or btcd.
type RPCSource struct {
	client *rpcclient.Client
}

// RPCConfig is what it takes to reach the node.
type RPCConfig struct {
	Host string // host:port of the node's RPC listener
	User string
	Pass string
}

// NewRPCSource connects to the node and checks it's actually there.
func NewRPCSource(cfg RPCConfig) (*RPCSource, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, err
	}
	if _, err := client.GetBlockCount(); err != nil {
		client.Shutdown()
		return nil, fmt.Errorf("rpc source unreachable: %w", err)
	}
	return &RPCSource{client: client}, nil
}

func (s *RPCSource) FetchBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	blk, err := s.client.GetBlock(&hash)
	if err != nil {
		if isNotFoundRPC(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
		}
		return nil, err
	}
	return blk, nil
}

func (s *RPCSource) BlockHashAtHeight(height int32) (chainhash.Hash, error) {
	hash, err := s.client.GetBlockHash(int64(height))
	if err != nil {
		if isNotFoundRPC(err) {
			return chainhash.Hash{}, fmt.Errorf("%w: height %d",
				ErrBlockNotFound, height)
		}
		return chainhash.Hash{}, err
	}
	return *hash, nil
}

func (s *RPCSource) FetchHeader(hash chainhash.Hash) (chainview.Header, error) {
	vh, err := s.client.GetBlockHeaderVerbose(&hash)
	if err != nil {
		if isNotFoundRPC(err) {
			return chainview.Header{}, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
		}
		return chainview.Header{}, err
	}
	return verboseToHeader(vh)
}

func (s *RPCSource) HeaderAtHeight(height int32) (chainview.Header, error) {
	hash, err := s.BlockHashAtHeight(height)
	if err != nil {
		return chainview.Header{}, err
	}
	return s.FetchHeader(hash)
}

func (s *RPCSource) BestHeader() (chainview.Header, error) {
	hash, err := s.client.GetBestBlockHash()
	if err != nil {
		return chainview.Header{}, err
	}
	return s.FetchHeader(*hash)
}

func (s *RPCSource) Close() {
	s.client.Shutdown()
}

func verboseToHeader(vh *btcjson.GetBlockHeaderVerboseResult) (chainview.Header, error) {
	var h chainview.Header

	hash, err := chainhash.NewHashFromStr(vh.Hash)
	if err != nil {
		return h, err
	}
	h.Hash = *hash
	h.Height = vh.Height
	if vh.PreviousHash != "" {
		prev, err := chainhash.NewHashFromStr(vh.PreviousHash)
		if err != nil {
			return h, err
		}
		h.Prev = *prev
	}

	bits, err := strconv.ParseUint(vh.Bits, 16, 32)
	if err != nil {
		return h, fmt.Errorf("header %s bad bits %q: %w", vh.Hash, vh.Bits, err)
	}
	h.Work = workFromBits(uint32(bits))
	return h, nil
}

// workFromBits gives the expected work of one header at the given
// compact difficulty target.  Header work stands in for the cumulative
// chainwork RPC fields some backends omit; the chain view only records it.
func workFromBits(bits uint32) *big.Int {
	return blockchain.CalcWork(bits)
}

// isNotFoundRPC catches the node's ways of saying "don't have that one".
func isNotFoundRPC(err error) bool {
	if jerr, ok := err.(*btcjson.RPCError); ok {
		return jerr.Code == btcjson.ErrRPCBlockNotFound ||
			jerr.Code == btcjson.ErrRPCOutOfRange ||
			jerr.Code == btcjson.ErrRPCInvalidParameter
	}
	return strings.Contains(err.Error(), "not found")
}
