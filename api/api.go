// Package api is the bridge's json interface: inclusion proofs by
// outpoint, accumulator roots current and historical, and raw blocks.
// Queries go through the prover's bounded request queue, so heavy callers
// get 503s instead of slowing the sync down.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/m-kus/rpc-utreexo-bridge/accumulator"
	"github.com/m-kus/rpc-utreexo-bridge/blockstore"
	"github.com/m-kus/rpc-utreexo-bridge/prover"
	"github.com/m-kus/rpc-utreexo-bridge/udata"
)

// proofTimeout bounds how long a request waits for the prover loop to get
// around to it.
const proofTimeout = 30 * time.Second

// ProofSource is the slice of the prover the api needs.
type ProofSource interface {
	RequestProof(*prover.ProofRequest) error
	CurrentRoots() (*prover.RootsRecord, int32, error)
	RootsAtHeight(int32) (*prover.RootsRecord, error)
}

// Config wires a Server up.
type Config struct {
	ListenAddr string
	Prover     ProofSource

	// Blocks serves raw blocks by hash.  Optional; without it the block
	// endpoint 404s.
	Blocks *blockstore.Store

	// Params names the network, used to render leaf scripts as
	// addresses.
	Params *chaincfg.Params
}

// Server is the http front end.
type Server struct {
	cfg  Config
	http *http.Server
	addr net.Addr
}

// New returns an unstarted server.
func New(cfg Config) *Server {
	if cfg.Params == nil {
		cfg.Params = &chaincfg.MainNetParams
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/roots", s.handleRoots)
	mux.HandleFunc("/api/proof/", s.handleProof)
	mux.HandleFunc("/api/block/", s.handleBlock)
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start binds the listen address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr()
	log.Infof("api listening on %s", s.addr)
	go func() {
		if err := s.http.Serve(listener); err != http.ErrServerClosed {
			log.Errorf("api server: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address.  Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

type errorReply struct {
	Error string `json:"error"`
}

type rootsReply struct {
	Height    int32    `json:"height"`
	NumLeaves uint64   `json:"num_leaves"`
	Roots     []string `json:"roots"`
}

type leafReply struct {
	Outpoint string `json:"outpoint"`
	Height   int32  `json:"height"`
	Coinbase bool   `json:"coinbase"`
	Amount   int64  `json:"amount"`
	PkScript string `json:"pk_script"`
	Address  string `json:"address,omitempty"`
}

type proofReply struct {
	Position  uint64    `json:"position"`
	Payload   string    `json:"payload"`
	Siblings  []string  `json:"siblings"`
	Leaf      leafReply `json:"leaf"`
	Roots     []string  `json:"roots"`
	NumLeaves uint64    `json:"num_leaves"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("api reply write: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorReply{Error: msg})
}

func hashStrings(hashes []accumulator.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = hex.EncodeToString(h[:])
	}
	return out
}

type statusReply struct {
	Network   string `json:"network"`
	Height    int32  `json:"height"`
	NumLeaves uint64 `json:"num_leaves"`
	NumRoots  int    `json:"num_roots"`
}

// handleStatus answers /api/status with a one-look summary of the bridge.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rr, height, err := s.cfg.Prover.CurrentRoots()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusReply{
		Network:   s.cfg.Params.Name,
		Height:    height,
		NumLeaves: rr.NumLeaves,
		NumRoots:  len(rr.Roots),
	})
}

// handleRoots answers /api/roots and /api/roots?height=N.
func (s *Server) handleRoots(w http.ResponseWriter, r *http.Request) {
	var (
		rr     *prover.RootsRecord
		height int32
		err    error
	)
	if hs := r.URL.Query().Get("height"); hs != "" {
		h64, perr := strconv.ParseInt(hs, 10, 32)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "bad height")
			return
		}
		height = int32(h64)
		rr, err = s.cfg.Prover.RootsAtHeight(height)
	} else {
		rr, height, err = s.cfg.Prover.CurrentRoots()
	}
	switch {
	case errors.Is(err, prover.ErrNoCheckpoint):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rootsReply{
		Height:    height,
		NumLeaves: rr.NumLeaves,
		Roots:     hashStrings(rr.Roots),
	})
}

// handleProof answers /api/proof/{txid}/{vout} with optional ?height=N for
// proofs out of a historical bundle.
func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/proof/"), "/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, "want /api/proof/{txid}/{vout}")
		return
	}
	txid, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad txid")
		return
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad output index")
		return
	}

	req := &prover.ProofRequest{
		Outpoint: &wire.OutPoint{Hash: *txid, Index: uint32(vout)},
		Resp:     make(chan prover.ProofResponse, 1),
	}
	if hs := r.URL.Query().Get("height"); hs != "" {
		h64, perr := strconv.ParseInt(hs, 10, 32)
		if perr != nil || h64 <= 0 {
			writeError(w, http.StatusBadRequest, "bad height")
			return
		}
		req.Height = int32(h64)
	}

	if err := s.cfg.Prover.RequestProof(req); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var resp prover.ProofResponse
	select {
	case resp = <-req.Resp:
	case <-time.After(proofTimeout):
		writeError(w, http.StatusServiceUnavailable, "proof request timed out")
		return
	case <-r.Context().Done():
		return
	}
	switch {
	case errors.Is(resp.Err, accumulator.ErrUnknownLeaf):
		writeError(w, http.StatusNotFound, resp.Err.Error())
		return
	case errors.Is(resp.Err, prover.ErrNoCheckpoint):
		writeError(w, http.StatusNotFound, resp.Err.Error())
		return
	case resp.Err != nil:
		writeError(w, http.StatusInternalServerError, resp.Err.Error())
		return
	}

	leaf := leafReply{
		Outpoint: resp.Leaf.OPString(),
		Height:   resp.Leaf.Height,
		Coinbase: resp.Leaf.Coinbase,
		Amount:   resp.Leaf.Amt,
		PkScript: hex.EncodeToString(resp.Leaf.PkScript),
	}
	// best effort; most scripts aren't v0 witness and that's fine
	hrp := s.cfg.Params.Bech32HRPSegwit
	if addr, err := udata.PkScriptToAddress(resp.Leaf.PkScript, hrp); err == nil {
		leaf.Address = addr
	}
	writeJSON(w, http.StatusOK, proofReply{
		Position:  resp.Proof.Position,
		Payload:   hex.EncodeToString(resp.Proof.Payload[:]),
		Siblings:  hashStrings(resp.Proof.Siblings),
		Leaf:      leaf,
		Roots:     hashStrings(resp.Roots),
		NumLeaves: resp.NumLeaves,
	})
}

// handleBlock answers /api/block/{hash} with the raw block, hex encoded.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Blocks == nil {
		writeError(w, http.StatusNotFound, "block serving disabled")
		return
	}
	hashStr := strings.TrimPrefix(r.URL.Path, "/api/block/")
	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad block hash")
		return
	}
	raw, err := s.cfg.Blocks.Get(hash[:])
	switch {
	case errors.Is(err, blockstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "block not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hex": hex.EncodeToString(raw),
	})
}
