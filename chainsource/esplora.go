package chainsource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/go-socks/socks"

	"github.com/m-kus/rpc-utreexo-bridge/chainview"
)

// EsploraSource reads blocks from an esplora style block explorer over its
// REST API.  Good enough to run a bridge without a full node; slower, and
// you're trusting the explorer until the proofs say otherwise.
type EsploraSource struct {
	baseURL string
	client  *http.Client
}

// NewEsploraSource points at an esplora REST endpoint, e.g.
// https://blockstream.info/api.  proxyAddr, when nonempty, routes every
// request through a SOCKS5 proxy (host:port) so the bridge can run over tor.
func NewEsploraSource(baseURL, proxyAddr string) *EsploraSource {
	client := &http.Client{Timeout: 2 * time.Minute}
	if proxyAddr != "" {
		proxy := &socks.Proxy{Addr: proxyAddr}
		client.Transport = &http.Transport{
			Dial: func(network, addr string) (net.Conn, error) {
				return proxy.Dial(network, addr)
			},
		}
	}
	return &EsploraSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// get fetches one path, mapping 404 to ErrBlockNotFound.
func (s *EsploraSource) get(path string) ([]byte, error) {
	resp, err := s.client.Get(s.baseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("esplora %s: %s %s",
			path, resp.Status, bytes.TrimSpace(body))
	}
	return body, nil
}

// esploraBlock is the slice of esplora's block JSON the bridge cares about.
type esploraBlock struct {
	ID        string `json:"id"`
	Height    int32  `json:"height"`
	PrevBlock string `json:"previousblockhash"`
	Bits      uint32 `json:"bits"`
}

func (eb *esploraBlock) toHeader() (chainview.Header, error) {
	var h chainview.Header
	hash, err := chainhash.NewHashFromStr(eb.ID)
	if err != nil {
		return h, err
	}
	h.Hash = *hash
	if eb.PrevBlock != "" {
		prev, err := chainhash.NewHashFromStr(eb.PrevBlock)
		if err != nil {
			return h, err
		}
		h.Prev = *prev
	}
	h.Height = eb.Height
	h.Work = workFromBits(eb.Bits)
	return h, nil
}

func (s *EsploraSource) FetchBlock(hash chainhash.Hash) (*wire.MsgBlock, error) {
	raw, err := s.get("/block/" + hash.String() + "/raw")
	if err != nil {
		return nil, err
	}
	blk := new(wire.MsgBlock)
	if err := blk.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("block %s won't deserialize: %w", hash, err)
	}
	return blk, nil
}

func (s *EsploraSource) BlockHashAtHeight(height int32) (chainhash.Hash, error) {
	body, err := s.get("/block-height/" + strconv.Itoa(int(height)))
	if err != nil {
		return chainhash.Hash{}, err
	}
	hash, err := chainhash.NewHashFromStr(string(bytes.TrimSpace(body)))
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *hash, nil
}

func (s *EsploraSource) FetchHeader(hash chainhash.Hash) (chainview.Header, error) {
	body, err := s.get("/block/" + hash.String())
	if err != nil {
		return chainview.Header{}, err
	}
	var eb esploraBlock
	if err := json.Unmarshal(body, &eb); err != nil {
		return chainview.Header{}, err
	}
	return eb.toHeader()
}

func (s *EsploraSource) HeaderAtHeight(height int32) (chainview.Header, error) {
	hash, err := s.BlockHashAtHeight(height)
	if err != nil {
		return chainview.Header{}, err
	}
	return s.FetchHeader(hash)
}

func (s *EsploraSource) BestHeader() (chainview.Header, error) {
	body, err := s.get("/blocks/tip/hash")
	if err != nil {
		return chainview.Header{}, err
	}
	hash, err := chainhash.NewHashFromStr(string(bytes.TrimSpace(body)))
	if err != nil {
		return chainview.Header{}, err
	}
	return s.FetchHeader(*hash)
}

func (s *EsploraSource) Close() {
	s.client.CloseIdleConnections()
}
