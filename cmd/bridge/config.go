package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFilename  = "bridge.log"
	defaultBlockListen  = ":8338"
	defaultAPIListen    = ":8337"
	defaultDebugLevel   = "info"
	defaultCheckpoint   = 1000
	defaultMaxReorg     = 100
	defaultPollSeconds  = 10
	defaultMaxLogRolls  = 3
	defaultLogSizeKiB   = 10 * 1024
	defaultRequestQueue = 1024
)

var defaultDataDir = btcutil.AppDataDir("utreexobridge", false)

type config struct {
	DataDir string `long:"datadir" description:"Directory to store chain state, proofs and logs"`

	TestNet bool `long:"testnet" description:"Use the test network"`
	SigNet  bool `long:"signet" description:"Use the signet test network"`
	RegTest bool `long:"regtest" description:"Use the regression test network"`

	RPCConnect string `long:"rpcconnect" description:"Host of the bitcoind RPC server to pull blocks from"`
	RPCUser    string `long:"rpcuser" description:"RPC username"`
	RPCPass    string `long:"rpcpass" default-mask:"-" description:"RPC password"`

	Esplora string `long:"esplora" description:"Esplora REST base url; used instead of bitcoind RPC when set"`
	Proxy   string `long:"proxy" description:"SOCKS5 proxy for the esplora connection (host:port)"`

	Listen    string `long:"listen" description:"Address to serve proof-carrying blocks on"`
	APIListen string `long:"apilisten" description:"Address to serve the json api on"`
	NoAPI     bool   `long:"noapi" description:"Don't run the json api"`

	CheckpointInterval int32 `long:"checkpointinterval" description:"Blocks between forest snapshots"`
	MaxReorgDepth      int32 `long:"maxreorgdepth" description:"Deepest reorg to follow before giving up"`
	PollInterval       int32 `long:"pollinterval" description:"Seconds between tip polls when caught up"`

	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	params *chaincfg.Params
}

// loadConfig parses the command line and fills in defaults.  Exactly one
// network may be picked.
func loadConfig() (*config, error) {
	cfg := config{
		DataDir:            defaultDataDir,
		Listen:             defaultBlockListen,
		APIListen:          defaultAPIListen,
		CheckpointInterval: defaultCheckpoint,
		MaxReorgDepth:      defaultMaxReorg,
		PollInterval:       defaultPollSeconds,
		DebugLevel:         defaultDebugLevel,
	}
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	numNets := 0
	cfg.params = &chaincfg.MainNetParams
	if cfg.TestNet {
		numNets++
		cfg.params = &chaincfg.TestNet3Params
	}
	if cfg.SigNet {
		numNets++
		cfg.params = &chaincfg.SigNetParams
	}
	if cfg.RegTest {
		numNets++
		cfg.params = &chaincfg.RegressionNetParams
	}
	if numNets > 1 {
		return nil, fmt.Errorf("testnet, signet and regtest are mutually exclusive")
	}

	if cfg.Esplora == "" && cfg.RPCConnect == "" {
		return nil, fmt.Errorf("need a chain source: set --rpcconnect or --esplora")
	}
	if cfg.Esplora != "" && cfg.RPCConnect != "" {
		return nil, fmt.Errorf("--rpcconnect and --esplora are mutually exclusive")
	}
	if cfg.Proxy != "" && cfg.Esplora == "" {
		return nil, fmt.Errorf("--proxy only applies to --esplora")
	}

	// per-network subdirectory, the way bitcoind does it
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.params.Name)
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	return &cfg, nil
}
