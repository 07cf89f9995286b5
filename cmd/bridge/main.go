// The bridge keeps a utreexo forest in step with the chain, stores every
// block with its inclusion proofs, and serves both to compact state nodes
// over TCP and to anyone else over a json api.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/m-kus/rpc-utreexo-bridge/api"
	"github.com/m-kus/rpc-utreexo-bridge/blockstore"
	"github.com/m-kus/rpc-utreexo-bridge/chainsource"
	"github.com/m-kus/rpc-utreexo-bridge/chainview"
	"github.com/m-kus/rpc-utreexo-bridge/node"
	"github.com/m-kus/rpc-utreexo-bridge/prover"
)

func main() {
	if err := bridgeMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bridgeMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := initLogRotator(filepath.Join(cfg.DataDir, defaultLogFilename)); err != nil {
		return err
	}
	defer logRotator.Close()
	if err := setLogLevel(cfg.DebugLevel); err != nil {
		return err
	}

	source, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	view, err := chainview.Open(filepath.Join(cfg.DataDir, "chainview"))
	if err != nil {
		return err
	}
	defer view.Close()

	blocks, err := blockstore.New(filepath.Join(cfg.DataDir, "blocks"), "blk", 0)
	if err != nil {
		return err
	}
	defer blocks.Close()
	proofs, err := blockstore.New(filepath.Join(cfg.DataDir, "proofs"), "prf", 0)
	if err != nil {
		return err
	}
	defer proofs.Close()

	p, err := prover.New(prover.Config{
		DataDir:            filepath.Join(cfg.DataDir, "prover"),
		Source:             source,
		View:               view,
		Blocks:             blocks,
		Proofs:             proofs,
		CheckpointInterval: cfg.CheckpointInterval,
		MaxReorgDepth:      cfg.MaxReorgDepth,
		PollInterval:       time.Duration(cfg.PollInterval) * time.Second,
		QueueSize:          defaultRequestQueue,
	})
	if err != nil {
		return err
	}
	defer p.Close()
	brdgLog.Infof("recovered to height %d on %s", p.Height(), cfg.params.Name)

	blockServer := node.New(node.Config{
		ListenAddr: cfg.Listen,
		View:       view,
		Blocks:     blocks,
		Proofs:     proofs,
	})
	if err := blockServer.Start(); err != nil {
		return err
	}
	defer blockServer.Stop()

	if !cfg.NoAPI {
		apiServer := api.New(api.Config{
			ListenAddr: cfg.APIListen,
			Prover:     p,
			Blocks:     blocks,
			Params:     cfg.params,
		})
		if err := apiServer.Start(); err != nil {
			return err
		}
		defer apiServer.Stop()
	}

	// the prover owns the main goroutine; signals just flip its kill flag
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interrupt
		brdgLog.Warnf("received %v, shutting down", sig)
		p.Stop()
	}()

	return p.Run()
}

// openSource picks the block source the config asked for.
func openSource(cfg *config) (chainsource.ChainSource, error) {
	if cfg.Esplora != "" {
		return chainsource.NewEsploraSource(cfg.Esplora, cfg.Proxy), nil
	}
	return chainsource.NewRPCSource(chainsource.RPCConfig{
		Host: cfg.RPCConnect,
		User: cfg.RPCUser,
		Pass: cfg.RPCPass,
	})
}
