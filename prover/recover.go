package prover

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/m-kus/rpc-utreexo-bridge/accumulator"
)

// writeCheckpoint snapshots the whole forest to disk, atomically via a
// temp file rename.  The snapshot carries its own height in the header so
// it can never disagree with a separately written marker; a crash right
// after the rename just means the next recovery replays fewer records.
func (p *Prover) writeCheckpoint(height int32) error {
	path := filepath.Join(p.cfg.DataDir, forestFileName)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	err = binary.Write(f, binary.BigEndian, height)
	if err == nil {
		err = p.forest.Serialize(f)
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	log.Infof("checkpoint at height %d: %d leaves, %d live",
		height, p.forest.NumLeaves(), p.forest.NumLive())
	return nil
}

// loadCheckpoint reads the snapshot back, if there is one.
func (p *Prover) loadCheckpoint() (int32, error) {
	path := filepath.Join(p.cfg.DataDir, forestFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		p.forest = accumulator.NewForest()
		return firstBlockHeight - 1, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var height int32
	if err := binary.Read(f, binary.BigEndian, &height); err != nil {
		return 0, fmt.Errorf("forest snapshot unreadable: %w", err)
	}
	if p.forest, err = accumulator.RestoreForest(f); err != nil {
		return 0, fmt.Errorf("forest snapshot unreadable: %w", err)
	}
	return height, nil
}

// recover brings the forest back to the last committed block: load the
// latest snapshot, then replay the undo records committed after it.  Runs
// once at startup; makes restarts idempotent without a chain rescan.
func (p *Prover) recover() error {
	checkpointHeight, err := p.loadCheckpoint()
	if err != nil {
		return err
	}

	tipHeight := int32(firstBlockHeight - 1)
	if raw, err := p.meta.Get(metaTipKey, nil); err == nil {
		tipHeight = int32(binary.BigEndian.Uint32(raw))
	} else if err != leveldb.ErrNotFound {
		return err
	}

	if tipHeight < checkpointHeight {
		// a snapshot from past the commit point can only come from
		// losing the meta db; no way to roll a snapshot backwards
		return fmt.Errorf("forest snapshot at %d but committed tip %d",
			checkpointHeight, tipHeight)
	}

	for h := checkpointHeight + 1; h <= tipHeight; h++ {
		ub, err := p.loadUndo(h)
		if err != nil {
			return err
		}
		if err := p.forest.Replay(ub); err != nil {
			return fmt.Errorf("replaying block %d: %w", h, err)
		}
	}
	if tipHeight > checkpointHeight {
		log.Infof("recovered: snapshot %d + %d replayed blocks",
			checkpointHeight, tipHeight-checkpointHeight)
	}

	p.height = tipHeight
	return nil
}
