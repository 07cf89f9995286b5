// Package blockstore is durable append-mostly storage for raw blocks and
// proof bundles: flat data files that rotate at a size cap, and a leveldb
// index mapping each key to where its record lives.  The record framing and
// offset tracking follow the bridge's proof file layout; the file rotation
// is the same scheme bitcoind uses for blk files.
package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

var (
	// ErrNotFound is returned by Get when the key was never Put.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when a record's framing doesn't check out.
	ErrCorrupt = errors.New("store corrupt")
)

// every record starts with this; a seek landing anywhere else is corruption
var magicBytes = [4]byte{0xaa, 0xff, 0xaa, 0xff}

const (
	// frame is 4B magic, 4B size, then the record
	frameOverhead = 8

	// DefaultMaxFileSize caps one data file, same cap bitcoind uses.
	DefaultMaxFileSize = 128 * 1024 * 1024

	indexDirName = "index"
)

// Location says where one record lives: which file and where in it.
type Location struct {
	FileNum uint32
	Offset  int64
	Size    uint32
}

func (l Location) toBytes() []byte {
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], l.FileNum)
	binary.BigEndian.PutUint64(b[4:12], uint64(l.Offset))
	binary.BigEndian.PutUint32(b[12:16], l.Size)
	return b[:]
}

func locationFromBytes(b []byte) (Location, error) {
	if len(b) != 16 {
		return Location{}, fmt.Errorf("%w: %d byte location entry", ErrCorrupt, len(b))
	}
	return Location{
		FileNum: binary.BigEndian.Uint32(b[0:4]),
		Offset:  int64(binary.BigEndian.Uint64(b[4:12])),
		Size:    binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// Store is one keyed flat file store.  The bridge runs two: blocks keyed by
// block hash and proof bundles keyed by height.  Safe for concurrent use;
// one mutex covers the files and the write cursor.
type Store struct {
	mtx sync.Mutex

	dir         string
	prefix      string
	maxFileSize int64

	index *leveldb.DB

	writeFile    *os.File // current data file, opened for append
	writeFileNum uint32
	writeOffset  int64

	// read handles for filled files stay open once used
	readFiles map[uint32]*os.File
}

// New opens (or creates) a store rooted at dir.  Data files are named
// <prefix>00000.dat and up.
func New(dir, prefix string, maxFileSize int64) (*Store, error) {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	index, err := leveldb.OpenFile(
		filepath.Join(dir, indexDirName), &opt.Options{})
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:         dir,
		prefix:      prefix,
		maxFileSize: maxFileSize,
		index:       index,
		readFiles:   make(map[uint32]*os.File),
	}
	if err := s.openWriteFile(); err != nil {
		index.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) fileName(fileNum uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%05d.dat", s.prefix, fileNum))
}

// openWriteFile finds the highest numbered data file and opens it for
// append, creating file 0 if the store is brand new.
func (s *Store) openWriteFile() error {
	var highest uint32
	for {
		if _, err := os.Stat(s.fileName(highest + 1)); err != nil {
			break
		}
		highest++
	}

	f, err := os.OpenFile(s.fileName(highest),
		os.O_APPEND|os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return err
	}
	s.writeFile = f
	s.writeFileNum = highest
	s.writeOffset = size
	return nil
}

// rotate closes out the current data file and starts the next one.
func (s *Store) rotate() error {
	// the filled file moves over to the read side
	s.readFiles[s.writeFileNum] = s.writeFile

	f, err := os.OpenFile(s.fileName(s.writeFileNum+1),
		os.O_APPEND|os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	s.writeFile = f
	s.writeFileNum++
	s.writeOffset = 0
	return nil
}

// Put stores data under key and returns where it landed.  A key written
// twice keeps the newest record; the old one becomes dead space in its file.
func (s *Store) Put(key, data []byte) (Location, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.writeOffset+frameOverhead+int64(len(data)) > s.maxFileSize &&
		s.writeOffset > 0 {
		if err := s.rotate(); err != nil {
			return Location{}, err
		}
	}

	loc := Location{
		FileNum: s.writeFileNum,
		Offset:  s.writeOffset,
		Size:    uint32(len(data)),
	}

	frame := make([]byte, frameOverhead+len(data))
	copy(frame[0:4], magicBytes[:])
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(data)))
	copy(frame[8:], data)

	n, err := s.writeFile.Write(frame)
	s.writeOffset += int64(n)
	if err != nil {
		return Location{}, err
	}
	// index entry goes in only after the data is down
	if err := s.writeFile.Sync(); err != nil {
		return Location{}, err
	}
	return loc, s.index.Put(key, loc.toBytes(), nil)
}

// Location returns where the record under key lives, without reading it.
func (s *Store) Location(key []byte) (Location, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	locBytes, err := s.index.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return Location{}, fmt.Errorf("%w: key %x", ErrNotFound, key)
	}
	if err != nil {
		return Location{}, err
	}
	return locationFromBytes(locBytes)
}

// Get reads the record stored under key.  ErrNotFound if it was never Put.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	locBytes, err := s.index.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, fmt.Errorf("%w: key %x", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	loc, err := locationFromBytes(locBytes)
	if err != nil {
		return nil, err
	}

	f, err := s.fileForRead(loc.FileNum)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameOverhead+int(loc.Size))
	if _, err := f.ReadAt(frame, loc.Offset); err != nil {
		return nil, err
	}
	if [4]byte(frame[0:4]) != magicBytes {
		return nil, fmt.Errorf("%w: bad magic %x in file %d at %d",
			ErrCorrupt, frame[0:4], loc.FileNum, loc.Offset)
	}
	if binary.BigEndian.Uint32(frame[4:8]) != loc.Size {
		return nil, fmt.Errorf("%w: size mismatch in file %d at %d",
			ErrCorrupt, loc.FileNum, loc.Offset)
	}
	return frame[8:], nil
}

// Has says whether key is in the store.
func (s *Store) Has(key []byte) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.index.Has(key, nil)
}

func (s *Store) fileForRead(fileNum uint32) (*os.File, error) {
	if fileNum == s.writeFileNum {
		return s.writeFile, nil
	}
	if f, ok := s.readFiles[fileNum]; ok {
		return f, nil
	}
	f, err := os.Open(s.fileName(fileNum))
	if err != nil {
		return nil, err
	}
	s.readFiles[fileNum] = f
	return f, nil
}

// Close flushes and closes everything.  The store is unusable afterwards.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var firstErr error
	if err := s.writeFile.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.writeFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, f := range s.readFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// HeightKey renders a block height as a store key, big endian so leveldb
// iterates in height order.
func HeightKey(height int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(height))
	return b[:]
}
