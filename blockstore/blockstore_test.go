package blockstore

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, maxFileSize int64) *Store {
	s, err := New(t.TempDir(), "blk", maxFileSize)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t, 0)

	key := []byte("somekey")
	data := bytes.Repeat([]byte{0xab}, 500)
	loc, err := s.Put(key, data)
	require.NoError(t, err)
	require.Equal(t, uint32(500), loc.Size)

	got, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, data, got)

	gotLoc, err := s.Location(key)
	require.NoError(t, err)
	require.Equal(t, loc, gotLoc)

	ok, err := s.Has(key)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Get([]byte("nope"))
	require.ErrorIs(t, err, ErrNotFound)
	ok, err = s.Has([]byte("nope"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOverwriteKeepsNewest(t *testing.T) {
	s := openTestStore(t, 0)
	key := HeightKey(12)
	_, err := s.Put(key, []byte("old"))
	require.NoError(t, err)
	_, err = s.Put(key, []byte("new and improved"))
	require.NoError(t, err)

	got, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("new and improved"), got)
}

func TestRotation(t *testing.T) {
	// tiny cap so every few records rolls a new file
	s := openTestStore(t, 256)

	var keys [][]byte
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%d", i))
		keys = append(keys, key)
		_, err := s.Put(key, bytes.Repeat([]byte{byte(i)}, 100))
		require.NoError(t, err)
	}
	require.Greater(t, s.writeFileNum, uint32(0), "expected file rotation")

	// everything readable across file boundaries
	for i, key := range keys {
		got, err := s.Get(key)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 100), got)
	}
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "blk", 256)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := s.Put(HeightKey(int32(i)), bytes.Repeat([]byte{byte(i)}, 90))
		require.NoError(t, err)
	}
	lastFile := s.writeFileNum
	require.NoError(t, s.Close())

	// a reopened store picks up the highest file and keeps appending
	s, err = New(dir, "blk", 256)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, lastFile, s.writeFileNum)

	_, err = s.Put(HeightKey(10), []byte("after reopen"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := s.Get(HeightKey(int32(i)))
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 90), got)
	}
	got, err := s.Get(HeightKey(10))
	require.NoError(t, err)
	require.Equal(t, []byte("after reopen"), got)
}

func TestConcurrentReadWrite(t *testing.T) {
	s := openTestStore(t, 1024)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				key := []byte(fmt.Sprintf("g%d-%d", g, i))
				if _, err := s.Put(key, key); err != nil {
					t.Error(err)
					return
				}
				got, err := s.Get(key)
				if err != nil {
					t.Error(err)
					return
				}
				if !bytes.Equal(key, got) {
					t.Errorf("got %q want %q", got, key)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}
