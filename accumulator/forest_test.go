package accumulator

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// leafN makes a deterministic test leaf.
func leafN(n int) Hash {
	return HashFromString(fmt.Sprintf("leaf %d", n))
}

// scratchRoots computes the forest roots over a leaf sequence the slow way:
// chop the sequence into perfect trees per the binary shape of the count and
// hash each one bottom up.
func scratchRoots(leaves []Hash) []Hash {
	var roots []Hash
	n := uint64(len(leaves))
	offset := uint64(0)
	for row := treeRows(n); ; row-- {
		if n&(1<<row) != 0 {
			chunk := leaves[offset : offset+(1<<row)]
			level := make([]Hash, len(chunk))
			copy(level, chunk)
			for len(level) > 1 {
				next := make([]Hash, len(level)/2)
				for i := range next {
					next[i] = parentHash(level[2*i], level[2*i+1])
				}
				level = next
			}
			roots = append(roots, level[0])
			offset += 1 << row
		}
		if row == 0 {
			break
		}
	}
	return roots
}

func TestAddMatchesScratch(t *testing.T) {
	f := NewForest()
	var leaves []Hash
	for i := 0; i < 130; i++ {
		l := leafN(i)
		leaves = append(leaves, l)
		pos := f.Add(l)
		require.Equal(t, uint64(i), pos)
		require.Equal(t, scratchRoots(leaves), f.Roots(),
			"roots diverge after %d adds", i+1)
	}
	require.Equal(t, uint64(130), f.NumLeaves())
	require.Equal(t, uint64(130), f.NumLive())
}

func TestDeleteMiddleLeaf(t *testing.T) {
	// 4 leaves, delete the second: the first promotes into the old pair
	// slot and the root recomputes over it
	f := NewForest()
	var l [4]Hash
	for i := range l {
		l[i] = leafN(i)
		f.Add(l[i])
	}

	pr, err := f.Prove(1)
	require.NoError(t, err)
	require.NoError(t, f.Delete([]Proof{pr}))

	want := parentHash(l[0], parentHash(l[2], l[3]))
	require.Equal(t, []Hash{want}, f.Roots())
	require.Equal(t, uint64(3), f.NumLive())

	// l[0] now lives one row up, in its old parent's slot
	pos, ok := f.PositionOf(l[0])
	require.True(t, ok)
	require.Equal(t, uint64(4), pos)

	// everyone still live has to be provable
	for _, h := range []Hash{l[0], l[2], l[3]} {
		pr, err := f.ProveHash(h)
		require.NoError(t, err)
		require.NoError(t, f.VerifyProof(pr))
	}

	// the deleted one is gone
	_, err = f.ProveHash(l[1])
	require.ErrorIs(t, err, ErrUnknownLeaf)
}

func TestDeleteTwins(t *testing.T) {
	// deleting both children of one parent collapses to a parent
	// deletion: the other pair promotes to the root slot's child
	f := NewForest()
	var l [4]Hash
	for i := range l {
		l[i] = leafN(i)
		f.Add(l[i])
	}
	pr0, err := f.Prove(0)
	require.NoError(t, err)
	pr1, err := f.Prove(1)
	require.NoError(t, err)
	require.NoError(t, f.Delete([]Proof{pr0, pr1}))

	require.Equal(t, []Hash{parentHash(l[2], l[3])}, f.Roots())
	require.Equal(t, uint64(2), f.NumLive())
}

func TestDeleteWholeTree(t *testing.T) {
	// deleting every leaf of a tree zeroes its root but the forest keeps
	// its shape: the root count still mirrors the leaves ever added
	f := NewForest()
	for i := 0; i < 4; i++ {
		f.Add(leafN(i))
	}
	proofs := make([]Proof, 4)
	for i := range proofs {
		var err error
		proofs[i], err = f.ProveHash(leafN(i))
		require.NoError(t, err)
	}
	require.NoError(t, f.Delete(proofs))

	require.Equal(t, []Hash{empty}, f.Roots())
	require.Equal(t, uint64(0), f.NumLive())
	require.Equal(t, uint64(4), f.NumLeaves())

	// adds keep working afterwards; the zero root hashes in like any value
	f.Add(leafN(9))
	require.Equal(t, uint64(5), f.NumLeaves())
	pr, err := f.ProveHash(leafN(9))
	require.NoError(t, err)
	require.NoError(t, f.VerifyProof(pr))
}

func TestDeleteBatchAtomicity(t *testing.T) {
	f := NewForest()
	for i := 0; i < 8; i++ {
		f.Add(leafN(i))
	}
	rootsBefore := f.Roots()

	good, err := f.Prove(2)
	require.NoError(t, err)
	bad, err := f.Prove(5)
	require.NoError(t, err)
	bad.Siblings[1][0] ^= 0xff

	err = f.Delete([]Proof{good, bad})
	require.ErrorIs(t, err, ErrProofInvalid)

	// nothing may have been applied
	require.Equal(t, rootsBefore, f.Roots())
	require.Equal(t, uint64(8), f.NumLive())
	for i := 0; i < 8; i++ {
		pr, err := f.ProveHash(leafN(i))
		require.NoError(t, err)
		require.NoError(t, f.VerifyProof(pr))
	}
}

func TestDeleteDuplicateRejected(t *testing.T) {
	f := NewForest()
	for i := 0; i < 4; i++ {
		f.Add(leafN(i))
	}
	pr, err := f.Prove(1)
	require.NoError(t, err)
	err = f.Delete([]Proof{pr, pr})
	require.ErrorIs(t, err, ErrProofInvalid)
	require.Equal(t, uint64(4), f.NumLive())
}

func TestVerifyRejectsInternalNode(t *testing.T) {
	f := NewForest()
	for i := 0; i < 4; i++ {
		f.Add(leafN(i))
	}
	// cook up a structurally valid proof of the internal node at 4
	internal := Proof{
		Position: 4,
		Payload:  parentHash(leafN(0), leafN(1)),
		Siblings: []Hash{parentHash(leafN(2), leafN(3))},
	}
	require.NoError(t, f.VerifyProof(internal))
	// but it's not a live leaf so it can't be deleted
	err := f.Delete([]Proof{internal})
	require.ErrorIs(t, err, ErrUnknownLeaf)
}

func TestVerifyAgainstRoots(t *testing.T) {
	f := NewForest()
	for i := 0; i < 7; i++ {
		f.Add(leafN(i))
	}
	roots := f.Roots()
	for i := 0; i < 7; i++ {
		pr, err := f.ProveHash(leafN(i))
		require.NoError(t, err)
		require.NoError(t, VerifyAgainstRoots(pr, roots, f.NumLeaves()))
	}

	pr, err := f.Prove(0)
	require.NoError(t, err)
	pr.Payload[0] ^= 0xff
	require.ErrorIs(t, VerifyAgainstRoots(pr, roots, f.NumLeaves()),
		ErrProofInvalid)
}

// churn is a little simulated chain: every block adds fresh leaves and
// spends a random few of the live ones.
type churn struct {
	rnd  *rand.Rand
	f    *Forest
	live []Hash
	next int
}

func newChurn(seed int64) *churn {
	return &churn{rnd: rand.New(rand.NewSource(seed)), f: NewForest()}
}

// block applies one block of numAdds adds and maxDels random deletions and
// returns the undo record.
func (c *churn) block(t *testing.T, height int32, numAdds, maxDels int) *UndoBlock {
	numDels := 0
	if len(c.live) > 0 {
		numDels = c.rnd.Intn(maxDels + 1)
		if numDels > len(c.live) {
			numDels = len(c.live)
		}
	}
	c.rnd.Shuffle(len(c.live), func(i, j int) {
		c.live[i], c.live[j] = c.live[j], c.live[i]
	})
	proofs, err := c.f.ProveBatch(c.live[:numDels])
	require.NoError(t, err)

	adds := make([]Hash, numAdds)
	for i := range adds {
		adds[i] = leafN(c.next)
		c.next++
	}

	ub, err := c.f.ApplyBlock(adds, proofs, height)
	require.NoError(t, err)

	c.live = append(c.live[numDels:], adds...)
	return ub
}

func TestChurnAllLiveProvable(t *testing.T) {
	c := newChurn(4)
	for h := int32(1); h <= 40; h++ {
		c.block(t, h, 7, 5)
		require.Equal(t, uint64(len(c.live)), c.f.NumLive())
		for _, leaf := range c.live {
			pr, err := c.f.ProveHash(leaf)
			require.NoError(t, err)
			require.NoError(t, c.f.VerifyProof(pr))
		}
	}
}

func TestUndoRoundTrip(t *testing.T) {
	c := newChurn(13)

	type snap struct {
		roots     []Hash
		numLeaves uint64
		numDels   uint64
	}
	var snaps []snap
	var undos []*UndoBlock

	for h := int32(1); h <= 30; h++ {
		snaps = append(snaps, snap{c.f.Roots(), c.f.NumLeaves(), c.f.NumDels()})
		undos = append(undos, c.block(t, h, 6, 4))
	}

	// walk the whole chain back down and match every snapshot
	for i := len(undos) - 1; i >= 0; i-- {
		require.NoError(t, c.f.Undo(undos[i]))
		require.Equal(t, snaps[i].roots, c.f.Roots(), "roots at height %d", i)
		require.Equal(t, snaps[i].numLeaves, c.f.NumLeaves())
		require.Equal(t, snaps[i].numDels, c.f.NumDels())
	}
	require.Equal(t, uint64(0), c.f.NumLive())
}

func TestUndoThenReapply(t *testing.T) {
	// undo one block, replay it from the record, end up where we started
	c := newChurn(99)
	for h := int32(1); h <= 15; h++ {
		c.block(t, h, 5, 3)
	}
	rootsBefore := c.f.Roots()
	ub := c.block(t, 16, 5, 3)
	rootsAfter := c.f.Roots()

	require.NoError(t, c.f.Undo(ub))
	require.Equal(t, rootsBefore, c.f.Roots())

	require.NoError(t, c.f.Replay(ub))
	require.Equal(t, rootsAfter, c.f.Roots())
}

func TestSerializeRoundTrip(t *testing.T) {
	c := newChurn(7)
	for h := int32(1); h <= 20; h++ {
		c.block(t, h, 8, 5)
	}

	var buf bytes.Buffer
	require.NoError(t, c.f.Serialize(&buf))

	f2, err := RestoreForest(&buf)
	require.NoError(t, err)
	require.Equal(t, c.f.Roots(), f2.Roots())
	require.Equal(t, c.f.NumLeaves(), f2.NumLeaves())
	require.Equal(t, c.f.NumDels(), f2.NumDels())

	// the restored forest proves and deletes just like the original
	for _, leaf := range c.live {
		pr, err := f2.ProveHash(leaf)
		require.NoError(t, err)
		require.NoError(t, f2.VerifyProof(pr))
	}
	pr, err := f2.ProveHash(c.live[0])
	require.NoError(t, err)
	require.NoError(t, f2.Delete([]Proof{pr}))
}

func TestRestoreThenReplay(t *testing.T) {
	// checkpoint mid-chain, keep going on the original, then bring the
	// restored copy up by replaying the undo records
	c := newChurn(21)
	var undos []*UndoBlock
	for h := int32(1); h <= 10; h++ {
		c.block(t, h, 6, 4)
	}
	var buf bytes.Buffer
	require.NoError(t, c.f.Serialize(&buf))

	for h := int32(11); h <= 25; h++ {
		undos = append(undos, c.block(t, h, 6, 4))
	}

	f2, err := RestoreForest(&buf)
	require.NoError(t, err)
	for _, ub := range undos {
		require.NoError(t, f2.Replay(ub))
	}
	require.Equal(t, c.f.Roots(), f2.Roots())
	require.Equal(t, c.f.NumLeaves(), f2.NumLeaves())
}

func TestUndoSerializeRoundTrip(t *testing.T) {
	c := newChurn(3)
	for h := int32(1); h <= 5; h++ {
		c.block(t, h, 5, 3)
	}
	ub := c.block(t, 6, 4, 3)

	var buf bytes.Buffer
	require.NoError(t, ub.Serialize(&buf))
	require.Equal(t, ub.SerializeSize(), buf.Len())

	var back UndoBlock
	require.NoError(t, back.Deserialize(&buf))
	require.Equal(t, *ub, back)
}

func TestUndoAcrossRowGrowth(t *testing.T) {
	// a block whose adds push the forest into a new row: the undo record's
	// positions are in the old row space and still have to land right
	f := NewForest()
	var l [4]Hash
	for i := range l {
		l[i] = leafN(i)
		f.Add(l[i])
	}
	// promote l[0] to row 1 first so the later undo has to translate a
	// non bottom row position
	pr, err := f.Prove(1)
	require.NoError(t, err)
	require.NoError(t, f.Delete([]Proof{pr}))
	pos, ok := f.PositionOf(l[0])
	require.True(t, ok)
	require.Equal(t, uint64(4), pos)

	rootsBefore := f.Roots()

	pr, err = f.Prove(4)
	require.NoError(t, err)
	adds := []Hash{leafN(10), leafN(11), leafN(12), leafN(13), leafN(14)}
	ub, err := f.ApplyBlock(adds, []Proof{pr}, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(9), f.NumLeaves())

	require.NoError(t, f.Undo(ub))
	require.Equal(t, rootsBefore, f.Roots())
	pos, ok = f.PositionOf(l[0])
	require.True(t, ok)
	// position 4 under 2 rows is row 1 offset 0, which is 16 under 4 rows
	require.Equal(t, uint64(16), pos)
}
