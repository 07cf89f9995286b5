package accumulator

import (
	"crypto/sha256"
	"crypto/sha512"
)

// Hash is the 32 bytes of a sha256 / sha512_256 hash.
type Hash [32]byte

// Prefix is for printfs.
func (h Hash) Prefix() []byte {
	return h[:4]
}

// Mini takes the first 12 bytes of a hash and outputs a MiniHash.
func (h Hash) Mini() (m MiniHash) {
	copy(m[:], h[:12])
	return
}

// MiniHash is the first 12 bytes of a sha256 hash.  It's used as the position
// map key; 96 bits is plenty to keep leaves apart.
type MiniHash [12]byte

// HashFromString takes a string and hashes it with sha256.
func HashFromString(s string) Hash {
	return sha256.Sum256([]byte(s))
}

// empty marks a subtree with no live leaves.  An all-zero root means the
// whole tree was deleted; it stays in the root set so the forest shape keeps
// tracking the number of leaves ever added.
var empty Hash

// parentHash gets you the merkle parent of two child hashes.  Order matters.
// The zero hash is a regular value here: a parent over a deleted subtree
// commits to that emptiness like anything else.  One fixed rule, applied
// everywhere, so a proof generated under it always recomputes.
func parentHash(l, r Hash) Hash {
	var buf [64]byte
	copy(buf[:32], l[:])
	copy(buf[32:], r[:])
	return sha512.Sum512_256(buf[:])
}
