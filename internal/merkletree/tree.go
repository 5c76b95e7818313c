// Package merkletree implements the fixed-depth, append-only incremental
// Merkle tree over the BN254 scalar field that backs the census commitment
// set. Besides the leaf list, the tree keeps only its frontier in memory;
// inclusion proofs are recomputed by replaying the stored leaf list, which
// is cheap because the depth is small and appends dominate reads.
package merkletree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rarimo/census-identity-service/internal/field"
	"github.com/rarimo/census-identity-service/internal/poseidon2"
)

// Depth is the fixed tree depth, giving a capacity of 2^Depth leaves.
const Depth = 20

// Capacity is the maximum number of leaves the tree can hold.
const Capacity = 1 << Depth

var (
	// ErrTreeFull is returned by Append once the tree holds Capacity leaves.
	ErrTreeFull = errors.New("merkletree: tree is full")
	// ErrUnknownLeaf is returned when a leaf index is queried out of range.
	ErrUnknownLeaf = errors.New("merkletree: unknown leaf index")
)

// zero[i] is the value of an empty subtree of height i. zero[0] = 0 and
// zero[i+1] = Poseidon2(zero[i], zero[i]), precomputed once at init per the
// Poseidon-zeros convention this service commits to.
var zero [Depth + 1]field.Element

func init() {
	zero[0] = field.Zero
	for i := 0; i < Depth; i++ {
		zero[i+1] = poseidon2.Hash(zero[i], zero[i])
	}
}

// Zero returns the precomputed zero value for subtree height h (0 <= h <=
// Depth).
func Zero(h int) field.Element {
	return zero[h]
}

// InclusionProof is the D-length Merkle path for a single leaf.
type InclusionProof struct {
	LeafIndex    uint64
	Root         field.Element
	PathElements [Depth]field.Element
	// PathIndices[k] is bit k of LeafIndex, (idx>>k)&1: 0 when the path node
	// at level k is a left child (its sibling is on the right), 1 when it is
	// a right child (its sibling is on the left).
	PathIndices [Depth]uint8
}

// Tree is the incremental commitment tree. The zero value is not usable;
// construct with New or Restore.
type Tree struct {
	mu       sync.RWMutex
	leaves   []field.Element
	frontier [Depth]field.Element
	root     field.Element
}

// New returns an empty tree whose root is zero[Depth].
func New() *Tree {
	t := &Tree{}
	t.root = zero[Depth]
	return t
}

// Restore rebuilds a tree from a previously persisted ordered leaf list,
// replaying every append. Used at startup once storage has reloaded the
// leaves log (see internal/storage).
func Restore(leaves []field.Element) (*Tree, error) {
	t := New()
	for _, leaf := range leaves {
		if _, _, err := t.Append(leaf); err != nil {
			return nil, fmt.Errorf("merkletree: restore: %w", err)
		}
	}
	return t, nil
}

// LeafCount returns the number of filled leaves.
func (t *Tree) LeafCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.leaves))
}

// Root returns the current root, cached since the last append.
func (t *Tree) Root() field.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Depth returns the fixed tree depth.
func (t *Tree) Depth() int {
	return Depth
}

// Append inserts leaf at the next free index, updates the frontier in
// O(Depth) and returns the new leaf index and root. It never deduplicates;
// callers (the storage layer) own DuplicateCommitment detection.
func (t *Tree) Append(leaf field.Element) (leafIndex uint64, root field.Element, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := uint64(len(t.leaves))
	if idx >= Capacity {
		return 0, field.Element{}, ErrTreeFull
	}

	cur := leaf
	for level := 0; level < Depth; level++ {
		bit := (idx >> uint(level)) & 1
		if bit == 0 {
			// idx is a left child at this level: its sibling subtree is
			// still empty, and cur becomes the new frontier entry.
			t.frontier[level] = cur
			cur = poseidon2.Hash(cur, zero[level])
		} else {
			// idx is a right child: combine with the left sibling already
			// recorded in the frontier.
			cur = poseidon2.Hash(t.frontier[level], cur)
		}
	}

	t.leaves = append(t.leaves, leaf)
	t.root = cur
	return idx, cur, nil
}

// InclusionProof recomputes the Merkle path for leafIndex by replaying the
// stored leaves. Acceptable cost because Depth is small and proof queries
// are rare relative to appends.
func (t *Tree) InclusionProof(leafIndex uint64) (*InclusionProof, error) {
	t.mu.RLock()
	leaves := make([]field.Element, len(t.leaves))
	copy(leaves, t.leaves)
	t.mu.RUnlock()

	if leafIndex >= uint64(len(leaves)) {
		return nil, ErrUnknownLeaf
	}

	// cur holds every node at the current height over the filled prefix
	// only, rebuilt bottom-up one level per iteration.
	cur := leaves
	proof := &InclusionProof{LeafIndex: leafIndex}
	idx := leafIndex

	for level := 0; level < Depth; level++ {
		siblingIdx := idx ^ 1
		var sibling field.Element
		if siblingIdx < uint64(len(cur)) {
			sibling = cur[siblingIdx]
		} else {
			sibling = zero[level]
		}
		proof.PathElements[level] = sibling
		proof.PathIndices[level] = uint8(idx & 1)

		next := make([]field.Element, (len(cur)+1)/2)
		for i := 0; i < len(next); i++ {
			l := cur[2*i]
			var r field.Element
			if 2*i+1 < len(cur) {
				r = cur[2*i+1]
			} else {
				r = zero[level]
			}
			next[i] = poseidon2.Hash(l, r)
		}
		cur = next
		idx /= 2
	}

	if len(cur) != 1 {
		return nil, fmt.Errorf("merkletree: internal error: expected single root node, got %d", len(cur))
	}
	proof.Root = cur[0]
	return proof, nil
}

// VerifyInclusionProof recomputes the root implied by proof starting from
// leaf and compares it against proof.Root, using the same Poseidon2
// primitive the tree itself uses (property P1).
func VerifyInclusionProof(leaf field.Element, proof *InclusionProof) bool {
	cur := leaf
	for level := 0; level < Depth; level++ {
		sibling := proof.PathElements[level]
		if proof.PathIndices[level] == 0 {
			cur = poseidon2.Hash(cur, sibling)
		} else {
			cur = poseidon2.Hash(sibling, cur)
		}
	}
	return cur.Equal(proof.Root)
}
