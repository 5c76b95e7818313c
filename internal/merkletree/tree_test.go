package merkletree

import (
	"testing"

	"github.com/rarimo/census-identity-service/internal/field"
	"github.com/rarimo/census-identity-service/internal/poseidon2"
)

func TestNew_EmptyRootIsZeroDepth(t *testing.T) {
	tree := New()
	if !tree.Root().Equal(Zero(Depth)) {
		t.Errorf("empty tree root mismatch: got %s, want %s", tree.Root(), Zero(Depth))
	}
	if tree.LeafCount() != 0 {
		t.Errorf("leaf count mismatch: got %d, want 0", tree.LeafCount())
	}
}

func TestAppend_SingleLeaf(t *testing.T) {
	tree := New()
	leaf := field.FromUint64(42)

	idx, root, err := tree.Append(leaf)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if idx != 0 {
		t.Errorf("leaf index mismatch: got %d, want 0", idx)
	}
	if !root.Equal(tree.Root()) {
		t.Errorf("returned root does not match tree.Root()")
	}
	if tree.LeafCount() != 1 {
		t.Errorf("leaf count mismatch: got %d, want 1", tree.LeafCount())
	}
}

func TestAppend_SequentialIndices(t *testing.T) {
	tree := New()
	for i := uint64(0); i < 10; i++ {
		idx, _, err := tree.Append(field.FromUint64(i))
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if idx != i {
			t.Errorf("leaf index mismatch at %d: got %d", i, idx)
		}
	}
	if tree.LeafCount() != 10 {
		t.Errorf("leaf count mismatch: got %d, want 10", tree.LeafCount())
	}
}

func TestInclusionProof_VerifiesAgainstRoot(t *testing.T) {
	tree := New()
	var leaves []field.Element
	for i := uint64(0); i < 7; i++ {
		leaves = append(leaves, field.FromUint64(i+100))
	}
	for _, leaf := range leaves {
		if _, _, err := tree.Append(leaf); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	for i, leaf := range leaves {
		proof, err := tree.InclusionProof(uint64(i))
		if err != nil {
			t.Fatalf("inclusion proof %d failed: %v", i, err)
		}
		if !proof.Root.Equal(tree.Root()) {
			t.Errorf("proof %d root mismatch: got %s, want %s", i, proof.Root, tree.Root())
		}
		if !VerifyInclusionProof(leaf, proof) {
			t.Errorf("proof %d failed to verify against leaf", i)
		}
	}
}

func TestInclusionProof_RejectsWrongLeaf(t *testing.T) {
	tree := New()
	tree.Append(field.FromUint64(1))
	tree.Append(field.FromUint64(2))

	proof, err := tree.InclusionProof(0)
	if err != nil {
		t.Fatalf("inclusion proof failed: %v", err)
	}
	if VerifyInclusionProof(field.FromUint64(999), proof) {
		t.Error("proof verified against wrong leaf, want failure")
	}
}

func TestInclusionProof_UnknownLeaf(t *testing.T) {
	tree := New()
	tree.Append(field.FromUint64(1))

	if _, err := tree.InclusionProof(5); err != ErrUnknownLeaf {
		t.Errorf("expected ErrUnknownLeaf, got %v", err)
	}
}

func TestRestore_MatchesIncrementalAppend(t *testing.T) {
	live := New()
	var leaves []field.Element
	for i := uint64(0); i < 13; i++ {
		leaf := field.FromUint64(i * 7)
		leaves = append(leaves, leaf)
		if _, _, err := live.Append(leaf); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	restored, err := Restore(leaves)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if !restored.Root().Equal(live.Root()) {
		t.Errorf("restored root mismatch: got %s, want %s", restored.Root(), live.Root())
	}
	if restored.LeafCount() != live.LeafCount() {
		t.Errorf("restored leaf count mismatch: got %d, want %d", restored.LeafCount(), live.LeafCount())
	}
}

func TestZero_RecurrenceHolds(t *testing.T) {
	for i := 0; i < Depth; i++ {
		expected := poseidon2.Hash(Zero(i), Zero(i))
		if !Zero(i + 1).Equal(expected) {
			t.Errorf("zero[%d] does not equal Poseidon2(zero[%d], zero[%d])", i+1, i, i)
		}
	}
}
