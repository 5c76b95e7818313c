package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rarimo/census-identity-service/internal/poseidon2"
)

func TestDeriveNullifier_Deterministic(t *testing.T) {
	attNullifier := []byte("external-attestation-nullifier-1")
	userAccount := []byte("user-account-1")
	adminSalt := []byte("admin-salt")

	a := DeriveNullifier(attNullifier, userAccount, adminSalt)
	b := DeriveNullifier(attNullifier, userAccount, adminSalt)
	require.True(t, a.Equal(b), "same inputs must yield the same nullifier")
}

func TestDeriveNullifier_DiffersOnAnyInput(t *testing.T) {
	base := DeriveNullifier([]byte("att-1"), []byte("user-1"), []byte("salt"))

	diffAtt := DeriveNullifier([]byte("att-2"), []byte("user-1"), []byte("salt"))
	require.False(t, base.Equal(diffAtt))

	diffUser := DeriveNullifier([]byte("att-1"), []byte("user-2"), []byte("salt"))
	require.False(t, base.Equal(diffUser))

	diffSalt := DeriveNullifier([]byte("att-1"), []byte("user-1"), []byte("salt2"))
	require.False(t, base.Equal(diffSalt))
}

func TestDerive_CommitmentBinding(t *testing.T) {
	id, err := Derive([]byte("att-1"), []byte("user-1"), []byte("salt"))
	require.NoError(t, err)

	expected := poseidon2.Hash(id.Nullifier, id.Trapdoor)
	require.True(t, id.Commitment.Equal(expected), "commitment must equal Poseidon2(nullifier, trapdoor)")
}

func TestDerive_FreshTrapdoorPerCall(t *testing.T) {
	a, err := Derive([]byte("att-1"), []byte("user-1"), []byte("salt"))
	require.NoError(t, err)
	b, err := Derive([]byte("att-1"), []byte("user-1"), []byte("salt"))
	require.NoError(t, err)

	require.True(t, a.Nullifier.Equal(b.Nullifier), "nullifier is deterministic")
	require.False(t, a.Trapdoor.Equal(b.Trapdoor), "trapdoor must be fresh per issuance")
	require.False(t, a.Commitment.Equal(b.Commitment), "distinct trapdoors must yield distinct commitments")
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	id, err := Derive([]byte("att-1"), []byte("user-1"), []byte("salt"))
	require.NoError(t, err)

	userAccount := []byte("user-1")
	sealed, err := Seal(id, 42, userAccount)
	require.NoError(t, err)
	require.NotEmpty(t, sealed.Ciphertext)
	require.EqualValues(t, 42, sealed.LeafIndex)

	recovered, leafIndex, err := Unseal(sealed, userAccount)
	require.NoError(t, err)
	require.EqualValues(t, 42, leafIndex)
	require.True(t, recovered.Nullifier.Equal(id.Nullifier))
	require.True(t, recovered.Trapdoor.Equal(id.Trapdoor))
	require.True(t, recovered.Commitment.Equal(id.Commitment))
}

func TestUnseal_WrongUserAccountFails(t *testing.T) {
	id, err := Derive([]byte("att-1"), []byte("user-1"), []byte("salt"))
	require.NoError(t, err)

	sealed, err := Seal(id, 1, []byte("user-1"))
	require.NoError(t, err)

	_, _, err = Unseal(sealed, []byte("user-2"))
	require.ErrorIs(t, err, ErrSealedCredentialsCorrupt)
}

func TestUnseal_CorruptCiphertextFails(t *testing.T) {
	_, _, err := Unseal(SealedCredentials{Ciphertext: "not-base64!!"}, []byte("user-1"))
	require.ErrorIs(t, err, ErrSealedCredentialsCorrupt)
}
