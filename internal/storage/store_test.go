package storage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rarimo/census-identity-service/internal/field"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "census-storage-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func TestAppendLeaf_AssignsSequentialIndices(t *testing.T) {
	s, _ := newTestStore(t)

	idx0, err := s.AppendLeaf(field.FromUint64(1), "user-1", "fp-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, idx0)

	idx1, err := s.AppendLeaf(field.FromUint64(2), "user-2", "fp-2")
	require.NoError(t, err)
	require.EqualValues(t, 1, idx1)

	require.Equal(t, []field.Element{field.FromUint64(1), field.FromUint64(2)}, s.Leaves())
}

func TestAppendLeaf_RejectsDuplicateCommitment(t *testing.T) {
	s, _ := newTestStore(t)

	leaf := field.FromUint64(7)
	_, err := s.AppendLeaf(leaf, "user-1", "fp-1")
	require.NoError(t, err)

	_, err = s.AppendLeaf(leaf, "user-2", "fp-2")
	require.ErrorIs(t, err, ErrDuplicateCommitment)
}

func TestCreateRequest_RejectsSecondPendingForSameUser(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.CreateRequest(RequestRecord{ID: "r1", UserAccount: "user-1", Status: StatusPending}))
	err := s.CreateRequest(RequestRecord{ID: "r2", UserAccount: "user-1", Status: StatusPending})
	require.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestCreateRequest_AllowsNewPendingAfterTerminal(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.CreateRequest(RequestRecord{ID: "r1", UserAccount: "user-1", Status: StatusPending}))
	rejected := RequestRecord{ID: "r1", UserAccount: "user-1", Status: StatusRejected}
	require.NoError(t, s.UpdateRequest(rejected))

	require.NoError(t, s.CreateRequest(RequestRecord{ID: "r2", UserAccount: "user-1", Status: StatusPending}))

	r, ok := s.RequestByUserAccount("user-1")
	require.True(t, ok)
	require.Equal(t, "r2", r.ID)
}

func TestRecordNullifier_SingleUsePerScope(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.RecordNullifier(1, "0xabc"))
	err := s.RecordNullifier(1, "0xabc")
	require.ErrorIs(t, err, ErrNullifierReused)

	// Same hash under a different scope is independent.
	require.NoError(t, s.RecordNullifier(2, "0xabc"))
}

func TestOpen_RebuildsIndicesAfterRestart(t *testing.T) {
	s, dir := newTestStore(t)

	_, err := s.AppendLeaf(field.FromUint64(11), "user-1", "fp-1")
	require.NoError(t, err)
	require.NoError(t, s.CreateRequest(RequestRecord{ID: "r1", UserAccount: "user-1", Status: StatusPending}))
	require.NoError(t, s.RecordNullifier(1, "0xdead"))
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, []field.Element{field.FromUint64(11)}, reopened.Leaves())
	_, ok := reopened.RequestByUserAccount("user-1")
	require.True(t, ok)
	require.True(t, reopened.HasNullifier(1, "0xdead"))
}

func TestOpen_SecondProcessFailsToAcquireLock(t *testing.T) {
	s, dir := newTestStore(t)
	_ = s

	_, err := Open(dir)
	require.ErrorIs(t, err, ErrIo)
}

func TestCompact_PreservesState(t *testing.T) {
	s, dir := newTestStore(t)

	_, err := s.AppendLeaf(field.FromUint64(3), "user-1", "fp-1")
	require.NoError(t, err)
	require.NoError(t, s.RecordNullifier(5, "0xbeef"))
	require.NoError(t, s.Compact())
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, []field.Element{field.FromUint64(3)}, reopened.Leaves())
	require.True(t, reopened.HasNullifier(5, "0xbeef"))
}
