package nullifier

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rarimo/census-identity-service/internal/storage"
)

func newTestBook(t *testing.T) *Book {
	t.Helper()
	dir, err := os.MkdirTemp("", "census-nullifier-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return New(store)
}

func TestRecordOnce_SecondCallFails(t *testing.T) {
	book := newTestBook(t)

	if err := book.RecordOnce(1, "0xabc"); err != nil {
		t.Fatalf("first record failed: %v", err)
	}
	if err := book.RecordOnce(1, "0xabc"); err != storage.ErrNullifierReused {
		t.Fatalf("expected ErrNullifierReused, got %v", err)
	}
}

func TestRecordOnce_ConcurrentCallsExactlyOneWinner(t *testing.T) {
	book := newTestBook(t)

	const attempts = 50
	var successes int64
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if err := book.RecordOnce(7, "0xdeadbeef"); err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 success among %d concurrent attempts, got %d", attempts, successes)
	}
	if !book.Contains(7, "0xdeadbeef") {
		t.Error("expected nullifier to be recorded after concurrent attempts")
	}
}

func TestRecordOnce_DistinctScopesIndependent(t *testing.T) {
	book := newTestBook(t)

	if err := book.RecordOnce(1, "0xsame"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := book.RecordOnce(2, "0xsame"); err != nil {
		t.Fatalf("expected independent scope to succeed, got %v", err)
	}
}
