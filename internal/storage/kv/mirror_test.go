package kv

import "testing"

type memKV struct {
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) { return m.data[string(key)], nil }
func (m *memKV) Set(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func TestAuditMirror_TreeInfoRoundTrip(t *testing.T) {
	mirror := NewAuditMirror(newMemKV())

	if err := mirror.RecordTreeInfo(5, TreeInfoSnapshot{LeafCount: 3, Root: "0xabc"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	got, ok, err := mirror.TreeInfoAt(5)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot to be found")
	}
	if got.LeafCount != 3 || got.Root != "0xabc" {
		t.Errorf("snapshot mismatch: got %+v", got)
	}

	if _, ok, err := mirror.TreeInfoAt(6); err != nil || ok {
		t.Errorf("expected no snapshot at height 6, got ok=%v err=%v", ok, err)
	}
}

func TestAuditMirror_PendingOverwrites(t *testing.T) {
	mirror := NewAuditMirror(newMemKV())

	if err := mirror.RecordPending([]string{"r1", "r2"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := mirror.RecordPending([]string{"r3"}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	got, ok, err := mirror.LatestPending()
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !ok {
		t.Fatal("expected snapshot to be found")
	}
	if len(got.RequestIDs) != 1 || got.RequestIDs[0] != "r3" {
		t.Errorf("expected latest snapshot to be [r3], got %v", got.RequestIDs)
	}
}
