package chainpublish

import (
	"errors"
	"io"
	"log"
	"testing"

	"github.com/rarimo/census-identity-service/internal/field"
)

func nopLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestNew_RejectsMissingConfiguration(t *testing.T) {
	if _, err := New("", "0xabc", "deadbeef", 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := New("http://localhost:8545", "", "deadbeef", 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestIsRetryable_ClassifiesTransientErrors(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"replacement transaction underpriced", true},
		{"nonce too low", true},
		{"already known", true},
		{"insufficient funds for gas", false},
		{"execution reverted", false},
	}
	for _, c := range cases {
		if got := isRetryable(errors.New(c.msg)); got != c.want {
			t.Errorf("isRetryable(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestWorker_EnqueueRejectsWhenQueueFull(t *testing.T) {
	w := &Worker{jobs: make(chan Job, 1), log: nopLogger()}
	job := Job{Root: field.FromUint64(1), LeafCount: 1}

	if !w.Enqueue(job) {
		t.Fatal("expected first enqueue to succeed")
	}
	if w.Enqueue(job) {
		t.Fatal("expected second enqueue to fail on a full queue of size 1")
	}
}
