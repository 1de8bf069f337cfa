package locks

import (
	"context"
	"testing"
	"time"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	r := NewRegistry()
	release, err := r.Acquire(context.Background(), "codex:abc")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		release2, err := r.Acquire(context.Background(), "codex:abc")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		close(acquired)
		release2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestAcquireDistinctKeysDoNotBlock(t *testing.T) {
	r := NewRegistry()
	rel1, err := r.Acquire(context.Background(), "codex:a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	rel2, err := r.Acquire(context.Background(), "claude:a")
	if err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	rel1()
	rel2()
}

func TestAcquireHonorsContext(t *testing.T) {
	r := NewRegistry()
	release, err := r.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Acquire(ctx, "k"); err == nil {
		t.Fatal("expected context error while lock held")
	}

	release()
	if r.Held("k") {
		t.Fatal("registry should forget released keys")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry()
	release, err := r.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()
	if r.Held("k") {
		t.Fatal("key should be gone")
	}
}
