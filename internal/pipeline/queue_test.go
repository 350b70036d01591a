package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
)

func TestQueuePutGetOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx := context.Background()

	first := &Work{Caption: "first"}
	second := &Work{Caption: "second"}
	if err := q.Put(ctx, first); err != nil {
		t.Fatalf("Put() = %v", err)
	}
	if err := q.Put(ctx, second); err != nil {
		t.Fatalf("Put() = %v", err)
	}

	got, ok, err := q.Get(ctx, time.Second)
	if err != nil || !ok || got != first {
		t.Fatalf("Get() = %v, ok=%v, err=%v, want first", got, ok, err)
	}
	got, ok, err = q.Get(ctx, time.Second)
	if err != nil || !ok || got != second {
		t.Fatalf("Get() = %v, ok=%v, err=%v, want second", got, ok, err)
	}
}

func TestQueueGetTimesOutOnEmpty(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	start := time.Now()
	w, ok, err := q.Get(context.Background(), 20*time.Millisecond)
	if w != nil || ok || err != nil {
		t.Fatalf("Get() = %v, ok=%v, err=%v, want timeout", w, ok, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Get() took %s, want prompt timeout", elapsed)
	}
}

func TestQueueGetAfterClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	ctx := context.Background()
	if err := q.Put(ctx, &Work{Caption: "queued"}); err != nil {
		t.Fatalf("Put() = %v", err)
	}
	q.Close()
	q.Close() // повторное закрытие безопасно

	if _, ok, err := q.Get(ctx, time.Second); err != nil || !ok {
		t.Fatalf("Get() = ok=%v, err=%v, want queued work before EOF", ok, err)
	}
	if _, _, err := q.Get(ctx, time.Second); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Get() after drain = %v, want ErrQueueClosed", err)
	}
}

func TestQueuePutBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	if err := q.Put(ctx, &Work{Caption: "first"}); err != nil {
		t.Fatalf("Put() = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, &Work{Caption: "second"})
	}()

	select {
	case err := <-done:
		t.Fatalf("Put() = %v before a slot freed up", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok, err := q.Get(ctx, time.Second); err != nil || !ok {
		t.Fatalf("Get() = ok=%v, err=%v", ok, err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Put() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Put() still blocked after Get freed a slot")
	}
}

func TestQueuePutHonoursCancellation(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	if err := q.Put(context.Background(), &Work{}); err != nil {
		t.Fatalf("Put() = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, &Work{})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Put() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Put() ignored cancellation")
	}
}

func TestQueueLen(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	ctx := context.Background()
	for range 2 {
		if err := q.Put(ctx, &Work{}); err != nil {
			t.Fatalf("Put() = %v", err)
		}
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
}
