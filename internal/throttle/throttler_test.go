package throttle_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"telegram-forwarder/internal/throttle"
)

// fatalErr — ошибка, запрещающая повторные попытки.
type fatalErr struct{ msg string }

func (e fatalErr) Error() string   { return e.msg }
func (e fatalErr) StopRetry() bool { return true }

// waitErr — ошибка с серверным указанием подождать.
type waitErr struct{ wait time.Duration }

func (e waitErr) Error() string { return "server says wait" }

func waitExtractor(err error) (time.Duration, bool) {
	var w waitErr
	if errors.As(err, &w) {
		return w.wait, true
	}
	return 0, false
}

func TestDoBeforeStart(t *testing.T) {
	t.Parallel()

	tr := throttle.New(10)
	err := tr.Do(context.Background(), func() error { return nil })
	if !errors.Is(err, throttle.ErrNotStarted) {
		t.Fatalf("Do() before Start = %v, want ErrNotStarted", err)
	}
}

func TestDoSuccessFirstTry(t *testing.T) {
	t.Parallel()

	tr := throttle.New(100)
	tr.Start(context.Background())
	defer tr.Stop()

	calls := 0
	if err := tr.Do(context.Background(), func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoStopRetryer(t *testing.T) {
	t.Parallel()

	tr := throttle.New(100)
	tr.Start(context.Background())
	defer tr.Stop()

	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		return fatalErr{msg: "no retry"}
	})
	var fe fatalErr
	if !errors.As(err, &fe) {
		t.Fatalf("Do() = %v, want fatalErr", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (StopRetryer must not retry)", calls)
	}
}

func TestDoServerWaitRetries(t *testing.T) {
	t.Parallel()

	const baseDelay = 30 * time.Millisecond
	tr := throttle.New(100,
		throttle.WithWaitExtractors(waitExtractor),
		throttle.WithBaseDelay(baseDelay),
	)
	tr.Start(context.Background())
	defer tr.Stop()

	calls := 0
	started := time.Now()
	err := tr.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return waitErr{wait: 20 * time.Millisecond}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if elapsed := time.Since(started); elapsed < 20*time.Millisecond+baseDelay {
		t.Fatalf("elapsed = %v, want >= %v (server wait + base delay)", elapsed, 20*time.Millisecond+baseDelay)
	}
}

func TestDoServerWaitMaxRetriesExhausted(t *testing.T) {
	t.Parallel()

	tr := throttle.New(100,
		throttle.WithWaitExtractors(waitExtractor),
		throttle.WithMaxRetries(2),
	)
	tr.Start(context.Background())
	defer tr.Stop()

	// Сервер просит подождать на каждой попытке: после лимита ретраев
	// последняя ошибка отдаётся наружу.
	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		return waitErr{wait: time.Millisecond}
	})
	if err == nil || !strings.Contains(err.Error(), "max retries reached") {
		t.Fatalf("Do() = %v, want max retries error", err)
	}
	var w waitErr
	if !errors.As(err, &w) {
		t.Fatalf("Do() = %v, want wrapped server wait error", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial + two retries)", calls)
	}
}

func TestDoPermanentErrorNoRetry(t *testing.T) {
	t.Parallel()

	tr := throttle.New(100, throttle.WithMaxRetries(3))
	tr.Start(context.Background())
	defer tr.Stop()

	boom := errors.New("boom")
	calls := 0
	started := time.Now()
	err := tr.Do(context.Background(), func() error {
		calls++
		return boom
	})
	// Несерверная ошибка возвращается без изменений и без повторов.
	if !errors.Is(err, boom) || err.Error() != "boom" {
		t.Fatalf("Do() = %v, want unchanged boom", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (permanent errors must not retry)", calls)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("Do() took %s, want prompt return without backoff", elapsed)
	}
}

func TestDoContextCanceled(t *testing.T) {
	t.Parallel()

	tr := throttle.New(100)
	tr.Start(context.Background())
	defer tr.Stop()

	calls := 0
	err := tr.Do(context.Background(), func() error {
		calls++
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (canceled context must not retry)", calls)
	}
}

func TestStopInterruptsWait(t *testing.T) {
	t.Parallel()

	tr := throttle.New(100, throttle.WithWaitExtractors(waitExtractor))
	tr.Start(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- tr.Do(context.Background(), func() error {
			return waitErr{wait: time.Minute}
		})
	}()

	time.Sleep(50 * time.Millisecond)
	tr.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Do() after Stop = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do() did not return after Stop")
	}
}
