package task_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"telegram-forwarder/internal/task"
)

// recorder собирает события репортера для проверок.
type recorder struct {
	mu          sync.Mutex
	transitions []string
	errs        []error
}

func (r *recorder) StatusChanged(t *task.Task, from, to task.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *recorder) Progress(t *task.Task, processed, total int) {}

func (r *recorder) Failure(t *task.Task, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func TestLifecycleHappyPath(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tk := task.New("download-1", "download", rec)

	if got := tk.Status(); got != task.StatusPending {
		t.Fatalf("Status() = %v, want pending", got)
	}
	if !tk.Start() {
		t.Fatal("Start() = false, want true")
	}
	if !tk.Pause() {
		t.Fatal("Pause() = false, want true")
	}
	if !tk.Resume() {
		t.Fatal("Resume() = false, want true")
	}
	if !tk.Complete() {
		t.Fatal("Complete() = false, want true")
	}

	want := []string{
		"pending->running",
		"running->paused",
		"paused->running",
		"running->completed",
	}
	got := rec.seen()
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	select {
	case <-tk.Done():
	default:
		t.Fatal("Done() not closed after Complete")
	}
}

func TestInvalidTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		run  func(tk *task.Task) bool
	}{
		{
			name: "pause before start",
			run:  func(tk *task.Task) bool { return tk.Pause() },
		},
		{
			name: "complete before start",
			run:  func(tk *task.Task) bool { return tk.Complete() },
		},
		{
			name: "resume running task",
			run: func(tk *task.Task) bool {
				tk.Start()
				return tk.Resume()
			},
		},
		{
			name: "complete after cancel",
			run: func(tk *task.Task) bool {
				tk.Start()
				tk.Cancel()
				return tk.Complete()
			},
		},
		{
			name: "fail after cancel keeps cancelled",
			run: func(tk *task.Task) bool {
				tk.Start()
				tk.Cancel()
				return tk.Fail(errors.New("late failure"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tk := task.New("t", "download", nil)
			if tt.run(tk) {
				t.Fatalf("transition unexpectedly allowed")
			}
		})
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	t.Parallel()

	tk := task.New("t", "forward", nil)
	tk.Start()
	tk.Cancel()
	tk.Cancel()

	if got := tk.Status(); got != task.StatusCancelled {
		t.Fatalf("Status() = %v, want cancelled", got)
	}
	if !tk.CancelToken().Cancelled() {
		t.Fatal("CancelToken().Cancelled() = false, want true")
	}
	select {
	case <-tk.CancelToken().Done():
	default:
		t.Fatal("CancelToken().Done() not closed")
	}
}

func TestCancelUnblocksPausedWorkers(t *testing.T) {
	t.Parallel()

	tk := task.New("t", "forward", nil)
	tk.Start()
	tk.Pause()

	released := make(chan error, 1)
	go func() {
		released <- tk.PauseToken().WaitIfPaused(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	tk.Cancel()

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("WaitIfPaused() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIfPaused() still blocked after Cancel")
	}
}

func TestWaitIfPaused(t *testing.T) {
	t.Parallel()

	p := task.NewPauseToken()

	// Рабочее состояние: не блокирует.
	if err := p.WaitIfPaused(context.Background()); err != nil {
		t.Fatalf("WaitIfPaused() on running token = %v, want nil", err)
	}

	p.Pause()
	if !p.Paused() {
		t.Fatal("Paused() = false after Pause")
	}

	released := make(chan error, 1)
	go func() {
		released <- p.WaitIfPaused(context.Background())
	}()

	select {
	case err := <-released:
		t.Fatalf("WaitIfPaused() returned %v while paused", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.Resume()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("WaitIfPaused() after Resume = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitIfPaused() still blocked after Resume")
	}
}

func TestWaitIfPausedHonoursContext(t *testing.T) {
	t.Parallel()

	p := task.NewPauseToken()
	p.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := p.WaitIfPaused(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitIfPaused() = %v, want DeadlineExceeded", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := task.NewRegistry()
	t1 := reg.NewTask("download", nil)
	t2 := reg.NewTask("upload", nil)

	if t1.ID() == t2.ID() {
		t.Fatalf("ids collide: %q", t1.ID())
	}
	if got, ok := reg.Get(t1.ID()); !ok || got != t1 {
		t.Fatalf("Get(%q) = %v, %v", t1.ID(), got, ok)
	}
	if got := len(reg.Active()); got != 2 {
		t.Fatalf("Active() = %d tasks, want 2", got)
	}

	t1.Start()
	t1.Complete()
	if got := len(reg.Active()); got != 1 {
		t.Fatalf("Active() after complete = %d tasks, want 1", got)
	}

	reg.CancelAll()
	if got := t2.Status(); got != task.StatusCancelled {
		t.Fatalf("t2.Status() after CancelAll = %v, want cancelled", got)
	}

	reg.Remove(t1.ID())
	if _, ok := reg.Get(t1.ID()); ok {
		t.Fatalf("Get(%q) after Remove = true, want false", t1.ID())
	}
}

func TestFailRecordsError(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tk := task.New("t", "upload", rec)
	tk.Start()

	wantErr := errors.New("upload broke")
	if !tk.Fail(wantErr) {
		t.Fatal("Fail() = false, want true")
	}
	if got := tk.Status(); got != task.StatusFailed {
		t.Fatalf("Status() = %v, want failed", got)
	}
	if !errors.Is(tk.Err(), wantErr) {
		t.Fatalf("Err() = %v, want %v", tk.Err(), wantErr)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], wantErr) {
		t.Fatalf("reporter errs = %v, want [%v]", rec.errs, wantErr)
	}
}
