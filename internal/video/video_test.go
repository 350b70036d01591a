package video_test

import (
	"context"
	"sync"
	"testing"

	"telegram-forwarder/internal/video"
)

// countingProber считает обращения к каждому методу.
type countingProber struct {
	mu         sync.Mutex
	dimCalls   int
	durCalls   int
	thumbCalls int
}

func (p *countingProber) Dimensions(ctx context.Context, path string) (int, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dimCalls++
	return 1280, 720, true
}

func (p *countingProber) Duration(ctx context.Context, path string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.durCalls++
	return 12.5, true
}

func (p *countingProber) Thumbnail(ctx context.Context, path string) (video.Thumb, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thumbCalls++
	return video.Thumb{Path: path + ".thumb.jpg", Width: 1280, Height: 720, Duration: 12.5}, true
}

func TestCachedMemoizesPerPath(t *testing.T) {
	t.Parallel()

	inner := &countingProber{}
	c := video.NewCached(inner)
	ctx := context.Background()

	for range 3 {
		if w, h, ok := c.Dimensions(ctx, "a.mp4"); !ok || w != 1280 || h != 720 {
			t.Fatalf("Dimensions() = %d, %d, %v", w, h, ok)
		}
		if d, ok := c.Duration(ctx, "a.mp4"); !ok || d != 12.5 {
			t.Fatalf("Duration() = %v, %v", d, ok)
		}
		if th, ok := c.Thumbnail(ctx, "a.mp4"); !ok || th.Path != "a.mp4.thumb.jpg" {
			t.Fatalf("Thumbnail() = %+v, %v", th, ok)
		}
	}

	inner.mu.Lock()
	defer inner.mu.Unlock()
	// Dimensions и Duration опрашиваются одним общим пробником.
	if inner.dimCalls != 1 || inner.durCalls != 1 {
		t.Fatalf("meta calls = %d/%d, want 1/1", inner.dimCalls, inner.durCalls)
	}
	if inner.thumbCalls != 1 {
		t.Fatalf("thumb calls = %d, want 1", inner.thumbCalls)
	}
}

func TestCachedSeparatePaths(t *testing.T) {
	t.Parallel()

	inner := &countingProber{}
	c := video.NewCached(inner)
	ctx := context.Background()

	c.Thumbnail(ctx, "a.mp4")
	c.Thumbnail(ctx, "b.mp4")

	thumbs := c.Thumbnails()
	if len(thumbs) != 2 {
		t.Fatalf("Thumbnails() = %d entries, want 2", len(thumbs))
	}
}

func TestNopProber(t *testing.T) {
	t.Parallel()

	c := video.NewCached(nil)
	ctx := context.Background()

	if _, _, ok := c.Dimensions(ctx, "a.mp4"); ok {
		t.Fatal("Nop Dimensions() = ok")
	}
	if _, ok := c.Duration(ctx, "a.mp4"); ok {
		t.Fatal("Nop Duration() = ok")
	}
	if _, ok := c.Thumbnail(ctx, "a.mp4"); ok {
		t.Fatal("Nop Thumbnail() = ok")
	}
	if got := c.Thumbnails(); len(got) != 0 {
		t.Fatalf("Thumbnails() = %v, want empty", got)
	}
}
