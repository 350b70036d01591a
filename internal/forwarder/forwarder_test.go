package forwarder

import (
	"testing"

	"telegram-forwarder/internal/resolver"
)

func TestRandomIDsStableAndDistinct(t *testing.T) {
	t.Parallel()

	f := &Forwarder{seed: 12345}
	source := resolver.ChannelRef{ID: 100, Kind: resolver.KindChannel}
	target := resolver.ChannelRef{ID: 200, Kind: resolver.KindChannel}

	a := f.randomIDs(source, []int{10, 11, 12}, target)
	b := f.randomIDs(source, []int{10, 11, 12}, target)

	if len(a) != 3 {
		t.Fatalf("len = %d, want 3", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("randomIDs not deterministic at %d: %d != %d", i, a[i], b[i])
		}
		if a[i] <= 0 {
			t.Fatalf("randomIDs[%d] = %d, want positive", i, a[i])
		}
	}
	if a[0] == a[1] || a[1] == a[2] {
		t.Fatalf("randomIDs collide: %v", a)
	}

	// Другая цель — другой вектор, иначе сервер дедуплицирует между каналами.
	other := f.randomIDs(source, []int{10, 11, 12}, resolver.ChannelRef{ID: 300, Kind: resolver.KindChannel})
	if a[0] == other[0] {
		t.Fatalf("randomIDs for distinct targets collide: %d", a[0])
	}
}
