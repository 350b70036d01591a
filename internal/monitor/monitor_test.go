package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/pipeline"
	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/task"
)

func channelRef(id int64, title string) resolver.ChannelRef {
	return resolver.ChannelRef{Kind: resolver.KindChannel, ID: id, Title: title, CanForward: true}
}

func testMonitor(opts Options) *Monitor {
	if opts.Runner == nil {
		opts.Runner = pipeline.NewRunner(pipeline.RunnerOptions{})
	}
	return New(opts)
}

func photoMessage(id int, channel int64) *tg.Message {
	return &tg.Message{
		ID:     id,
		PeerID: &tg.PeerChannel{ChannelID: channel},
		Media:  &tg.MessageMediaPhoto{Photo: &tg.Photo{ID: int64(id)}},
	}
}

func waitEvent(t *testing.T, m *Monitor) event {
	t.Helper()
	select {
	case ev := <-m.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event arrived")
		return event{}
	}
}

func assertNoEvent(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case ev := <-m.events:
		t.Fatalf("unexpected event for group %d", groupLabel(ev.group))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptionKeyIgnoresTargetOrder(t *testing.T) {
	t.Parallel()

	source := channelRef(100, "source")
	alpha := channelRef(200, "alpha")
	beta := channelRef(300, "beta")

	ab := subscriptionKey(pipeline.Pair{Source: source, Targets: []resolver.ChannelRef{alpha, beta}})
	ba := subscriptionKey(pipeline.Pair{Source: source, Targets: []resolver.ChannelRef{beta, alpha}})
	if ab != ba {
		t.Fatalf("subscriptionKey() differs for reordered targets: %q vs %q", ab, ba)
	}

	other := subscriptionKey(pipeline.Pair{Source: source, Targets: []resolver.ChannelRef{alpha}})
	if ab == other {
		t.Fatalf("subscriptionKey() = %q for different target sets", ab)
	}
}

func TestSubscribeDuplicateIsNoOp(t *testing.T) {
	t.Parallel()

	m := testMonitor(Options{})
	pair := pipeline.Pair{
		Source:  channelRef(100, "source"),
		Targets: []resolver.ChannelRef{channelRef(200, "alpha"), channelRef(300, "beta")},
	}

	if !m.Subscribe(pair) {
		t.Fatal("Subscribe() = false for new pair")
	}
	// Та же пара с переставленными целями — идентичная подписка.
	reordered := pair
	reordered.Targets = []resolver.ChannelRef{pair.Targets[1], pair.Targets[0]}
	if m.Subscribe(reordered) {
		t.Fatal("Subscribe() = true for duplicate pair")
	}
	if got := m.Subscriptions(); got != 1 {
		t.Fatalf("Subscriptions() = %d, want 1", got)
	}
}

func TestRouteDeliversToMatchingSource(t *testing.T) {
	t.Parallel()

	m := testMonitor(Options{})
	m.Subscribe(pipeline.Pair{
		Source:  channelRef(100, "source"),
		Targets: []resolver.ChannelRef{channelRef(200, "alpha")},
	})

	if err := m.OnNewChannelMessage(context.Background(), tg.Entities{}, &tg.UpdateNewChannelMessage{
		Message: photoMessage(7, 100),
	}); err != nil {
		t.Fatalf("OnNewChannelMessage() = %v", err)
	}

	ev := waitEvent(t, m)
	if ids := ev.group.IDs(); len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("group ids = %v, want [7]", ids)
	}
	if ev.group.Source.ID != 100 {
		t.Fatalf("group source = %d, want 100", ev.group.Source.ID)
	}
}

func TestRouteIgnoresForeignAndOutgoing(t *testing.T) {
	t.Parallel()

	m := testMonitor(Options{})
	m.Subscribe(pipeline.Pair{
		Source:  channelRef(100, "source"),
		Targets: []resolver.ChannelRef{channelRef(200, "alpha")},
	})

	// Чужой канал.
	m.route(photoMessage(1, 999))
	// Собственное исходящее.
	out := photoMessage(2, 100)
	out.Out = true
	m.route(out)
	// Служебное сообщение.
	m.route(&tg.MessageService{ID: 3, PeerID: &tg.PeerChannel{ChannelID: 100}})

	assertNoEvent(t, m)
}

func TestRouteDeliversTextWithoutKindFilter(t *testing.T) {
	t.Parallel()

	m := testMonitor(Options{})
	m.Subscribe(pipeline.Pair{
		Source:  channelRef(100, "source"),
		Targets: []resolver.ChannelRef{channelRef(200, "alpha")},
	})

	// Чисто текстовое сообщение: без media_types пара пропускает и его.
	m.route(&tg.Message{
		ID:      8,
		PeerID:  &tg.PeerChannel{ChannelID: 100},
		Message: "plain text",
	})

	ev := waitEvent(t, m)
	if ids := ev.group.IDs(); len(ids) != 1 || ids[0] != 8 {
		t.Fatalf("group ids = %v, want [8]", ids)
	}
	if ev.group.Caption != "plain text" {
		t.Fatalf("group caption = %q, want %q", ev.group.Caption, "plain text")
	}
}

func TestRouteAppliesKindFilter(t *testing.T) {
	t.Parallel()

	m := testMonitor(Options{})
	m.Subscribe(pipeline.Pair{
		Source:  channelRef(100, "source"),
		Targets: []resolver.ChannelRef{channelRef(200, "alpha")},
		Kinds:   map[media.Kind]struct{}{media.KindVideo: {}},
	})

	m.route(photoMessage(1, 100))
	assertNoEvent(t, m)
}

func TestRunRejectsPastDeadline(t *testing.T) {
	t.Parallel()

	m := testMonitor(Options{Deadline: time.Now().Add(-time.Hour)})
	m.Subscribe(pipeline.Pair{
		Source:  channelRef(100, "source"),
		Targets: []resolver.ChannelRef{channelRef(200, "alpha")},
	})

	err := m.Run(context.Background(), task.New("t1", "monitor", nil))
	if err == nil || !strings.Contains(err.Error(), "in the past") {
		t.Fatalf("Run() = %v, want past-deadline error", err)
	}
}

func TestRunRequiresSubscriptions(t *testing.T) {
	t.Parallel()

	m := testMonitor(Options{})
	if err := m.Run(context.Background(), task.New("t1", "monitor", nil)); err == nil {
		t.Fatal("Run() = nil without subscriptions")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	m := testMonitor(Options{})
	m.Subscribe(pipeline.Pair{
		Source:  channelRef(100, "source"),
		Targets: []resolver.ChannelRef{channelRef(200, "alpha")},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, task.New("t1", "monitor", nil))
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run() = nil, want context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}
