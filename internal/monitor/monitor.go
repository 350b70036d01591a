// Package monitor — пересылка в реальном времени. Подписки на новые
// сообщения источников маршрутизируются по маркированному id канала,
// альбомы собираются дебаунс-коллектором и доставляются той же
// машинерией, что и историческая пересылка: нативный форвард, пока
// источник позволяет, иначе скачивание-перезаливка.
//
// Идентичность подписки — источник плюс отсортированный набор целей:
// повторная регистрация той же связки — no-op. Остановка дожимает уже
// собранные альбомы и печатает итоговую статистику.
package monitor

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/collector"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/pipeline"
	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/task"
	"telegram-forwarder/internal/timeutil"
)

const (
	// defaultWindow — окно сборки альбома: members одного альбома приходят
	// отдельными событиями в течение долей секунды.
	defaultWindow = time.Second
	// eventBuffer — запас канала между сборщиком и циклом доставки.
	eventBuffer = 16
	// drainTimeout — грейс на доставку альбомов, собранных к моменту
	// остановки. Отменённая задача обрывает их на первом чекпоинте.
	drainTimeout = 30 * time.Second
)

// Options — настройки монитора.
type Options struct {
	Runner *pipeline.Runner
	Window time.Duration // окно дебаунса альбомов; 0 — секунда
	Delay  time.Duration // пауза после каждой доставленной группы

	// Часовой бюджет: после BudgetLimit групп пауза BudgetPauseSec секунд.
	BudgetLimit    int
	BudgetPauseSec int

	// Deadline — момент автоостановки; нулевое значение — без срока.
	Deadline time.Time
}

// Monitor ведёт подписки реального времени и цикл доставки.
type Monitor struct {
	runner   *pipeline.Runner
	window   time.Duration
	delay    time.Duration
	budget   *pipeline.Budget
	deadline time.Time

	mu     sync.RWMutex
	keys   map[string]struct{}
	routes map[int64][]*subscription

	events    chan event
	done      chan struct{} // закрыт при выходе цикла доставки
	closeDone sync.Once

	// Счётчики трогает только горутина цикла доставки.
	delivered int
	dropped   int
}

// subscription — одна зарегистрированная пара со своим сборщиком альбомов.
type subscription struct {
	pair   pipeline.Pair
	sess   *pipeline.Session
	albums *collector.Albums
	kinds  map[media.Kind]struct{}
}

// event — собранная группа, ожидающая доставки.
type event struct {
	sub   *subscription
	group collector.Group
}

// New собирает монитор. Подписки добавляются через Subscribe до запуска Run.
func New(opts Options) *Monitor {
	window := opts.Window
	if window <= 0 {
		window = defaultWindow
	}
	return &Monitor{
		runner:   opts.Runner,
		window:   window,
		delay:    opts.Delay,
		budget:   pipeline.NewBudget(opts.BudgetLimit, opts.BudgetPauseSec),
		deadline: opts.Deadline,
		keys:     make(map[string]struct{}),
		routes:   make(map[int64][]*subscription),
		events:   make(chan event, eventBuffer),
		done:     make(chan struct{}),
	}
}

// Subscribe регистрирует пару. Возвращает false, если идентичная подписка
// уже есть: источник и набор целей совпадают.
func (m *Monitor) Subscribe(pair pipeline.Pair) bool {
	key := subscriptionKey(pair)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.keys[key]; exists {
		logger.Warnf("Monitor: %q with the same targets is already monitored", pair.Source.Title)
		return false
	}

	sub := &subscription{
		pair:  pair,
		sess:  m.runner.NewSession(pair),
		kinds: pair.Kinds,
	}
	sub.albums = collector.NewAlbums(m.window, func(albumID int64, msgs []*tg.Message) {
		m.emit(sub, albumID, msgs)
	})

	m.keys[key] = struct{}{}
	marked := pair.Source.MarkedID()
	m.routes[marked] = append(m.routes[marked], sub)
	logger.Infof("Monitor: watching %q -> %d target(s)", pair.Source.Title, len(pair.Targets))
	return true
}

// Subscriptions возвращает число активных подписок.
func (m *Monitor) Subscriptions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// OnNewChannelMessage — обработчик новых сообщений каналов и супергрупп
// для tg.UpdateDispatcher.
func (m *Monitor) OnNewChannelMessage(_ context.Context, _ tg.Entities, u *tg.UpdateNewChannelMessage) error {
	m.route(u.Message)
	return nil
}

// OnNewMessage — обработчик новых сообщений личных чатов и обычных групп.
func (m *Monitor) OnNewMessage(_ context.Context, _ tg.Entities, u *tg.UpdateNewMessage) error {
	m.route(u.Message)
	return nil
}

// route раздаёт сообщение подпискам его источника. Исходящие и служебные
// сообщения отбрасываются; фильтр видов медиа применяется до сборщика,
// чтобы буферы альбомов не держали лишнего.
func (m *Monitor) route(msgClass tg.MessageClass) {
	msg, ok := msgClass.(*tg.Message)
	if !ok || msg.Out {
		return
	}
	marked := resolver.MarkedFromPeer(msg.PeerID)

	m.mu.RLock()
	subs := m.routes[marked]
	m.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	logger.Debugf("Monitor: message %d from %d", msg.ID, marked)
	for _, sub := range subs {
		if !collector.KindAllowed(msg, sub.kinds) {
			continue
		}
		sub.albums.Add(msg)
	}
}

// emit передаёт собранную группу циклу доставки. После остановки цикла
// группы отбрасываются, чтобы не блокировать таймеры сборщика.
func (m *Monitor) emit(sub *subscription, albumID int64, msgs []*tg.Message) {
	group := collector.BuildGroup(sub.pair.Source, albumID, msgs)
	ev := event{sub: sub, group: group}
	// Сначала неблокирующая отправка: при остановке select с закрытым done
	// мог бы отбросить группу, для которой ещё есть место в буфере.
	select {
	case m.events <- ev:
		return
	default:
	}
	select {
	case m.events <- ev:
	case <-m.done:
		logger.Warnf("Monitor: group %d arrived after stop, dropped", groupLabel(group))
	}
}

// Run ведёт цикл доставки до отмены контекста или настроенного срока.
// Срок в прошлом отклоняется сразу. Перед выходом дожимаются собранные
// альбомы и печатается итоговая статистика.
func (m *Monitor) Run(ctx context.Context, t *task.Task) error {
	if m.Subscriptions() == 0 {
		return errors.New("monitor has no subscriptions")
	}

	deadlineStop := false
	if !m.deadline.IsZero() {
		if !m.deadline.After(time.Now()) {
			return errors.Errorf("monitor deadline %s is in the past", m.deadline.Format("2006-01-02 15:04"))
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, m.deadline)
		defer cancel()
		logger.Infof("Monitor: will stop at %s", m.deadline.Format("2006-01-02 15:04"))
		deadlineStop = true
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case <-t.CancelToken().Done():
			runErr = context.Canceled
			break loop
		case ev := <-m.events:
			m.deliver(ctx, t, ev)
		}
	}

	m.shutdown(t)

	if deadlineStop && errors.Is(runErr, context.DeadlineExceeded) {
		logger.Infof("Monitor: configured duration reached")
		return nil
	}
	return runErr
}

// deliver доставляет одну группу и применяет пейсинг. Сбой доставки
// не останавливает монитор: группа будет добрана историческим прогоном.
func (m *Monitor) deliver(ctx context.Context, t *task.Task, ev event) {
	if err := ev.sub.sess.Deliver(ctx, t, ev.group); err != nil {
		m.dropped++
		logger.Warnf("Monitor: group %d from %q not delivered: %v", groupLabel(ev.group), ev.sub.pair.Source.Title, err)
		return
	}
	m.delivered++
	t.Advance(1)

	if err := m.budget.Spent(ctx); err != nil {
		return
	}
	if m.delay > 0 {
		_ = timeutil.Sleep(ctx, m.delay)
	}
}

// shutdown останавливает сборщики, дожимает уже собранные альбомы под
// грейс-таймаутом и печатает итог.
func (m *Monitor) shutdown(t *task.Task) {
	m.closeDone.Do(func() { close(m.done) })

	m.mu.RLock()
	var subs []*subscription
	for _, list := range m.routes {
		subs = append(subs, list...)
	}
	m.mu.RUnlock()
	for _, sub := range subs {
		sub.albums.Stop()
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-m.events:
			m.deliver(graceCtx, t, ev)
		default:
			logger.Infof("Monitor: stopped, delivered %d group(s), dropped %d", m.delivered, m.dropped)
			return
		}
	}
}

// subscriptionKey — идентичность подписки: источник и отсортированные цели.
func subscriptionKey(pair pipeline.Pair) string {
	ids := make([]string, 0, len(pair.Targets))
	for _, target := range pair.Targets {
		ids = append(ids, strconv.FormatInt(target.MarkedID(), 10))
	}
	sort.Strings(ids)
	return strconv.FormatInt(pair.Source.MarkedID(), 10) + "->" + strings.Join(ids, ",")
}

// groupLabel — идентификатор группы для логов.
func groupLabel(group collector.Group) int64 {
	if group.AlbumID != 0 {
		return group.AlbumID
	}
	if ids := group.IDs(); len(ids) > 0 {
		return int64(ids[0])
	}
	return 0
}
