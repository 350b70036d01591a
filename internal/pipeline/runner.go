// Прогон пар пересылки. Для каждой пары собирается история источника,
// затем выбирается путь доставки: нативный форвард, пока источник не
// защищает контент, иначе конвейер скачивания-перезаливки с продюсером
// и консьюмером. Потеря способности форварда посреди прогона понижает
// кеш и переводит оставшиеся цели на перезаливку без остановки задачи.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/collector"
	"telegram-forwarder/internal/connection"
	"telegram-forwarder/internal/downloads"
	"telegram-forwarder/internal/forwarder"
	"telegram-forwarder/internal/history"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/storage"
	"telegram-forwarder/internal/task"
	"telegram-forwarder/internal/textproc"
	"telegram-forwarder/internal/tgutil"
	"telegram-forwarder/internal/throttle"
	"telegram-forwarder/internal/timeutil"
	"telegram-forwarder/internal/uploads"
	"telegram-forwarder/internal/video"
)

// Pair — одна разрешённая пара пересылки: источник, цели и правила.
type Pair struct {
	Source  resolver.ChannelRef
	Targets []resolver.ChannelRef
	Policy  textproc.Policy
	Kinds   map[media.Kind]struct{} // пустая карта — все виды
	StartID int                     // 0 — с начала истории
	EndID   int                     // 0 — до конца истории

	// FinalMessage — HTML-сообщение в цели после успешного прогона пары.
	FinalMessage string
}

// RunnerOptions — зависимости и настройки прогона пар.
type RunnerOptions struct {
	API       *tg.Client
	Throttler *throttle.Throttler
	Resolver  *resolver.Resolver
	Forwarder *forwarder.Forwarder
	Sender    *uploads.Sender
	Worker    *downloads.Worker
	Store     *history.ForwardStore
	Prober    video.Prober // nil — без извлечения метаданных видео

	TempRoot    string
	Concurrency int // скачивания внутри группы
	QueueSize   int // ёмкость очереди продюсер-консьюмер
	Quota       *Quota
	Delay       time.Duration // пауза между группами

	// Часовой бюджет: после BudgetLimit групп пауза BudgetPauseSec секунд.
	BudgetLimit    int
	BudgetPauseSec int
}

// Runner ведёт пары пересылки от истории до доставки.
type Runner struct {
	api    *tg.Client
	lim    *throttle.Throttler
	res    *resolver.Resolver
	fwd    *forwarder.Forwarder
	sender *uploads.Sender
	worker *downloads.Worker
	store  *history.ForwardStore
	prober video.Prober

	tmpRoot   string
	conc      int
	queueSize int
	quota     *Quota
	delay     time.Duration

	// budget общий на весь прогон: пауза наступает после N групп суммарно,
	// а не по каждой паре отдельно.
	budget *Budget
}

// NewRunner собирает раннер из зависимостей.
func NewRunner(opts RunnerOptions) *Runner {
	prober := opts.Prober
	if prober == nil {
		prober = video.Nop{}
	}
	quota := opts.Quota
	if quota == nil {
		quota = NewQuota("", false, 0)
	}
	return &Runner{
		api:       opts.API,
		lim:       opts.Throttler,
		res:       opts.Resolver,
		fwd:       opts.Forwarder,
		sender:    opts.Sender,
		worker:    opts.Worker,
		store:     opts.Store,
		prober:    prober,
		tmpRoot:   opts.TempRoot,
		conc:      opts.Concurrency,
		queueSize: opts.QueueSize,
		quota:     quota,
		delay:     opts.Delay,
		budget:    NewBudget(opts.BudgetLimit, opts.BudgetPauseSec),
	}
}

// RunPair прогоняет одну пару: собирает группы истории, доставляет их
// выбранным путём и шлёт финальное сообщение. Группы, уже доставленные
// во все цели, отсекаются ещё при обходе истории.
func (r *Runner) RunPair(ctx context.Context, t *task.Task, pair Pair) error {
	source := collector.NewSource(r.api, r.lim, pair.Source)
	groups, err := source.History(ctx, collector.HistoryOptions{
		StartID: pair.StartID,
		EndID:   pair.EndID,
		Kinds:   pair.Kinds,
		Skip:    r.skipDelivered(pair),
	})
	if err != nil {
		return errors.Wrapf(err, "collect history of %q", pair.Source.Title)
	}

	t.SetTotal(len(groups))
	if len(groups) == 0 {
		logger.Infof("Forward: %q has nothing new for %d target(s)", pair.Source.Title, len(pair.Targets))
		return nil
	}
	logger.Infof("Forward: %q -> %d target(s), %d group(s)", pair.Source.Title, len(pair.Targets), len(groups))

	if r.nativeEligible(pair) {
		err = r.runNative(ctx, t, source, pair, groups)
	} else {
		err = r.runPipeline(ctx, t, source, pair, groups)
	}
	if err != nil {
		return err
	}

	r.sendFinalMessage(ctx, pair)
	return nil
}

// skipDelivered — предикат обхода истории: группа пропускается, когда все
// её сообщения уже доставлены во все цели пары.
func (r *Runner) skipDelivered(pair Pair) func(msgIDs []int) bool {
	source := pair.Source.MarkedID()
	return func(msgIDs []int) bool {
		for _, target := range pair.Targets {
			for _, id := range msgIDs {
				if !r.store.IsForwarded(source, id, target.MarkedID()) {
					return false
				}
			}
		}
		return true
	}
}

// nativeEligible решает стартовый путь пары. Подстановки текста нельзя
// выполнить на сервере, такие пары сразу идут через перезаливку.
func (r *Runner) nativeEligible(pair Pair) bool {
	if len(pair.Policy.Rules) > 0 {
		return false
	}
	return r.sourceCanForward(pair.Source)
}

// sourceCanForward — текущая способность источника к нативному форварду:
// кеш резолвера главнее снимка в ChannelRef.
func (r *Runner) sourceCanForward(source resolver.ChannelRef) bool {
	if can, known := r.res.CanForward(source.MarkedID()); known {
		return can
	}
	return source.CanForward
}

// runPipeline гонит группы через продюсера и консьюмера. Продюсер по
// завершении закрывает очередь; ошибка любой стороны гасит вторую через
// отмену контекста.
func (r *Runner) runPipeline(ctx context.Context, t *task.Task, source *collector.Source, pair Pair, groups []collector.GroupID) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tmpDir := r.pairTmpDir(pair)
	queue := NewQueue(r.queueSize)
	prep := NewPrep(r.worker, pair.Policy, tmpDir, r.conc, r.quota)
	prod := NewProducer(source, prep, queue)
	del := NewDeliverer(DelivererOptions{
		Forwarder: r.fwd,
		Sender:    r.sender,
		Store:     r.store,
		Resolver:  r.res,
		Prober:    r.prober,
		TempRoot:  tmpDir,
		Targets:   pair.Targets,
	})
	cons := NewConsumer(queue, del, r.budget, r.delay)

	var prodErr, consErr error
	var wg sync.WaitGroup
	wg.Go(func() {
		defer queue.Close()
		if prodErr = prod.Run(ctx, t, groups); prodErr != nil {
			cancel()
		}
	})
	wg.Go(func() {
		if consErr = cons.Run(ctx, t); consErr != nil {
			cancel()
		}
	})
	wg.Wait()

	// Настоящая причина остановки ценнее каскадной отмены второй стороны.
	for _, err := range []error{prodErr, consErr} {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	if prodErr != nil {
		return prodErr
	}
	return consErr
}

// runNative последовательно форвардит группы. Цели, отказавшие из-за
// защищённого контента, получают ту же группу перезаливкой.
func (r *Runner) runNative(ctx context.Context, t *task.Task, source *collector.Source, pair Pair, groups []collector.GroupID) error {
	tmpDir := r.pairTmpDir(pair)
	prep := NewPrep(r.worker, pair.Policy, tmpDir, r.conc, r.quota)
	del := NewDeliverer(DelivererOptions{
		Forwarder: r.fwd,
		Sender:    r.sender,
		Store:     r.store,
		Resolver:  r.res,
		Prober:    r.prober,
		TempRoot:  tmpDir,
		Targets:   pair.Targets,
	})

	for _, gid := range groups {
		if err := checkpoint(ctx, t); err != nil {
			return err
		}
		connection.WaitOnline(ctx)

		group, err := source.FetchGroup(ctx, gid)
		if err != nil {
			t.ReportError(errors.Wrapf(err, "fetch group %d", gid.First()))
			t.Advance(1)
			continue
		}

		if err := r.forwardGroup(ctx, t, prep, del, pair, group); err != nil {
			return err
		}
		t.Advance(1)

		if err := r.budget.Spent(ctx); err != nil {
			return err
		}
		if r.delay > 0 {
			if err := timeutil.Sleep(ctx, r.delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// forwardGroup доставляет одну группу нативным путём с поцелевым откатом.
// Скачивание ленивое: байты нужны только целям, отказавшим форварду.
func (r *Runner) forwardGroup(ctx context.Context, t *task.Task, prep *Prep, del *Deliverer, pair Pair, group collector.Group) error {
	processed := textproc.Process(group.Caption, pair.Policy)
	if processed.Filtered {
		logger.Debugf("Forward: group %d filtered by keywords", groupTag(group))
		return nil
	}

	source := pair.Source
	ids := group.IDs()
	targets := del.unsatisfied(source.MarkedID(), ids)
	if len(targets) == 0 {
		return nil
	}

	var (
		w      *Work
		items  []uploads.Item
		cached *video.Cached
	)
	defer func() {
		if cached != nil {
			del.removeThumbnails(cached)
		}
	}()

	failures := 0
	for _, target := range targets {
		if err := checkpoint(ctx, t); err != nil {
			return err
		}

		if r.sourceCanForward(source) {
			err := r.forwardNative(ctx, pair, ids, target)
			if err == nil {
				del.mark(source.MarkedID(), ids, target)
				if err := timeutil.Sleep(ctx, interTargetDelay); err != nil {
					return err
				}
				continue
			}
			if !tgutil.IsForwardsRestricted(err) {
				failures++
				t.ReportError(errors.Wrapf(err, "forward group %d to %q", groupTag(group), target.Title))
				continue
			}
			r.res.DowngradeForward(source.MarkedID())
			logger.Infof("Forward: %q protects content, switching to download and re-upload", source.Title)
		}

		if w == nil {
			prepared, keep, err := prep.Group(ctx, t, group)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, ErrQuotaExceeded) {
					return err
				}
				t.ReportError(err)
				return nil
			}
			if !keep {
				return nil
			}
			w = prepared
			cached = video.NewCached(del.prober)
			items = del.buildItems(ctx, w, cached)
			if len(items) == 0 && w.Caption == "" {
				storage.RemoveDirIfSafe(w.TempDir, prep.tmpRoot)
				return nil
			}
		}

		if err := del.direct(ctx, w, items, target); err != nil {
			failures++
			t.ReportError(errors.Wrapf(err, "deliver group %d to %q", groupTag(group), target.Title))
		}
	}

	if w != nil {
		if failures == 0 {
			storage.RemoveDirIfSafe(w.TempDir, prep.tmpRoot)
		} else {
			logger.Warnf("Forward: group %d kept at %s after %d failed target(s)", groupTag(group), w.TempDir, failures)
		}
	}
	return nil
}

// forwardNative — один серверный перенос группы. Снятие подписи сервер
// умеет только у копии, поэтому RemoveCaption меняет примитив.
func (r *Runner) forwardNative(ctx context.Context, pair Pair, ids []int, target resolver.ChannelRef) error {
	if pair.Policy.RemoveCaption {
		_, err := r.fwd.Copy(ctx, pair.Source, ids, target, true)
		return err
	}
	_, err := r.fwd.Forward(ctx, pair.Source, ids, target)
	return err
}

// sendFinalMessage шлёт настроенное финальное сообщение каждой цели пары.
// Сбои не фатальны: прогон уже завершён.
func (r *Runner) sendFinalMessage(ctx context.Context, pair Pair) {
	if strings.TrimSpace(pair.FinalMessage) == "" {
		return
	}
	for _, target := range pair.Targets {
		if err := r.sender.SendHTML(ctx, target, pair.FinalMessage, false); err != nil {
			logger.Warnf("Forward: final message to %q failed: %v", target.Title, err)
		}
	}
}

// pairTmpDir — временный корень пары; маркированный id источника делает
// имена каталогов групп уникальными между парами.
func (r *Runner) pairTmpDir(pair Pair) string {
	return filepath.Join(r.tmpRoot, fmt.Sprintf("src_%d", pair.Source.MarkedID()))
}

// Session — машинерия доставки, закреплённая за парой для поштучной подачи
// групп. Монитор скармливает сюда альбомы по мере сборки; путь доставки
// (нативный форвард или перезаливка) выбирается для каждой группы заново.
type Session struct {
	r    *Runner
	pair Pair
	prep *Prep
	del  *Deliverer
}

// NewSession закрепляет машинерию доставки за парой.
func (r *Runner) NewSession(pair Pair) *Session {
	tmpDir := r.pairTmpDir(pair)
	return &Session{
		r:    r,
		pair: pair,
		prep: NewPrep(r.worker, pair.Policy, tmpDir, r.conc, r.quota),
		del: NewDeliverer(DelivererOptions{
			Forwarder: r.fwd,
			Sender:    r.sender,
			Store:     r.store,
			Resolver:  r.res,
			Prober:    r.prober,
			TempRoot:  tmpDir,
			Targets:   pair.Targets,
		}),
	}
}

// Deliver доставляет одну собранную группу всем целям пары.
func (s *Session) Deliver(ctx context.Context, t *task.Task, group collector.Group) error {
	return s.r.forwardGroup(ctx, t, s.prep, s.del, s.pair, group)
}

// Pair возвращает пару сессии.
func (s *Session) Pair() Pair { return s.pair }
