// Консьюмер конвейера: забирает готовые Work из очереди и доставляет
// их по целям. Первая успешная прямая выгрузка даёт серверные id,
// остальные цели получают серверное копирование без повторной выгрузки
// байтов. Частичные сбои не трогают локальные файлы — группа останется
// на диске для повторного прогона.
package pipeline

import (
	"context"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-forwarder/internal/connection"
	"telegram-forwarder/internal/forwarder"
	"telegram-forwarder/internal/history"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/storage"
	"telegram-forwarder/internal/task"
	"telegram-forwarder/internal/tgutil"
	"telegram-forwarder/internal/timeutil"
	"telegram-forwarder/internal/uploads"
	"telegram-forwarder/internal/video"
)

const (
	// queuePollTimeout — шаг опроса очереди; позволяет замечать закрытие
	// очереди и отмену задачи, не вися на пустом канале.
	queuePollTimeout = time.Second
	// thumbConcurrency — одновременные генерации превью внутри группы.
	thumbConcurrency = 3
	// interTargetDelay — пауза между целями после успешного копирования.
	interTargetDelay = 500 * time.Millisecond
)

// DelivererOptions — зависимости стадии доставки.
type DelivererOptions struct {
	Forwarder *forwarder.Forwarder
	Sender    *uploads.Sender
	Store     *history.ForwardStore
	Resolver  *resolver.Resolver
	Prober    video.Prober // nil — метаданные видео не извлекаются
	TempRoot  string
	Targets   []resolver.ChannelRef
}

// Deliverer доставляет подготовленную группу всем целям пары.
type Deliverer struct {
	fwd     *forwarder.Forwarder
	sender  *uploads.Sender
	store   *history.ForwardStore
	res     *resolver.Resolver
	prober  video.Prober
	tmpRoot string
	targets []resolver.ChannelRef
}

// NewDeliverer собирает стадию доставки.
func NewDeliverer(opts DelivererOptions) *Deliverer {
	prober := opts.Prober
	if prober == nil {
		prober = video.Nop{}
	}
	return &Deliverer{
		fwd:     opts.Forwarder,
		sender:  opts.Sender,
		store:   opts.Store,
		res:     opts.Resolver,
		prober:  prober,
		tmpRoot: opts.TempRoot,
		targets: opts.Targets,
	}
}

// Deliver раздаёт одну группу по целям. Возвращает ошибку только при
// остановке задачи; сбои отдельных целей регистрируются и не прерывают
// остальные. Каталог группы удаляется лишь когда довольны все цели.
func (d *Deliverer) Deliver(ctx context.Context, t *task.Task, w *Work) error {
	source := w.Group.Source
	ids := w.Group.IDs()

	targets := d.unsatisfied(source.MarkedID(), ids)
	if len(targets) == 0 {
		logger.Debugf("Pipeline: group %d already delivered everywhere", groupTag(w.Group))
		storage.RemoveDirIfSafe(w.TempDir, d.tmpRoot)
		return nil
	}

	// Пробер с кешем живёт ровно столько, сколько доставка группы:
	// размеры и превью считаются один раз на файл, сколько бы целей ни было.
	cached := video.NewCached(d.prober)
	defer d.removeThumbnails(cached)

	items := d.buildItems(ctx, w, cached)
	if len(items) == 0 && w.Caption == "" {
		logger.Warnf("Pipeline: group %d has no deliverable payload, skipping", groupTag(w.Group))
		storage.RemoveDirIfSafe(w.TempDir, d.tmpRoot)
		return nil
	}

	var (
		firstTarget resolver.ChannelRef
		firstIDs    []int
		failures    int
	)
	for _, target := range targets {
		if err := checkpoint(ctx, t); err != nil {
			// Частичная доставка: история уже отражает доставленные цели,
			// каталог остаётся на диске для осмотра.
			return err
		}

		if len(firstIDs) > 0 && d.copyFromFirst(ctx, firstTarget, firstIDs, source, ids, target) {
			if err := timeutil.Sleep(ctx, interTargetDelay); err != nil {
				return err
			}
			continue
		}

		sent, err := d.sender.SendGroup(ctx, target, items, w.Caption)
		if err != nil {
			failures++
			t.ReportError(errors.Wrapf(err, "deliver group %d to %q", groupTag(w.Group), target.Title))
			continue
		}
		d.mark(source.MarkedID(), ids, target)
		if len(firstIDs) == 0 && len(sent.MessageIDs) > 0 {
			firstTarget, firstIDs = target, sent.MessageIDs
		}
	}

	if failures == 0 {
		storage.RemoveDirIfSafe(w.TempDir, d.tmpRoot)
	} else {
		logger.Warnf("Pipeline: group %d kept at %s after %d failed targets", groupTag(w.Group), w.TempDir, failures)
	}
	return nil
}

// direct выгружает подготовленную группу в одну конкретную цель.
// Использует нативный форвард при откате на перезаливку.
func (d *Deliverer) direct(ctx context.Context, w *Work, items []uploads.Item, target resolver.ChannelRef) error {
	if _, err := d.sender.SendGroup(ctx, target, items, w.Caption); err != nil {
		return err
	}
	d.mark(w.Group.Source.MarkedID(), w.Group.IDs(), target)
	return nil
}

// copyFromFirst пытается серверное копирование из первой доставленной цели.
// CHAT_FORWARDS_RESTRICTED понижает кешированную способность источника
// копии; любой сбой откатывает цель на прямую выгрузку.
func (d *Deliverer) copyFromFirst(ctx context.Context, from resolver.ChannelRef, fromIDs []int, source resolver.ChannelRef, sourceIDs []int, target resolver.ChannelRef) bool {
	if can, known := d.res.CanForward(from.MarkedID()); known && !can {
		return false
	}

	if _, err := d.fwd.Copy(ctx, from, fromIDs, target, false); err != nil {
		if tgutil.IsForwardsRestricted(err) {
			d.res.DowngradeForward(from.MarkedID())
			logger.Debugf("Pipeline: %q forbids copying, falling back to direct upload", from.Title)
		} else {
			logger.Warnf("Pipeline: copy to %q failed: %v, falling back to direct upload", target.Title, err)
		}
		return false
	}

	d.mark(source.MarkedID(), sourceIDs, target)
	return true
}

// unsatisfied отбирает цели, где хотя бы одно сообщение группы ещё не
// доставлено. Продюсер отсеивает полностью доставленные группы заранее,
// здесь добиваются частичные доставки прошлых запусков.
func (d *Deliverer) unsatisfied(source int64, ids []int) []resolver.ChannelRef {
	var out []resolver.ChannelRef
	for _, target := range d.targets {
		for _, id := range ids {
			if !d.store.IsForwarded(source, id, target.MarkedID()) {
				out = append(out, target)
				break
			}
		}
	}
	return out
}

// mark записывает доставку всех сообщений группы в историю.
func (d *Deliverer) mark(source int64, ids []int, target resolver.ChannelRef) {
	if err := d.store.MarkManyForwarded(source, ids, target.MarkedID()); err != nil {
		logger.Warnf("Pipeline: history write failed: %v", err)
	}
}

// buildItems превращает скачанные файлы в элементы отправки. Пустые и
// исчезнувшие файлы выбрасываются; у видео недостающие размеры,
// длительность и превью добираются пробером параллельно.
func (d *Deliverer) buildItems(ctx context.Context, w *Work, prober *video.Cached) []uploads.Item {
	items := make([]uploads.Item, 0, len(w.Files))
	for _, f := range w.Files {
		st, err := os.Stat(f.Path)
		if err != nil || st.Size() == 0 {
			logger.Warnf("Pipeline: dropping empty or missing file %s", f.Path)
			continue
		}
		item := uploads.Item{Path: f.Path, Kind: f.Kind}
		if f.Info != nil {
			item.MimeType = f.Info.MimeType
			item.Filename = f.Info.Filename
			item.Width = f.Info.Width
			item.Height = f.Info.Height
			item.Duration = f.Info.Duration
		}
		items = append(items, item)
	}

	sem := make(chan struct{}, thumbConcurrency)
	var wg sync.WaitGroup
	for i := range items {
		if items[i].Kind != media.KindVideo {
			continue
		}
		wg.Go(func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			probeVideo(ctx, &items[i], prober)
		})
	}
	wg.Wait()
	return items
}

// removeThumbnails удаляет превью, созданные пробером. Превью удаляются
// всегда, независимо от исхода доставки.
func (d *Deliverer) removeThumbnails(prober *video.Cached) {
	for _, path := range prober.Thumbnails() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Pipeline: failed to remove thumbnail %s: %v", path, err)
		}
	}
}

// probeVideo добирает метаданные одного видео. Любой отказ пробера
// не фатален: файл уйдёт без недостающих полей.
func probeVideo(ctx context.Context, item *uploads.Item, prober *video.Cached) {
	if item.Width == 0 || item.Height == 0 {
		if w, h, ok := prober.Dimensions(ctx, item.Path); ok {
			item.Width, item.Height = w, h
		}
	}
	if item.Duration == 0 {
		if d, ok := prober.Duration(ctx, item.Path); ok {
			item.Duration = int(math.Round(d))
		}
	}
	if thumb, ok := prober.Thumbnail(ctx, item.Path); ok {
		item.Thumb = thumb.Path
		if item.Width == 0 && thumb.Width > 0 {
			item.Width, item.Height = thumb.Width, thumb.Height
		}
		if item.Duration == 0 && thumb.Duration > 0 {
			item.Duration = int(math.Round(thumb.Duration))
		}
	}
}

// Consumer — цикл очереди поверх стадии доставки: пейсинг между группами
// и часовой бюджет пересылок.
type Consumer struct {
	queue  *Queue
	del    *Deliverer
	budget *Budget
	delay  time.Duration
}

// NewConsumer собирает консьюмера. budget может быть nil — тогда бюджет
// не применяется; delay 0 отключает паузу между группами.
func NewConsumer(queue *Queue, del *Deliverer, budget *Budget, delay time.Duration) *Consumer {
	if budget == nil {
		budget = NewBudget(0, 0)
	}
	return &Consumer{queue: queue, del: del, budget: budget, delay: delay}
}

// Run крутит цикл доставки до закрытия очереди. Get с коротким таймаутом
// даёт точки опроса отмены и паузы даже при пустой очереди.
func (c *Consumer) Run(ctx context.Context, t *task.Task) error {
	for {
		if err := checkpoint(ctx, t); err != nil {
			return err
		}

		w, ok, err := c.queue.Get(ctx, queuePollTimeout)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		if !ok {
			continue
		}
		connection.WaitOnline(ctx)

		if err := c.del.Deliver(ctx, t, w); err != nil {
			return err
		}
		t.Advance(1)

		if err := c.budget.Spent(ctx); err != nil {
			return err
		}
		if c.delay > 0 {
			if err := timeutil.Sleep(ctx, c.delay); err != nil {
				return err
			}
		}
	}
}
