// Историческое скачивание: правила отбирают сообщения каналов, медиа
// складываются в постоянный каталог загрузок. Каждое успешно скачанное
// сообщение отмечается в истории ровно один раз, поэтому повторный запуск
// докачивает только новое. Квота каталога проверяется перед задачей и
// после каждого файла.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/collector"
	"telegram-forwarder/internal/connection"
	"telegram-forwarder/internal/downloads"
	"telegram-forwarder/internal/history"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/storage"
	"telegram-forwarder/internal/task"
	"telegram-forwarder/internal/textproc"
	"telegram-forwarder/internal/throttle"
)

// DownloadRule — одно правило скачивания: источники и границы отбора.
type DownloadRule struct {
	Sources  []resolver.ChannelRef
	StartID  int
	EndID    int
	Keywords []string
	Kinds    map[media.Kind]struct{} // пустая карта — все виды
}

// DownloaderOptions — зависимости и настройки исторического скачивания.
type DownloaderOptions struct {
	API       *tg.Client
	Throttler *throttle.Throttler
	Worker    *downloads.Worker
	Store     *history.DownloadStore

	Root        string // постоянный каталог загрузок
	Parallel    bool   // false — по одному файлу за раз
	Concurrency int    // одновременные скачивания при Parallel
	Quota       *Quota
}

// Downloader выполняет правила исторического скачивания.
type Downloader struct {
	api    *tg.Client
	lim    *throttle.Throttler
	worker *downloads.Worker
	store  *history.DownloadStore
	root   string
	conc   int
	quota  *Quota
}

// NewDownloader собирает скачиватель. Выключенный parallel_download
// принудительно сводит параллелизм к одному файлу.
func NewDownloader(opts DownloaderOptions) *Downloader {
	conc := opts.Concurrency
	if !opts.Parallel || conc < 1 {
		conc = 1
	}
	if conc > maxConcurrency {
		conc = maxConcurrency
	}
	quota := opts.Quota
	if quota == nil {
		quota = NewQuota("", false, 0)
	}
	return &Downloader{
		api:    opts.API,
		lim:    opts.Throttler,
		worker: opts.Worker,
		store:  opts.Store,
		root:   opts.Root,
		conc:   conc,
		quota:  quota,
	}
}

// downloadJob — разобранное правило для одного источника.
type downloadJob struct {
	source   *collector.Source
	ref      resolver.ChannelRef
	keywords []string
	groups   []collector.GroupID
}

// Run выполняет все правила в составе одной задачи. Недоступный источник
// пропускается с предупреждением; остальные продолжаются.
func (d *Downloader) Run(ctx context.Context, t *task.Task, rules []DownloadRule) error {
	if err := d.quota.Check(); err != nil {
		return err
	}

	var (
		jobs  []downloadJob
		total int
	)
	for _, rule := range rules {
		for _, ref := range rule.Sources {
			if err := checkpoint(ctx, t); err != nil {
				return err
			}
			src := collector.NewSource(d.api, d.lim, ref)
			groups, err := src.History(ctx, collector.HistoryOptions{
				StartID: rule.StartID,
				EndID:   rule.EndID,
				Kinds:   rule.Kinds,
				Skip:    d.skipDownloaded(ref),
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				t.ReportError(errors.Wrapf(err, "collect history of %q", ref.Title))
				continue
			}
			jobs = append(jobs, downloadJob{source: src, ref: ref, keywords: rule.Keywords, groups: groups})
			total += len(groups)
		}
	}

	t.SetTotal(total)
	if total == 0 {
		logger.Infof("Download: nothing new across %d source(s)", len(jobs))
		return nil
	}

	for _, jb := range jobs {
		logger.Infof("Download: %q, %d group(s) to fetch", jb.ref.Title, len(jb.groups))
		if err := d.runJob(ctx, t, jb); err != nil {
			return err
		}
	}
	return nil
}

// runJob скачивает группы одного источника.
func (d *Downloader) runJob(ctx context.Context, t *task.Task, jb downloadJob) error {
	dir := filepath.Join(d.root, channelDirName(jb.ref))
	if err := storage.EnsureDirExists(dir); err != nil {
		return err
	}

	for _, gid := range jb.groups {
		if err := checkpoint(ctx, t); err != nil {
			return err
		}
		connection.WaitOnline(ctx)

		group, err := jb.source.FetchGroup(ctx, gid)
		if err != nil {
			t.ReportError(errors.Wrapf(err, "fetch group %d", gid.First()))
			t.Advance(1)
			continue
		}
		if !textproc.MatchesKeywords(group.Caption, jb.keywords) {
			logger.Debugf("Download: group %d filtered by keywords", groupTag(group))
			t.Advance(1)
			continue
		}

		if err := d.downloadGroup(ctx, t, group, dir); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		t.Advance(1)
	}
	return nil
}

// downloadGroup скачивает участников одной группы параллельно. Сбой
// отдельного файла регистрируется и не трогает остальные; квота и отмена
// останавливают задачу. Сообщения без медиа отмечаются сразу, чтобы
// следующий запуск их не перечитывал.
func (d *Downloader) downloadGroup(ctx context.Context, t *task.Task, group collector.Group, dir string) error {
	marked := group.Source.MarkedID()

	var (
		mu      sync.Mutex
		stopErr error
	)
	sem := make(chan struct{}, d.conc)
	var wg sync.WaitGroup
	for _, msg := range group.Messages {
		if d.store.IsDownloaded(marked, msg.ID) {
			continue
		}
		wg.Go(func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			stopped := stopErr != nil
			mu.Unlock()
			if stopped || ctx.Err() != nil {
				return
			}

			f, err := d.worker.Download(ctx, msg, dir)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.ReportError(errors.Wrapf(err, "download message %d", msg.ID))
				return
			}
			if mErr := d.store.MarkDownloaded(marked, msg.ID); mErr != nil {
				logger.Warnf("Download: history write failed: %v", mErr)
			}
			if f == nil {
				return
			}
			if qErr := d.quota.Check(); qErr != nil && stopErr == nil {
				stopErr = qErr
			}
		})
	}
	wg.Wait()

	if stopErr != nil {
		return stopErr
	}
	return ctx.Err()
}

// skipDownloaded — предикат обхода истории: группа пропускается, когда
// все её сообщения уже скачаны.
func (d *Downloader) skipDownloaded(source resolver.ChannelRef) func(msgIDs []int) bool {
	marked := source.MarkedID()
	return func(msgIDs []int) bool {
		for _, id := range msgIDs {
			if !d.store.IsDownloaded(marked, id) {
				return false
			}
		}
		return true
	}
}

// channelDirName — имя подкаталога источника в каталоге загрузок:
// публичное имя, если есть, иначе маркированный id.
func channelDirName(ref resolver.ChannelRef) string {
	if ref.Username != "" {
		return downloads.SafeFilename(ref.Username)
	}
	return fmt.Sprintf("channel_%d", ref.MarkedID())
}
