// Продюсер конвейера: превращает дескрипторы групп в готовые Work.
// Для каждой группы создаётся временный подкаталог, подпись прогоняется
// через текстовую политику, медиа скачиваются параллельно с ограничением
// одновременности. Put в очередь блокируется под обратным давлением —
// это и задаёт темп скачивания.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/go-faster/errors"

	"telegram-forwarder/internal/collector"
	"telegram-forwarder/internal/connection"
	"telegram-forwarder/internal/downloads"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/storage"
	"telegram-forwarder/internal/task"
	"telegram-forwarder/internal/textproc"
)

const (
	// defaultConcurrency — одновременные скачивания внутри одной группы.
	defaultConcurrency = 3
	// maxConcurrency — потолок параллелизма из конфигурации.
	maxConcurrency = 20
)

// Prep — стадия подготовки группы: текстовая политика и параллельное
// скачивание медиа во временный каталог. Общая для конвейера и для
// отката нативного форварда на перезаливку.
type Prep struct {
	worker  *downloads.Worker
	policy  textproc.Policy
	tmpRoot string
	conc    int
	quota   *Quota
}

// NewPrep собирает стадию подготовки. conc ограничивается диапазоном
// [1, 20]; quota может быть выключенной, но не nil.
func NewPrep(worker *downloads.Worker, policy textproc.Policy, tmpRoot string, conc int, quota *Quota) *Prep {
	if conc < 1 {
		conc = defaultConcurrency
	}
	if conc > maxConcurrency {
		conc = maxConcurrency
	}
	return &Prep{
		worker:  worker,
		policy:  policy,
		tmpRoot: tmpRoot,
		conc:    conc,
		quota:   quota,
	}
}

// Group скачивает одну группу во временный каталог. Возвращает keep=false
// для отфильтрованных групп и групп без полезной нагрузки. Сбой отдельного
// файла регистрируется в задаче, но группу не отменяет: она уходит
// неполной; группу целиком снимают только отмена и квота.
func (p *Prep) Group(ctx context.Context, t *task.Task, group collector.Group) (*Work, bool, error) {
	processed := textproc.Process(group.Caption, p.policy)
	if processed.Filtered {
		logger.Debugf("Pipeline: group %d filtered by keywords", groupTag(group))
		return nil, false, nil
	}

	dir := filepath.Join(p.tmpRoot, groupDirName(group))
	if err := storage.EnsureDirExists(dir); err != nil {
		return nil, false, err
	}

	files, err := p.downloadAll(ctx, t, group, dir)
	if err != nil {
		storage.RemoveDirIfSafe(dir, p.tmpRoot)
		return nil, false, err
	}
	if len(files) == 0 && processed.Caption == "" {
		storage.RemoveDirIfSafe(dir, p.tmpRoot)
		return nil, false, nil
	}

	return &Work{
		Group:   group,
		Caption: processed.Caption,
		Files:   files,
		TempDir: dir,
	}, true, nil
}

// downloadAll параллельно скачивает медиа всех участников группы.
// Результат упорядочен по id сообщений; сообщения без медиа пропускаются.
func (p *Prep) downloadAll(ctx context.Context, t *task.Task, group collector.Group, dir string) ([]*downloads.File, error) {
	var (
		mu      sync.Mutex
		files   []*downloads.File
		stopErr error // квота или отмена; сбои отдельных файлов сюда не попадают
	)
	sem := make(chan struct{}, p.conc)
	var wg sync.WaitGroup
	for _, msg := range group.Messages {
		wg.Go(func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			stopped := stopErr != nil
			mu.Unlock()
			if stopped || ctx.Err() != nil {
				return
			}

			f, err := p.worker.Download(ctx, msg, dir)
			if err != nil {
				t.ReportError(errors.Wrapf(err, "download message %d", msg.ID))
				return
			}
			if f == nil {
				return
			}

			mu.Lock()
			files = append(files, f)
			mu.Unlock()

			// Проверка квоты обходит каталог загрузок; держать мьютекс
			// во время обхода значило бы выстроить параллельные
			// скачивания в очередь за прогулкой по файловой системе.
			if qErr := p.quota.Check(); qErr != nil {
				mu.Lock()
				if stopErr == nil {
					stopErr = qErr
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if stopErr != nil {
		return nil, stopErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].MessageID < files[j].MessageID })
	return files, nil
}

// Producer гонит дескрипторы групп через подготовку в очередь.
type Producer struct {
	source *collector.Source
	prep   *Prep
	queue  *Queue
}

// NewProducer собирает продюсера поверх стадии подготовки.
func NewProducer(source *collector.Source, prep *Prep, queue *Queue) *Producer {
	return &Producer{source: source, prep: prep, queue: queue}
}

// Run прогоняет дескрипторы групп через подготовку и очередь. Ошибки
// подготовки отдельной группы регистрируются в задаче и не останавливают
// остальные; отмена и превышение квоты останавливают весь прогон.
func (p *Producer) Run(ctx context.Context, t *task.Task, groups []collector.GroupID) error {
	if err := p.prep.quota.Check(); err != nil {
		return err
	}

	for _, gid := range groups {
		if err := checkpoint(ctx, t); err != nil {
			return err
		}
		// Реконнект ставит подготовку на паузу, а не в серию сбоев.
		connection.WaitOnline(ctx)

		group, err := p.source.FetchGroup(ctx, gid)
		if err != nil {
			t.ReportError(errors.Wrapf(err, "fetch group %d", gid.First()))
			t.Advance(1)
			continue
		}

		w, keep, err := p.prep.Group(ctx, t, group)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrQuotaExceeded) {
				return err
			}
			t.ReportError(err)
			t.Advance(1)
			continue
		}
		if !keep {
			t.Advance(1)
			continue
		}

		if err := p.queue.Put(ctx, w); err != nil {
			storage.RemoveDirIfSafe(w.TempDir, p.prep.tmpRoot)
			return err
		}
	}
	return nil
}

// groupDirName кодирует идентификатор группы в безопасное имя каталога.
func groupDirName(group collector.Group) string {
	if group.AlbumID != 0 {
		return fmt.Sprintf("album_%d", group.AlbumID)
	}
	return fmt.Sprintf("msg_%d", groupTag(group))
}

// groupTag — идентификатор группы для логов: id альбома или первого сообщения.
func groupTag(group collector.Group) int64 {
	if group.AlbumID != 0 {
		return group.AlbumID
	}
	if len(group.Messages) > 0 {
		return int64(group.Messages[0].ID)
	}
	return 0
}

// checkpoint — точка опроса между группами: контекст, отмена и пауза задачи.
func checkpoint(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.CancelToken().Cancelled() {
		return context.Canceled
	}
	return t.PauseToken().WaitIfPaused(ctx)
}
