// Локальный аплоад: отправка файлов каталога в целевые каналы по секции
// UPLOAD конфигурации. Файлы уходят по одному, каждый во все цели; журнал
// аплоадов страхует от повторной отправки той же пары (файл, цель).
package uploads

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"telegram-forwarder/internal/config"
	"telegram-forwarder/internal/history"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/task"
	"telegram-forwarder/internal/timeutil"
	"telegram-forwarder/internal/video"
)

// titleFileName — имя файла с подписью при включённом read_title_txt.
// Сам файл в целевые каналы не отправляется.
const titleFileName = "title.txt"

// Local выполняет аплоад каталога по конфигурации.
type Local struct {
	cfg     config.Upload
	sender  *Sender
	store   *history.UploadStore
	prober  *video.Cached
	targets []resolver.ChannelRef
}

// NewLocal собирает воркер локального аплоада. Цели уже разрешены
// вызывающей стороной; prober может оборачивать Nop.
func NewLocal(cfg config.Upload, sender *Sender, store *history.UploadStore, prober *video.Cached, targets []resolver.ChannelRef) *Local {
	return &Local{cfg: cfg, sender: sender, store: store, prober: prober, targets: targets}
}

// Run отправляет все файлы каталога во все целевые каналы. Прерывается на
// отмене задачи; пауза задачи приостанавливает между файлами. Возвращает
// ошибку только на фатальных сбоях, отдельные неудачные отправки
// регистрируются в задаче и не останавливают остальные.
func (l *Local) Run(ctx context.Context, t *task.Task) error {
	files, err := l.listFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Infof("Upload: no files in %s, nothing to do", l.cfg.Directory)
		return nil
	}
	if len(l.targets) == 0 {
		return errors.New("no upload targets configured")
	}

	t.SetTotal(len(files) * len(l.targets))
	logger.Infof("Upload: %d files from %s to %d targets", len(files), l.cfg.Directory, len(l.targets))

	defer l.cleanupThumbnails()

	delay := time.Duration(l.cfg.DelayBetweenUploads * float64(time.Second))
	sentAny := false
	for _, path := range files {
		if err := l.checkpoint(ctx, t); err != nil {
			return err
		}

		item, err := l.buildItem(ctx, path)
		if err != nil {
			t.ReportError(err)
			t.Advance(len(l.targets))
			continue
		}
		caption := l.captionFor(path)

		for _, target := range l.targets {
			if err := l.checkpoint(ctx, t); err != nil {
				return err
			}
			if l.store.IsUploaded(path, target.MarkedID()) {
				logger.Debugf("Upload: %s already delivered to %q, skipping", filepath.Base(path), target.Title)
				t.Advance(1)
				continue
			}

			if _, err := l.sender.SendGroup(ctx, target, []Item{item}, caption); err != nil {
				t.ReportError(errors.Wrapf(err, "upload %s", filepath.Base(path)))
				t.Advance(1)
				continue
			}
			sentAny = true
			if err := l.store.MarkUploaded(path, target.MarkedID(), fileSize(path), string(item.Kind)); err != nil {
				logger.Warnf("Upload: history write failed for %s: %v", filepath.Base(path), err)
			}
			t.Advance(1)

			if delay > 0 {
				if err := timeutil.Sleep(ctx, delay); err != nil {
					return err
				}
			}
		}
	}

	if sentAny {
		l.sendFinalMessage(ctx)
	}
	return nil
}

// checkpoint — точка опроса между файлами: отмена задачи, пауза, контекст.
func (l *Local) checkpoint(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.CancelToken().Cancelled() {
		return context.Canceled
	}
	return t.PauseToken().WaitIfPaused(ctx)
}

// listFiles возвращает отсортированный список обычных файлов каталога.
// Скрытые файлы и title.txt не отправляются.
func (l *Local) listFiles() ([]string, error) {
	entries, err := os.ReadDir(l.cfg.Directory)
	if err != nil {
		return nil, errors.Wrapf(err, "read upload directory %s", l.cfg.Directory)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.EqualFold(name, titleFileName) {
			continue
		}
		out = append(out, filepath.Join(l.cfg.Directory, name))
	}
	sort.Strings(out)
	return out, nil
}

// buildItem классифицирует файл и дополняет видео геометрией и превью.
func (l *Local) buildItem(ctx context.Context, path string) (Item, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Item{}, errors.Wrap(err, "stat upload file")
	}
	if st.Size() == 0 {
		return Item{}, errors.Errorf("file %s is empty", filepath.Base(path))
	}

	item := Item{
		Path: path,
		Kind: media.KindForPath(path),
	}
	if item.Kind != media.KindVideo {
		return item, nil
	}

	if w, h, ok := l.prober.Dimensions(ctx, path); ok {
		item.Width, item.Height = w, h
	}
	if d, ok := l.prober.Duration(ctx, path); ok {
		item.Duration = int(d)
	}
	if l.cfg.Options.AutoThumbnail {
		if thumb, ok := l.prober.Thumbnail(ctx, path); ok {
			item.Thumb = thumb.Path
		}
	}
	return item, nil
}

// captionFor строит подпись файла согласно опциям: имя папки, title.txt
// или шаблон с плейсхолдером {filename}.
func (l *Local) captionFor(path string) string {
	switch {
	case l.cfg.Options.UseFolderName:
		return filepath.Base(filepath.Dir(path))
	case l.cfg.Options.ReadTitleTxt:
		raw, err := os.ReadFile(filepath.Join(filepath.Dir(path), titleFileName)) // #nosec G304
		if err != nil {
			logger.Warnf("Upload: %s not readable, falling back to template: %v", titleFileName, err)
			return l.renderTemplate(path)
		}
		return strings.TrimSpace(string(raw))
	default:
		return l.renderTemplate(path)
	}
}

// renderTemplate подставляет имя файла без расширения в caption_template.
func (l *Local) renderTemplate(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(l.cfg.CaptionTemplate, "{filename}", stem)
}

// sendFinalMessage отправляет финальное HTML-сообщение во все цели,
// если оно включено и файл с текстом читается. Сбои не фатальны.
func (l *Local) sendFinalMessage(ctx context.Context) {
	if !l.cfg.Options.SendFinalMessage {
		return
	}
	raw, err := os.ReadFile(l.cfg.Options.FinalMessageHTMLFile) // #nosec G304
	if err != nil {
		logger.Warnf("Upload: final message file not readable: %v", err)
		return
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return
	}
	for _, target := range l.targets {
		if err := l.sender.SendHTML(ctx, target, text, l.cfg.Options.EnableWebPagePreview); err != nil {
			logger.Warnf("Upload: final message to %q failed: %v", target.Title, err)
		}
	}
}

// cleanupThumbnails удаляет сгенерированные превью после завершения.
func (l *Local) cleanupThumbnails() {
	for _, path := range l.prober.Thumbnails() {
		_ = os.Remove(path)
	}
}

func fileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
