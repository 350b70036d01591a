// Package downloads — скачивание медиа из сообщений Telegram во временный
// каталог. Файл качается во временное имя и переименовывается только после
// успешного завершения, чтобы оборванная загрузка не сошла за готовую.
// Пустые файлы считаются браком: Telegram изредка отдаёт нулевой размер
// на битых file reference, такие файлы удаляются с ошибкой.
package downloads

import (
	"context"
	"crypto/md5" // #nosec G501 -- хэш укорачивает имена файлов, не криптография
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/media"
)

const (
	// partSize — максимальный размер части upload.getFile.
	partSize = 512 * 1024
	// maxFilenameLen — порог, после которого имя заменяется md5-хэшем.
	maxFilenameLen = 100
)

// forbiddenChars — символы, запрещённые в именах файлов хотя бы на одной
// из поддерживаемых платформ.
var forbiddenChars = `<>:"|?*\/`

// SafeFilename приводит имя файла к виду, пригодному для любой файловой
// системы: запрещённые символы заменяются подчёркиванием, а слишком длинные
// имена сворачиваются в md5-хэш с сохранением расширения.
func SafeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(forbiddenChars, r) {
			return '_'
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		cleaned = "file"
	}
	if len(cleaned) <= maxFilenameLen {
		return cleaned
	}

	ext := filepath.Ext(cleaned)
	if len(ext) > 10 {
		// Аномально длинное «расширение» — просто хвост имени, не сохраняем.
		ext = ""
	}
	sum := md5.Sum([]byte(cleaned)) // #nosec G401 -- детерминированное укорачивание имени
	return hex.EncodeToString(sum[:]) + ext
}

// File — результат скачивания одного медиафайла.
type File struct {
	Path      string
	Size      int64
	Kind      media.Kind
	MessageID int
	Info      *media.Info
}

// Worker качает медиа сообщений в заданный каталог. FloodWait на отдельных
// частях файла гасит клиентский middleware, поэтому здесь повторов нет.
type Worker struct {
	api *tg.Client
	dl  *downloader.Downloader
}

// NewWorker создаёт воркер скачивания поверх сырого API клиента.
func NewWorker(api *tg.Client) *Worker {
	return &Worker{
		api: api,
		dl:  downloader.NewDownloader().WithPartSize(partSize),
	}
}

// Download скачивает медиа одного сообщения в каталог dir.
// Возвращает (nil, nil) для сообщений без поддерживаемого медиа.
func (w *Worker) Download(ctx context.Context, msg *tg.Message, dir string) (*File, error) {
	info, ok := media.FromMessage(msg)
	if !ok {
		return nil, nil
	}
	loc := info.Location()
	if loc == nil {
		return nil, nil
	}

	// Префикс с id сообщения исключает коллизии имён внутри альбома.
	name := fmt.Sprintf("%d_%s", msg.ID, SafeFilename(info.Filename))
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	if _, err := w.dl.Download(w.api, loc).ToPath(ctx, tmp); err != nil {
		_ = os.Remove(tmp)
		return nil, errors.Wrapf(err, "download message %d", msg.ID)
	}

	st, err := os.Stat(tmp)
	if err != nil {
		return nil, errors.Wrap(err, "stat downloaded file")
	}
	if st.Size() == 0 {
		_ = os.Remove(tmp)
		return nil, errors.Errorf("message %d downloaded as zero-byte file", msg.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, errors.Wrap(err, "finalize downloaded file")
	}

	logger.Debugf("Downloads: message %d -> %s (%d bytes)", msg.ID, name, st.Size())
	return &File{
		Path:      path,
		Size:      st.Size(),
		Kind:      info.Kind,
		MessageID: msg.ID,
		Info:      info,
	}, nil
}
