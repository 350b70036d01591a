// Квота каталога загрузок. Проверяется перед началом задачи и после
// каждого скачанного файла; превышение останавливает задачу с понятным
// пользователю предупреждением. Квота никогда не удаляет файлы сама.
package pipeline

import (
	"github.com/go-faster/errors"

	"telegram-forwarder/internal/storage"
)

// ErrQuotaExceeded — каталог загрузок превысил настроенный лимит.
// Ошибки Check оборачивают его, сохраняя детали для пользователя.
var ErrQuotaExceeded = errors.New("download quota exceeded")

// Quota следит за суммарным размером каталога загрузок.
type Quota struct {
	root  string
	limit int64 // байты; 0 — квота выключена
}

// NewQuota создаёт квоту каталога root с лимитом limitMB мегабайт.
// enabled=false или нулевой лимит дают выключенную квоту.
func NewQuota(root string, enabled bool, limitMB int64) *Quota {
	if !enabled || limitMB <= 0 {
		return &Quota{}
	}
	return &Quota{root: root, limit: limitMB * 1024 * 1024}
}

// Enabled сообщает, действует ли квота.
func (q *Quota) Enabled() bool { return q.limit > 0 }

// Check сравнивает размер каталога с лимитом. Ошибка означает превышение;
// сбой обхода каталога квоту не срабатывает.
func (q *Quota) Check() error {
	if q.limit <= 0 {
		return nil
	}
	size, err := storage.DirSize(q.root)
	if err != nil {
		return nil
	}
	if size > q.limit {
		return errors.Wrapf(ErrQuotaExceeded,
			"download directory %s holds %d MB of the %d MB cap; free space or raise dir_size_limit",
			q.root, size/1024/1024, q.limit/1024/1024)
	}
	return nil
}
