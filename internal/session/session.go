// Package session — файловое хранилище MTProto-сессии.
// Запись атомарна: незавершённое сохранение не может испортить рабочую
// сессию. Успешная запись означает живое соединение (логин или
// реавторизация), поэтому после неё менеджер соединения переводится
// в online и разблокирует ожидателей WaitOnline.
package session

import (
	"context"
	"os"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"

	"telegram-forwarder/internal/connection"
	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/storage"
)

// FileStorage реализует tdsession.Storage поверх одного файла на диске.
// Потокобезопасен: Load/Store сериализованы мьютексом.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*FileStorage)(nil)

// LoadSession читает файл сессии. Отсутствие файла — штатный первый запуск.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет сессию и отмечает соединение живым.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return errors.Wrap(err, "write session")
	}

	logger.Debug("StoreSession: session persisted, marking connection online")
	connection.MarkConnected()
	return nil
}
