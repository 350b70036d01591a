// Package storage — утилиты безопасной работы с локальным диском.
// Здесь живут:
//   - EnsureDir / EnsureDirExists — гарантируют каталог для целевого пути;
//   - AtomicWriteFile — атомарная запись без частично записанных файлов;
//   - DirSize — суммарный размер каталога для проверки квоты загрузок;
//   - RemoveDirIfSafe — удаление временного каталога группы с защитой корней.
//
// Атомарная запись используется для файлов истории и MTProto-сессии: при сбое
// на диске остаётся либо старая, либо полностью новая версия файла.
package storage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
)

// defaultFilePerm — права итогового файла при атомарной записи (только владелец).
const defaultFilePerm = 0600

// EnsureDir гарантирует наличие каталога для указанного файла.
// Для путей без каталога ("." или пустая строка) ничего не делает.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// EnsureDirExists создаёт сам каталог path (вместе с родителями).
// В отличие от EnsureDir, аргумент — путь каталога, а не файла в нём.
func EnsureDirExists(path string) error {
	clean := filepath.Clean(path)
	if clean == "" || clean == "." {
		return nil
	}
	if err := os.MkdirAll(clean, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", clean, err)
	}
	return nil
}

// AtomicWriteFile атомарно записывает data в path.
//
// Алгоритм: temp в том же каталоге → write → fsync(temp) → chmod → close →
// rename → fsync(dir). os.Rename атомарен только в пределах одного тома,
// поэтому temp создаётся рядом с целевым файлом. fsync каталога выполняется
// best-effort: часть ОС/ФС его игнорирует.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// Журналируем запись имени файла в каталоге; ошибки не фатальны.
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}
	return nil
}

// DirSize возвращает суммарный размер всех обычных файлов под root в байтах.
// Недоступные элементы пропускаются: квота не должна падать из-за гонок
// с удалением временных файлов. Отсутствующий каталог считается пустым.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("walk %s: %w", root, err)
	}
	return total, nil
}

// protectedRootNames — имена каталогов, которые RemoveDirIfSafe никогда не удаляет,
// даже если они опустели: это постоянные корни временных файлов движка.
var protectedRootNames = []string{"tmp", "monitor", "forward"}

// RemoveDirIfSafe удаляет каталог path вместе с содержимым, затем поднимается
// по родителям и убирает опустевшие каталоги. Останавливается на каталоге из
// protectedRootNames и на stopAt. Ошибки не возвращаются: очистка best-effort.
func RemoveDirIfSafe(path, stopAt string) {
	clean := filepath.Clean(path)
	if clean == "" || clean == "." || clean == string(filepath.Separator) {
		return
	}
	if slices.Contains(protectedRootNames, filepath.Base(clean)) {
		return
	}
	_ = os.RemoveAll(clean)

	stop := filepath.Clean(stopAt)
	for dir := filepath.Dir(clean); dir != "" && dir != "." && dir != stop; dir = filepath.Dir(dir) {
		if slices.Contains(protectedRootNames, filepath.Base(dir)) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
