// Package shared — небольшие общие утилиты без внешних зависимостей.
// Обобщённые операции над слайсами и числовыми диапазонами: безопасные,
// без паник, с сохранением порядка.
package shared

import "math/rand/v2"

// Unique возвращает срез уникальных значений, сохраняя порядок первого появления.
// O(n) по времени и памяти. Используется для дедупликации целевых каналов пары.
func Unique[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Chunk режет слайс на куски не длиннее size, сохраняя порядок элементов.
// При size <= 0 возвращает один кусок с исходным слайсом. Пустой вход даёт nil.
// Куски ссылаются на память исходного слайса, копий не делается.
func Chunk[T any](in []T, size int) [][]T {
	if len(in) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{in}
	}
	out := make([][]T, 0, (len(in)+size-1)/size)
	for start := 0; start < len(in); start += size {
		end := start + size
		if end > len(in) {
			end = len(in)
		}
		out = append(out, in[start:end])
	}
	return out
}

// GetAt безопасно возвращает элемент слайса по индексу: нулевое значение и
// false при выходе за границы вместо паники.
func GetAt[T any](s []T, i int) (T, bool) {
	if i < 0 || i >= len(s) {
		var zero T
		return zero, false
	}
	return s[i], true
}

// Random возвращает псевдослучайное целое из [fromMin, toMax] включительно.
// При fromMin >= toMax возвращается fromMin. Криптостойкость не требуется.
func Random(fromMin, toMax int) int {
	if fromMin >= toMax {
		return fromMin
	}
	return rand.IntN(toMax-fromMin+1) + fromMin // #nosec G404
}
