// Пакет timeutil содержит служебные функции для работы со временем:
// разбор срока работы монитора, форматирование меток времени истории
// и сон с уважением к контексту.
package timeutil

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// deadlineParts — количество секций в формате срока YYYY-M-D-H.
const deadlineParts = 4

// ParseDeadline разбирает срок монитора в формате "YYYY-M-D-H"
// (например, "2026-8-24-15" — 24 августа 2026, 15:00 локального времени).
// Ведущие нули допустимы. Минуты и секунды всегда нулевые.
func ParseDeadline(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty deadline")
	}
	parts := strings.Split(v, "-")
	if len(parts) != deadlineParts {
		return time.Time{}, fmt.Errorf("invalid deadline %q: want YYYY-M-D-H", value)
	}
	nums := make([]int, deadlineParts)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid deadline %q: section %d is not a number", value, i+1)
		}
		nums[i] = n
	}
	year, month, day, hour := nums[0], nums[1], nums[2], nums[3]
	if year < 1970 || month < 1 || month > 12 || day < 1 || day > 31 || hour < 0 || hour > 23 {
		return time.Time{}, fmt.Errorf("invalid deadline %q: out of range", value)
	}
	t := time.Date(year, time.Month(month), day, hour, 0, 0, 0, time.Local)
	// time.Date нормализует переполнения (31 февраля и т.п.); такие значения отклоняем.
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("invalid deadline %q: no such date", value)
	}
	return t, nil
}

// FormatISO возвращает метку времени в формате ISO-8601 (UTC, секунды).
// Используется для поля updated_at файлов истории.
func FormatISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// NowISO возвращает текущий момент в формате FormatISO.
func NowISO() string {
	return FormatISO(time.Now())
}

// Sleep спит d или меньше, если контекст отменили раньше.
// Неположительная длительность возвращается сразу.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
