// Ограниченная очередь групп между продюсером и консьюмером. Ёмкость даёт
// обратное давление: продюсер блокируется на Put, пока консьюмер не
// разгребёт хвост, что естественно ограничивает память и темп скачивания.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-forwarder/internal/collector"
	"telegram-forwarder/internal/downloads"
)

// DefaultQueueCapacity — ёмкость очереди по умолчанию.
const DefaultQueueCapacity = 4

// ErrQueueClosed возвращается из Get после закрытия и опустошения очереди.
var ErrQueueClosed = errors.New("queue is closed")

// Work — полностью скачанная группа, готовая к доставке.
type Work struct {
	Group   collector.Group
	Caption string // подпись после замен и фильтров; может быть пустой
	Files   []*downloads.File
	TempDir string
}

// Queue — ограниченная очередь между продюсером и консьюмером.
type Queue struct {
	ch        chan *Work
	closeOnce sync.Once
}

// NewQueue создаёт очередь ёмкостью capacity; неположительная ёмкость
// заменяется значением по умолчанию.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{ch: make(chan *Work, capacity)}
}

// Put кладёт группу в очередь, блокируясь при заполнении.
func (q *Queue) Put(ctx context.Context, w *Work) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- w:
		return nil
	}
}

// Get забирает группу из очереди, ожидая не дольше timeout.
// Возвращает (nil, false, nil) по таймауту — консьюмер использует его,
// чтобы регулярно проверять отмену. После закрытия и опустошения очереди
// возвращается ErrQueueClosed.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (*Work, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case w, ok := <-q.ch:
		if !ok {
			return nil, false, ErrQueueClosed
		}
		return w, true, nil
	case <-timer.C:
		return nil, false, nil
	}
}

// Close закрывает очередь со стороны продюсера. Уже лежащие группы
// консьюмер дочитает до ErrQueueClosed. Повторные вызовы безопасны.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Len возвращает текущее число групп в очереди.
func (q *Queue) Len() int {
	return len(q.ch)
}
