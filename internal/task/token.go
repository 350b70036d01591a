package task

import (
	"context"
	"sync"
)

// CancelToken — однонаправленная защёлка отмены. После первого Cancel все
// последующие вызовы — no-op; канал Done закрывается ровно один раз.
// Токен раздают воркерам: селект на Done() — дешёвый способ кооперативно
// прерваться в любой точке цикла.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken создаёт невзведённый токен.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel взводит защёлку. Идемпотентен.
func (c *CancelToken) Cancel() {
	c.once.Do(func() { close(c.done) })
}

// Cancelled сообщает, была ли запрошена отмена.
func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done возвращает канал, закрываемый при отмене.
func (c *CancelToken) Done() <-chan struct{} {
	return c.done
}

// PauseToken — шлюз приостановки по образцу поколенческого канала ожидания:
// в рабочем состоянии шлюз-канал закрыт и WaitIfPaused пролетает мгновенно,
// Pause подменяет его свежим открытым каналом, Resume закрывает текущий.
// Каждый цикл пауза/возобновление создаёт новое «поколение» канала, поэтому
// опоздавшие горутины никогда не виснут на уже отработавшем шлюзе.
type PauseToken struct {
	mu     sync.Mutex
	paused bool
	gate   chan struct{}
}

// NewPauseToken создаёт токен в рабочем (незапаузенном) состоянии.
func NewPauseToken() *PauseToken {
	gate := make(chan struct{})
	close(gate)
	return &PauseToken{gate: gate}
}

// Pause переводит шлюз в закрытое состояние: WaitIfPaused начнёт блокировать.
// Повторный вызов на уже приостановленном токене — no-op.
func (p *PauseToken) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.gate = make(chan struct{})
}

// Resume открывает шлюз: все заблокированные WaitIfPaused просыпаются.
// Повторный вызов на работающем токене — no-op.
func (p *PauseToken) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.gate)
}

// Paused сообщает текущее состояние шлюза.
func (p *PauseToken) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// WaitIfPaused блокирует вызывающую горутину, пока токен приостановлен.
// Возвращает ошибку контекста, если ожидание прервано отменой.
func (p *PauseToken) WaitIfPaused(ctx context.Context) error {
	for {
		p.mu.Lock()
		gate := p.gate
		p.mu.Unlock()

		select {
		case <-gate:
			// Шлюз открыт. Перепроверяем состояние: между снапшотом и селектом
			// могла начаться новая пауза со свежим каналом.
			p.mu.Lock()
			paused := p.paused
			p.mu.Unlock()
			if !paused {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
