package task

import (
	"fmt"
	"sync"
	"time"

	"telegram-forwarder/internal/logger"
)

// Registry отслеживает активные задачи процесса. Нужен двум потребителям:
// graceful shutdown отменяет всё разом, а репортеры получают стабильные
// идентификаторы вида "download-1".
type Registry struct {
	mu    sync.Mutex
	seq   int64
	tasks map[string]*Task
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// NewTask создаёт задачу с автоидентификатором "kind-N" и регистрирует её.
func (r *Registry) NewTask(kind string, rep Reporter) *Task {
	r.mu.Lock()
	r.seq++
	id := fmt.Sprintf("%s-%d", kind, r.seq)
	t := New(id, kind, rep)
	r.tasks[id] = t
	r.mu.Unlock()
	return t
}

// Get возвращает задачу по идентификатору.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Remove убирает задачу из реестра (обычно после входа в терминальное состояние).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// Active возвращает задачи, ещё не дошедшие до терминального состояния.
func (r *Registry) Active() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if !t.Status().Terminal() {
			out = append(out, t)
		}
	}
	return out
}

// CancelAll отменяет все активные задачи. Вызывается при завершении процесса.
func (r *Registry) CancelAll() {
	for _, t := range r.Active() {
		t.Cancel()
	}
}

// LogReporter — репортер по умолчанию: пишет события жизненного цикла в общий лог.
// Прогресс уходит на уровень debug, чтобы не зашумлять обычный вывод на больших
// диапазонах сообщений.
type LogReporter struct{}

// StatusChanged логирует переход состояния; терминальные переходы — с длительностью.
func (LogReporter) StatusChanged(t *Task, from, to Status) {
	if to.Terminal() {
		logger.Infof("Task %s: %s -> %s (elapsed %s)", t.ID(), from, to, t.Elapsed().Round(time.Millisecond))
		return
	}
	logger.Infof("Task %s: %s -> %s", t.ID(), from, to)
}

// Progress логирует счётчики обработанных сообщений.
func (LogReporter) Progress(t *Task, processed, total int) {
	if total > 0 {
		logger.Debugf("Task %s: progress %d/%d", t.ID(), processed, total)
		return
	}
	logger.Debugf("Task %s: progress %d", t.ID(), processed)
}

// Failure логирует ошибку задачи или отдельного сообщения.
func (LogReporter) Failure(t *Task, err error) {
	logger.Errorf("Task %s: %v", t.ID(), err)
}
