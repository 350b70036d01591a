// Package task — жизненный цикл длительных операций движка: состояние,
// кооперативная отмена, пауза и отчёты о прогрессе.
//
// Машина состояний: pending → running, running ↔ paused, из активных состояний
// возможен переход в терминальные completed | failed | cancelled. Терминальные
// состояния поглощают: любые дальнейшие переходы игнорируются, поэтому воркер,
// добежавший после Cancel, не перепишет cancelled на failed.
//
// Токены отмены и паузы отделены от задачи, чтобы их можно было раздавать
// воркерам без доступа к самой задаче.
package task

import (
	"fmt"
	"sync"
	"time"
)

// Status — состояние задачи.
type Status int8

// Допустимые состояния задачи. Порядок важен для терминальной проверки.
const (
	StatusPending Status = iota
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String возвращает человекочитаемое имя состояния для логов.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal сообщает, является ли состояние конечным.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions описывает допустимые переходы машины состояний.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusFailed, StatusCancelled},
}

// canTransition проверяет допустимость перехода from → to.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reporter получает события жизненного цикла задачи. Движок не знает, куда
// уходят отчёты: в логи, в терминал или в тестовый буфер.
type Reporter interface {
	// StatusChanged вызывается после каждого успешного перехода состояния.
	StatusChanged(t *Task, from, to Status)
	// Progress вызывается при продвижении счётчика обработанных сообщений.
	Progress(t *Task, processed, total int)
	// Failure сообщает об ошибке: терминальной для задачи или локальной для
	// одного сообщения (задача при этом продолжает работу).
	Failure(t *Task, err error)
}

// Task — одна длительная операция (скачивание, выгрузка, пересылка, мониторинг).
// Все методы потокобезопасны.
type Task struct {
	id   string
	kind string

	cancel *CancelToken
	pause  *PauseToken

	mu        sync.Mutex
	status    Status
	err       error
	processed int
	total     int
	started   time.Time
	done      chan struct{} // закрывается при входе в терминальное состояние

	rep Reporter
}

// New создаёт задачу в состоянии pending. Репортер может быть nil — тогда
// события молча проглатываются.
func New(id, kind string, rep Reporter) *Task {
	return &Task{
		id:     id,
		kind:   kind,
		cancel: NewCancelToken(),
		pause:  NewPauseToken(),
		status: StatusPending,
		done:   make(chan struct{}),
		rep:    rep,
	}
}

// ID возвращает идентификатор задачи.
func (t *Task) ID() string { return t.id }

// Kind возвращает тип задачи (download, upload, forward, monitor).
func (t *Task) Kind() string { return t.kind }

// CancelToken возвращает токен отмены для раздачи воркерам.
func (t *Task) CancelToken() *CancelToken { return t.cancel }

// PauseToken возвращает токен паузы для раздачи воркерам.
func (t *Task) PauseToken() *PauseToken { return t.pause }

// Status возвращает текущее состояние.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err возвращает ошибку, с которой задача завершилась (для failed).
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done возвращает канал, закрываемый при входе задачи в терминальное состояние.
func (t *Task) Done() <-chan struct{} { return t.done }

// Elapsed возвращает время с момента запуска задачи; ноль до Start.
func (t *Task) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		return 0
	}
	return time.Since(t.started)
}

// Start переводит задачу pending → running и запоминает время старта.
func (t *Task) Start() bool {
	if !t.transition(StatusRunning) {
		return false
	}
	t.mu.Lock()
	t.started = time.Now()
	t.mu.Unlock()
	return true
}

// Pause переводит задачу в paused и закрывает шлюз токена паузы.
// Возврат false означает, что пауза из текущего состояния невозможна.
func (t *Task) Pause() bool {
	if !t.transition(StatusPaused) {
		return false
	}
	t.pause.Pause()
	return true
}

// Resume возобновляет приостановленную задачу.
func (t *Task) Resume() bool {
	if !t.transition(StatusRunning) {
		return false
	}
	t.pause.Resume()
	return true
}

// Complete завершает задачу успешно.
func (t *Task) Complete() bool {
	return t.transition(StatusCompleted)
}

// Fail завершает задачу с ошибкой. Если задача уже в терминальном состоянии
// (например, отменена), ошибка сообщается репортеру, но состояние не меняется.
func (t *Task) Fail(err error) bool {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	if t.rep != nil && err != nil {
		t.rep.Failure(t, err)
	}
	return t.transition(StatusFailed)
}

// Cancel взводит токен отмены и переводит задачу в cancelled.
// Идемпотентен: повторные вызовы безопасны и ничего не меняют.
func (t *Task) Cancel() {
	t.cancel.Cancel()
	// Возобновляем паузу, чтобы воркеры, висящие в WaitIfPaused, увидели отмену
	// и вышли, а не остались заблокированными навсегда.
	t.pause.Resume()
	t.transition(StatusCancelled)
}

// SetTotal задаёт общее число единиц работы для отчётов о прогрессе.
func (t *Task) SetTotal(total int) {
	t.mu.Lock()
	t.total = total
	processed := t.processed
	t.mu.Unlock()
	t.reportProgress(processed, total)
}

// Advance увеличивает счётчик обработанных единиц и сообщает прогресс.
func (t *Task) Advance(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	t.processed += n
	processed, total := t.processed, t.total
	t.mu.Unlock()
	t.reportProgress(processed, total)
}

// Progress возвращает текущие счётчики (обработано, всего).
func (t *Task) Progress() (processed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.processed, t.total
}

// ReportError сообщает о локальной ошибке без смены состояния задачи:
// одно сообщение не удалось, задача продолжается.
func (t *Task) ReportError(err error) {
	if t.rep != nil && err != nil {
		t.rep.Failure(t, err)
	}
}

// transition выполняет переход состояния, если он допустим машиной состояний.
// При входе в терминальное состояние закрывает done.
func (t *Task) transition(to Status) bool {
	t.mu.Lock()
	from := t.status
	if !canTransition(from, to) {
		t.mu.Unlock()
		return false
	}
	t.status = to
	if to.Terminal() {
		close(t.done)
	}
	t.mu.Unlock()

	if t.rep != nil {
		t.rep.StatusChanged(t, from, to)
	}
	return true
}

// reportProgress передаёт счётчики репортеру вне мьютекса задачи.
func (t *Task) reportProgress(processed, total int) {
	if t.rep != nil {
		t.rep.Progress(t, processed, total)
	}
}
