// Реал-тайм сборка альбомов. Участники одного альбома приходят отдельными
// апдейтами с общим grouped id, и заранее неизвестно, сколько их будет.
// Сборщик копит участников в буфере и по истечении окна с момента первого
// появления album id выпускает группу целиком. Опоздавшие участники уходят
// отдельной группой: альбом уже обработан, и повторная доставка исключена.

package collector

import (
	"sort"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/logger"
)

const (
	// processedHighWater — порог, после которого множество обработанных
	// альбомов прореживается.
	processedHighWater = 1000
	// processedKeep — сколько самых свежих записей переживает прореживание.
	processedKeep = 500
)

// EmitFunc получает собранную группу: albumID == 0 для одиночных сообщений.
// Вызывается вне внутренних блокировок сборщика.
type EmitFunc func(albumID int64, msgs []*tg.Message)

// pendingAlbum — буфер одного собираемого альбома.
type pendingAlbum struct {
	timer *time.Timer
	msgs  []*tg.Message
}

// Albums копит участников альбомов из живого потока апдейтов и выпускает
// каждый альбом ровно один раз. Структура потокобезопасна.
type Albums struct {
	window time.Duration
	emit   EmitFunc

	mu        sync.Mutex
	pending   map[int64]*pendingAlbum
	processed map[int64]uint64 // albumID -> порядковый номер обработки
	seq       uint64
	stopped   bool
}

// NewAlbums создаёт сборщик с заданным окном ожидания от первого участника
// альбома до выпуска группы.
func NewAlbums(window time.Duration, emit EmitFunc) *Albums {
	return &Albums{
		window:    window,
		emit:      emit,
		pending:   make(map[int64]*pendingAlbum),
		processed: make(map[int64]uint64),
	}
}

// Add принимает очередное сообщение живого потока. Одиночные сообщения
// выпускаются сразу, участники альбомов копятся до истечения окна.
// После Stop новые сообщения молча отбрасываются.
func (a *Albums) Add(msg *tg.Message) {
	if msg == nil {
		return
	}
	if msg.GroupedID == 0 {
		a.mu.Lock()
		stopped := a.stopped
		a.mu.Unlock()
		if !stopped {
			a.emit(0, []*tg.Message{msg})
		}
		return
	}

	groupID := msg.GroupedID

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	if _, done := a.processed[groupID]; done {
		// Альбом уже выпущен: опоздавший участник уходит отдельной группой,
		// чтобы не потеряться и не продублировать уже доставленное.
		a.mu.Unlock()
		logger.Debugf("Collector: late member %d of album %d, emitting separately", msg.ID, groupID)
		a.emit(groupID, []*tg.Message{msg})
		return
	}
	if entry, ok := a.pending[groupID]; ok {
		entry.msgs = append(entry.msgs, msg)
		a.mu.Unlock()
		return
	}
	// Первый участник: окно отсчитывается от него, последующие таймер
	// не перезапускают.
	entry := &pendingAlbum{msgs: []*tg.Message{msg}}
	entry.timer = time.AfterFunc(a.window, func() { a.flush(groupID) })
	a.pending[groupID] = entry
	a.mu.Unlock()
}

// flush выпускает альбом: извлекает буфер под локом, помечает альбом
// обработанным и вызывает emit уже вне критической секции.
func (a *Albums) flush(groupID int64) {
	a.mu.Lock()
	entry, ok := a.pending[groupID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.pending, groupID)
	a.markProcessedLocked(groupID)
	msgs := entry.msgs
	a.mu.Unlock()

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	a.emit(groupID, msgs)
}

// Stop дренирует сборщик: гасит таймеры и синхронно выпускает все
// накопленные альбомы. После возврата Add ничего не принимает.
func (a *Albums) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	ids := make([]int64, 0, len(a.pending))
	for id, entry := range a.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		ids = append(ids, id)
	}
	a.mu.Unlock()

	// Выпускаем накопленное уже после остановки таймеров: flush идемпотентен,
	// поэтому гонка с уже сработавшим таймером безопасна.
	for _, id := range ids {
		a.flush(id)
	}
}

// markProcessedLocked регистрирует выпущенный альбом и при переполнении
// множества оставляет только самые свежие записи. Вызывается под a.mu.
func (a *Albums) markProcessedLocked(groupID int64) {
	a.seq++
	a.processed[groupID] = a.seq
	if len(a.processed) <= processedHighWater {
		return
	}

	seqs := make([]uint64, 0, len(a.processed))
	for _, s := range a.processed {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	cutoff := seqs[processedKeep-1]
	for id, s := range a.processed {
		if s < cutoff {
			delete(a.processed, id)
		}
	}
}
