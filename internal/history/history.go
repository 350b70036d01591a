// Package history — журналы «уже сделанного» для гарантии at-most-once.
// Три независимых JSON-файла: скачанные сообщения (по каналам), выгруженные
// локальные файлы (по целям) и пересланные тройки источник:сообщение:цель.
//
// Контракт открытия самовосстанавливающийся: отсутствующий или пустой файл —
// это штатное первое включение, повреждённый JSON — предупреждение в лог и
// сброс к пустому журналу с немедленной перезаписью на диске. Движок никогда
// не падает из-за битого журнала, худший исход — повторная обработка.
//
// Отметки пишутся насквозь: каждый Mark* атомарно сохраняет файл, потому что
// именно долговечность отметки и даёт at-most-once при рестартах. Запись
// делается только после успешного удалённого вызова, поэтому сбой в любом
// месте оставляет чётко определённое «ещё не доставлено».
package history

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-faster/errors"

	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/storage"
	"telegram-forwarder/internal/timeutil"
)

// loadState читает JSON-файл журнала в into. Возвращает reset=true, когда
// состояние нужно начать с чистого листа: файла нет, он пуст или повреждён.
// Ошибка возвращается только на реальных сбоях ввода-вывода.
func loadState(path string, into any) (reset bool, err error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- путь журнала задаёт конфигурация
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return true, nil
	case err != nil:
		return false, errors.Wrap(err, "read history file")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		logger.Warnf("History file %s is corrupted, starting from scratch: %v", path, err)
		return true, nil
	}
	return false, nil
}

// saveState атомарно сохраняет состояние журнала на диск.
func saveState(path string, state any) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal history state")
	}
	if err := storage.AtomicWriteFile(path, data); err != nil {
		return errors.Wrap(err, "write history file")
	}
	return nil
}

// ensureParentDir создаёт каталог журнала, если его ещё нет.
func ensureParentDir(path string) error {
	return storage.EnsureDir(filepath.Dir(path))
}

// ---------------------------------------------------------------------------
// Журнал скачиваний: канал → скачанные сообщения с метками времени.
// ---------------------------------------------------------------------------

// downloadState — дисковое представление журнала скачиваний: идентификатор
// сообщения → ISO-8601 момент скачивания.
type downloadState struct {
	UpdatedAt string                       `json:"updated_at"`
	Channels  map[string]map[string]string `json:"channels"`
}

// DownloadStore — журнал скачанных сообщений. Потокобезопасен.
type DownloadStore struct {
	mu        sync.Mutex
	path      string
	byChannel map[string]map[int]string // канал → (id сообщения → метка времени)
}

// NewDownloadStore открывает журнал скачиваний по указанному пути,
// восстанавливая файл при необходимости.
func NewDownloadStore(path string) (*DownloadStore, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	s := &DownloadStore{
		path:      path,
		byChannel: make(map[string]map[int]string),
	}

	var state downloadState
	reset, err := loadState(path, &state)
	if err != nil {
		return nil, err
	}
	if reset {
		// Перезаписываем файл валидным пустым состоянием, чтобы следующий
		// запуск не спотыкался о тот же мусор.
		return s, s.saveLocked()
	}

	for channel, ids := range state.Channels {
		set := make(map[int]string, len(ids))
		for rawID, at := range ids {
			id, convErr := strconv.Atoi(rawID)
			if convErr != nil || id <= 0 {
				continue
			}
			set[id] = at
		}
		if len(set) > 0 {
			s.byChannel[channel] = set
		}
	}
	return s, nil
}

// IsDownloaded сообщает, скачивалось ли сообщение канала ранее.
func (s *DownloadStore) IsDownloaded(channel int64, msgID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byChannel[channelKey(channel)][msgID]
	return ok
}

// MarkDownloaded отмечает сообщение скачанным и сразу сохраняет журнал.
// Повторная отметка — no-op без записи на диск.
func (s *DownloadStore) MarkDownloaded(channel int64, msgID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := channelKey(channel)
	set, ok := s.byChannel[key]
	if !ok {
		set = make(map[int]string)
		s.byChannel[key] = set
	}
	if _, dup := set[msgID]; dup {
		return nil
	}
	set[msgID] = timeutil.NowISO()
	return s.saveLocked()
}

// DownloadedIDs возвращает копию множества скачанных сообщений канала.
// Продюсер конвейера один раз снимает снапшот и дальше фильтрует по нему.
func (s *DownloadStore) DownloadedIDs(channel int64) map[int]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.byChannel[channelKey(channel)]
	out := make(map[int]struct{}, len(src))
	for id := range src {
		out[id] = struct{}{}
	}
	return out
}

// saveLocked сериализует текущее состояние. Вызывается под мьютексом.
func (s *DownloadStore) saveLocked() error {
	state := downloadState{
		UpdatedAt: timeutil.NowISO(),
		Channels:  make(map[string]map[string]string, len(s.byChannel)),
	}
	for channel, set := range s.byChannel {
		ids := make(map[string]string, len(set))
		for id, at := range set {
			ids[strconv.Itoa(id)] = at
		}
		state.Channels[channel] = ids
	}
	return saveState(s.path, state)
}

// channelKey переводит числовой идентификатор канала в ключ JSON-объекта.
func channelKey(channel int64) string {
	return strconv.FormatInt(channel, 10)
}

// ---------------------------------------------------------------------------
// Журнал выгрузок: записи (путь файла, целевой канал) с размером и типом.
// ---------------------------------------------------------------------------

// UploadRecord — одна успешная выгрузка локального файла в целевой канал.
type UploadRecord struct {
	Path   string `json:"path"`
	Target int64  `json:"target"`
	Size   int64  `json:"size"`
	Kind   string `json:"kind"`
	At     string `json:"at"`
}

// uploadState — дисковое представление журнала выгрузок.
type uploadState struct {
	UpdatedAt string         `json:"updated_at"`
	Uploads   []UploadRecord `json:"uploads"`
}

// uploadKey — ключ уникальности записи: один файл в разные цели считается
// независимыми выгрузками.
type uploadKey struct {
	path   string
	target int64
}

// UploadStore — журнал выгруженных локальных файлов. Пути нормализуются до
// абсолютных, чтобы один и тот же файл не считался разными записями при
// запуске из разных рабочих каталогов.
type UploadStore struct {
	mu      sync.Mutex
	path    string
	records map[uploadKey]UploadRecord
}

// NewUploadStore открывает журнал выгрузок, восстанавливая файл при необходимости.
func NewUploadStore(path string) (*UploadStore, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	s := &UploadStore{
		path:    path,
		records: make(map[uploadKey]UploadRecord),
	}

	var state uploadState
	reset, err := loadState(path, &state)
	if err != nil {
		return nil, err
	}
	if reset {
		return s, s.saveLocked()
	}

	for _, rec := range state.Uploads {
		norm, err := NormalizePath(rec.Path)
		if err != nil {
			continue
		}
		rec.Path = norm
		s.records[uploadKey{path: norm, target: rec.Target}] = rec
	}
	return s, nil
}

// NormalizePath приводит путь файла к канонической форме ключа журнала:
// абсолютный путь с прямыми слэшами. filepath.Abs уже выполняет Clean,
// поэтому точечные сегменты схлопываются, а ToSlash делает ключ одинаковым
// на разных платформах.
func NormalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrap(err, "normalize path")
	}
	return filepath.ToSlash(abs), nil
}

// IsUploaded сообщает, выгружался ли файл в данный целевой канал ранее.
func (s *UploadStore) IsUploaded(path string, target int64) bool {
	norm, err := NormalizePath(path)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[uploadKey{path: norm, target: target}]
	return ok
}

// MarkUploaded отмечает файл выгруженным в целевой канал и сразу сохраняет
// журнал. Повторная отметка той же пары (путь, цель) — no-op.
func (s *UploadStore) MarkUploaded(path string, target int64, size int64, kind string) error {
	norm, err := NormalizePath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := uploadKey{path: norm, target: target}
	if _, dup := s.records[key]; dup {
		return nil
	}
	s.records[key] = UploadRecord{
		Path:   norm,
		Target: target,
		Size:   size,
		Kind:   kind,
		At:     timeutil.NowISO(),
	}
	return s.saveLocked()
}

// saveLocked сериализует текущее состояние. Вызывается под мьютексом.
func (s *UploadStore) saveLocked() error {
	state := uploadState{
		UpdatedAt: timeutil.NowISO(),
		Uploads:   make([]UploadRecord, 0, len(s.records)),
	}
	for _, rec := range s.records {
		state.Uploads = append(state.Uploads, rec)
	}
	sort.Slice(state.Uploads, func(i, j int) bool {
		if state.Uploads[i].Path != state.Uploads[j].Path {
			return state.Uploads[i].Path < state.Uploads[j].Path
		}
		return state.Uploads[i].Target < state.Uploads[j].Target
	})
	return saveState(s.path, state)
}

// ---------------------------------------------------------------------------
// Журнал пересылок: тройки "источник:сообщение:цель" с метками времени.
// ---------------------------------------------------------------------------

// forwardState — дисковое представление журнала пересылок: ключ-тройка →
// ISO-8601 момент доставки.
type forwardState struct {
	UpdatedAt string            `json:"updated_at"`
	Forwarded map[string]string `json:"forwarded"`
}

// ForwardStore — журнал пересланных сообщений. Ключ — тройка
// источник:сообщение:цель, поэтому одна и та же запись в разные целевые
// каналы учитывается независимо.
type ForwardStore struct {
	mu     sync.Mutex
	path   string
	triple map[string]string
}

// NewForwardStore открывает журнал пересылок, восстанавливая файл при необходимости.
func NewForwardStore(path string) (*ForwardStore, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	s := &ForwardStore{
		path:   path,
		triple: make(map[string]string),
	}

	var state forwardState
	reset, err := loadState(path, &state)
	if err != nil {
		return nil, err
	}
	if reset {
		return s, s.saveLocked()
	}

	for key, at := range state.Forwarded {
		if key = strings.TrimSpace(key); key != "" {
			s.triple[key] = at
		}
	}
	return s, nil
}

// TripleKey собирает ключ журнала пересылок.
func TripleKey(source int64, msgID int, target int64) string {
	return strconv.FormatInt(source, 10) + ":" + strconv.Itoa(msgID) + ":" + strconv.FormatInt(target, 10)
}

// IsForwarded сообщает, пересылалось ли сообщение источника в данную цель.
func (s *ForwardStore) IsForwarded(source int64, msgID int, target int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.triple[TripleKey(source, msgID, target)]
	return ok
}

// MarkForwarded отмечает одиночное сообщение пересланным.
func (s *ForwardStore) MarkForwarded(source int64, msgID int, target int64) error {
	return s.MarkManyForwarded(source, []int{msgID}, target)
}

// MarkManyForwarded отмечает пачку сообщений (альбом) одной записью на диск.
func (s *ForwardStore) MarkManyForwarded(source int64, msgIDs []int, target int64) error {
	if len(msgIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeutil.NowISO()
	changed := false
	for _, id := range msgIDs {
		key := TripleKey(source, id, target)
		if _, dup := s.triple[key]; dup {
			continue
		}
		s.triple[key] = now
		changed = true
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}

// saveLocked сериализует текущее состояние. Вызывается под мьютексом.
func (s *ForwardStore) saveLocked() error {
	state := forwardState{
		UpdatedAt: timeutil.NowISO(),
		Forwarded: make(map[string]string, len(s.triple)),
	}
	for key, at := range s.triple {
		state.Forwarded[key] = at
	}
	return saveState(s.path, state)
}
