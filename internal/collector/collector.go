// Package collector — сбор сообщений исходного канала в группы-единицы
// конвейера. Группа — это либо одиночное сообщение, либо целый альбом;
// альбом всегда собирается атомарно, даже если часть его участников выпала
// из запрошенного диапазона. Исторический сборщик листает историю канала,
// реальное время обслуживает отдельный отладчик альбомов (albums.go).
package collector

import (
	"context"
	"sort"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-forwarder/internal/logger"
	"telegram-forwarder/internal/media"
	"telegram-forwarder/internal/resolver"
	"telegram-forwarder/internal/throttle"
)

const (
	// historyPageSize — размер страницы при листании истории канала.
	historyPageSize = 100
	// albumRadius — радиус окна вокруг участника альбома: альбом не длиннее
	// десяти сообщений, окно ±9 гарантированно накрывает его целиком.
	albumRadius = 9
)

// GroupID — дескриптор группы от сборщика: продюсер конвейера получает
// идентификаторы и сам выкачивает полные сообщения.
type GroupID struct {
	AlbumID    int64 // 0 для одиночного сообщения
	MessageIDs []int // по возрастанию
}

// First возвращает наименьший id группы — ключ порядка доставки.
func (g GroupID) First() int {
	if len(g.MessageIDs) == 0 {
		return 0
	}
	return g.MessageIDs[0]
}

// Group — собранная группа с полными сообщениями и извлечённой подписью.
type Group struct {
	Source   resolver.ChannelRef
	AlbumID  int64
	Messages []*tg.Message // по возрастанию id
	Caption  string        // первая непустая подпись группы
}

// IDs возвращает идентификаторы сообщений группы по возрастанию.
func (g *Group) IDs() []int {
	ids := make([]int, 0, len(g.Messages))
	for _, m := range g.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

// BuildGroup собирает группу: сортирует сообщения по возрастанию id и
// извлекает первую непустую подпись. У альбомов подпись живёт только на
// одном из участников, поэтому её нужно снять до пересборки.
func BuildGroup(source resolver.ChannelRef, albumID int64, msgs []*tg.Message) Group {
	sorted := make([]*tg.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	caption := ""
	for _, m := range sorted {
		if m.Message != "" {
			caption = m.Message
			break
		}
	}
	return Group{Source: source, AlbumID: albumID, Messages: sorted, Caption: caption}
}

// HistoryOptions — параметры исторического сбора.
type HistoryOptions struct {
	StartID int                        // нижняя граница диапазона включительно; 0 — без нижней границы
	EndID   int                        // верхняя граница включительно; 0 — от самых свежих
	Limit   int                        // максимум групп; 0 — без ограничения
	Kinds   map[media.Kind]struct{}    // допустимые виды медиа; пустое множество — все
	Skip    func(msgIDs []int) bool    // true — группа уже доставлена всем целям
}

// Source — доступ к сообщениям одного исходного канала. Все RPC-вызовы
// идут через общий троттлер.
type Source struct {
	api *tg.Client
	lim *throttle.Throttler
	ref resolver.ChannelRef
}

// NewSource создаёт источник поверх разрешённого канала.
func NewSource(api *tg.Client, lim *throttle.Throttler, ref resolver.ChannelRef) *Source {
	return &Source{api: api, lim: lim, ref: ref}
}

// Ref возвращает запись канала-источника.
func (s *Source) Ref() resolver.ChannelRef { return s.ref }

// invoke выполняет RPC-вызов через троттлер, если тот задан.
func (s *Source) invoke(ctx context.Context, fn func() error) error {
	if s.lim == nil {
		return fn()
	}
	return s.lim.Do(ctx, fn)
}

// History листает историю канала и возвращает дескрипторы групп в порядке
// возрастания первого id — в этом же порядке их доставляет конвейер.
// Сервер отдаёт историю от новых к старым, поэтому сбор идёт сверху вниз,
// а результат переворачивается сортировкой.
func (s *Source) History(ctx context.Context, opts HistoryOptions) ([]GroupID, error) {
	var (
		out        []GroupID
		seenAlbums = make(map[int64]struct{})
		offsetID   = 0
	)
	if opts.EndID > 0 {
		// OffsetID отдаёт сообщения строго старше, поэтому для включения
		// верхней границы сдвигаемся на единицу вверх.
		offsetID = opts.EndID + 1
	}

pages:
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgs, err := s.historyPage(ctx, offsetID)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			break
		}

		for _, m := range msgs {
			offsetID = m.ID
			if opts.StartID > 0 && m.ID < opts.StartID {
				break pages
			}
			if opts.EndID > 0 && m.ID > opts.EndID {
				continue
			}
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break pages
			}

			group, ok, err := s.classify(ctx, m, opts, seenAlbums)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, group)
			}
		}

		if len(msgs) < historyPageSize {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].First() < out[j].First() })
	logger.Debugf("Collector: %q yielded %d groups in range [%d, %d]", s.ref.Title, len(out), opts.StartID, opts.EndID)
	return out, nil
}

// classify решает судьбу одного сообщения истории: пропуск, одиночная
// группа или атомарная сборка альбома при первой встрече его участника.
func (s *Source) classify(ctx context.Context, m *tg.Message, opts HistoryOptions, seenAlbums map[int64]struct{}) (GroupID, bool, error) {
	if m.GroupedID == 0 {
		if !KindAllowed(m, opts.Kinds) {
			return GroupID{}, false, nil
		}
		if opts.Skip != nil && opts.Skip([]int{m.ID}) {
			return GroupID{}, false, nil
		}
		return GroupID{MessageIDs: []int{m.ID}}, true, nil
	}

	if _, seen := seenAlbums[m.GroupedID]; seen {
		return GroupID{}, false, nil
	}
	seenAlbums[m.GroupedID] = struct{}{}

	members, err := s.AlbumMembers(ctx, m)
	if err != nil {
		return GroupID{}, false, err
	}
	kept := make([]int, 0, len(members))
	for _, member := range members {
		if KindAllowed(member, opts.Kinds) {
			kept = append(kept, member.ID)
		}
	}
	if len(kept) == 0 {
		return GroupID{}, false, nil
	}
	if opts.Skip != nil && opts.Skip(kept) {
		return GroupID{}, false, nil
	}
	return GroupID{AlbumID: m.GroupedID, MessageIDs: kept}, true, nil
}

// historyPage выгребает одну страницу истории по смещению.
func (s *Source) historyPage(ctx context.Context, offsetID int) ([]*tg.Message, error) {
	var resp tg.MessagesMessagesClass
	err := s.invoke(ctx, func() error {
		var rpcErr error
		resp, rpcErr = s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     s.ref.InputPeer(),
			OffsetID: offsetID,
			Limit:    historyPageSize,
		})
		return rpcErr
	})
	if err != nil {
		return nil, errors.Wrap(err, "get history")
	}
	return plainMessages(resp), nil
}

// AlbumMembers атомарно собирает весь альбом вокруг одного его участника:
// выкачивает окно ±9 сообщений и оставляет совпадающий grouped id.
// Результат отсортирован по возрастанию id.
func (s *Source) AlbumMembers(ctx context.Context, m *tg.Message) ([]*tg.Message, error) {
	low := m.ID - albumRadius
	if low < 1 {
		low = 1
	}
	ids := make([]int, 0, 2*albumRadius+1)
	for id := low; id <= m.ID+albumRadius; id++ {
		ids = append(ids, id)
	}

	window, err := s.FetchMessages(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "fetch album window")
	}

	members := make([]*tg.Message, 0, 10)
	for _, candidate := range window {
		if candidate.GroupedID == m.GroupedID {
			members = append(members, candidate)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	if len(members) == 0 {
		// Окно не вернуло даже исходное сообщение — отдаём хотя бы его.
		members = append(members, m)
	}
	return members, nil
}

// FetchMessages выкачивает полные сообщения по идентификаторам. Отсутствующие
// и служебные записи молча пропускаются; порядок — по возрастанию id.
func (s *Source) FetchMessages(ctx context.Context, ids []int) ([]*tg.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	inputIDs := make([]tg.InputMessageClass, 0, len(ids))
	for _, id := range ids {
		inputIDs = append(inputIDs, &tg.InputMessageID{ID: id})
	}

	var resp tg.MessagesMessagesClass
	err := s.invoke(ctx, func() error {
		var rpcErr error
		if channel, ok := s.ref.InputChannel(); ok {
			resp, rpcErr = s.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
				Channel: channel,
				ID:      inputIDs,
			})
			return rpcErr
		}
		resp, rpcErr = s.api.MessagesGetMessages(ctx, inputIDs)
		return rpcErr
	})
	if err != nil {
		return nil, errors.Wrap(err, "get messages")
	}

	out := plainMessages(resp)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FetchGroup выкачивает сообщения дескриптора и собирает готовую группу.
func (s *Source) FetchGroup(ctx context.Context, id GroupID) (Group, error) {
	msgs, err := s.FetchMessages(ctx, id.MessageIDs)
	if err != nil {
		return Group{}, err
	}
	if len(msgs) == 0 {
		return Group{}, errors.Errorf("messages %v are gone from channel %q", id.MessageIDs, s.ref.Title)
	}
	return BuildGroup(s.ref, id.AlbumID, msgs), nil
}

// KindAllowed проверяет вид медиа сообщения против разрешённого множества.
// Пустое множество разрешает всё, включая чисто текстовые сообщения.
func KindAllowed(m *tg.Message, kinds map[media.Kind]struct{}) bool {
	if len(kinds) == 0 {
		return true
	}
	info, ok := media.FromMessage(m)
	if !ok {
		return false
	}
	_, allowed := kinds[info.Kind]
	return allowed
}

// plainMessages извлекает обычные сообщения из любого варианта ответа
// messages.*: служебные и пустые записи отбрасываются.
func plainMessages(resp tg.MessagesMessagesClass) []*tg.Message {
	var raw []tg.MessageClass
	switch v := resp.(type) {
	case *tg.MessagesMessages:
		raw = v.Messages
	case *tg.MessagesMessagesSlice:
		raw = v.Messages
	case *tg.MessagesChannelMessages:
		raw = v.Messages
	default:
		return nil
	}

	out := make([]*tg.Message, 0, len(raw))
	for _, mc := range raw {
		if m, ok := mc.(*tg.Message); ok {
			out = append(out, m)
		}
	}
	return out
}
