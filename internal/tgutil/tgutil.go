// Package tgutil — маленькие хелперы поверх сырых типов gotd/td.
// Нормализация peer-идентификаторов, разбор ответов Updates и классификация
// ошибок Telegram API, нужных движку пересылки (FLOOD_WAIT, запрет форварда).
package tgutil

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-forwarder/internal/shared"
)

// GetPeerID нормализует получателя до его числового идентификатора (user/chat/channel).
// Возвращает 0 для неизвестного типа peer. Удобно для сопоставления фильтров по источникам.
func GetPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// InputPeerID извлекает числовой идентификатор из InputPeer.
// Self и Empty дают 0: для ключей кэша и логов этого достаточно.
func InputPeerID(peer tg.InputPeerClass) int64 {
	switch p := peer.(type) {
	case *tg.InputPeerUser:
		return p.UserID
	case *tg.InputPeerChat:
		return p.ChatID
	case *tg.InputPeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// FloodWaitExtractor разбирает ошибку Telegram API и возвращает паузу для
// FLOOD_WAIT_N. К серверному значению добавляется случайный довесок до трёх
// секунд, чтобы параллельные воркеры не проснулись одновременно и не
// спровоцировали повторный флуд-бан.
func FloodWaitExtractor(err error) (time.Duration, bool) {
	d, ok := tgerr.AsFloodWait(err)
	if !ok {
		return 0, false
	}
	return d + time.Duration(shared.Random(0, 3000))*time.Millisecond, true
}

// IsForwardsRestricted сообщает, что сервер отверг нативный форвард из-за
// защищённого контента. Сигнал для перехода на деградацию: скачать и
// перезалить файл вместо forwardMessages.
func IsForwardsRestricted(err error) bool {
	return tgerr.Is(err, "CHAT_FORWARDS_RESTRICTED")
}

// MessagesFromUpdates вытаскивает новые сообщения из ответа Updates на
// forwardMessages / sendMultiMedia. Порядок — по возрастанию ID, как их
// создал сервер. Короткие варианты Updates сообщений не несут и дают nil.
func MessagesFromUpdates(u tg.UpdatesClass) []*tg.Message {
	var ups []tg.UpdateClass
	switch v := u.(type) {
	case *tg.Updates:
		ups = v.Updates
	case *tg.UpdatesCombined:
		ups = v.Updates
	default:
		return nil
	}
	var out []*tg.Message
	for _, up := range ups {
		var mc tg.MessageClass
		switch m := up.(type) {
		case *tg.UpdateNewMessage:
			mc = m.Message
		case *tg.UpdateNewChannelMessage:
			mc = m.Message
		case *tg.UpdateNewScheduledMessage:
			mc = m.Message
		default:
			continue
		}
		if msg, ok := mc.(*tg.Message); ok {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MessageIDsFromUpdates — как MessagesFromUpdates, но возвращает только ID.
func MessageIDsFromUpdates(u tg.UpdatesClass) []int {
	msgs := MessagesFromUpdates(u)
	ids := make([]int, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

// randomIDMask ограничивает random_id до int63: Telegram требует
// значение в [1, 2^63-1], ноль недопустим.
const randomIDMask = (1 << 63) - 1

// DeterministicRandomID хэширует части FNV-1a и проецирует в допустимый для
// Telegram диапазон random_id. Одни и те же части дают один и тот же id,
// поэтому сервер дедуплицирует повторную отправку после сетевого ретрая.
func DeterministicRandomID(parts ...uint64) int64 {
	hasher := fnv.New64a()
	var buf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(buf[:], part)
		_, _ = hasher.Write(buf[:])
	}
	value := hasher.Sum64() & randomIDMask
	if value == 0 {
		value = 1
	}
	return int64(value) // #nosec G115 -- маска выше гарантирует диапазон int63
}

// HashPart сворачивает строку в вклад для DeterministicRandomID.
func HashPart(s string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(s))
	return hasher.Sum64()
}
