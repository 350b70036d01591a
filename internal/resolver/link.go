// Package resolver — перевод пользовательских идентификаторов каналов в
// канонические записи с числовым id, access hash и признаком «можно ли
// форвардить». Держит TTL-кэш разрешённых каналов и умеет прогревать его
// диалогами аккаунта, потому что приватные каналы по голому id без access
// hash не разрешаются в принципе.
package resolver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// LinkType — вид распознанного идентификатора.
type LinkType int8

// Формы идентификаторов в порядке приоритета распознавания.
const (
	LinkNumeric        LinkType = iota // 1234567890, -1001234567890
	LinkUsername                       // @name или просто name
	LinkPublic                         // t.me/name
	LinkMessage                        // t.me/name/123
	LinkPrivate                        // t.me/c/1234567890
	LinkPrivateMessage                 // t.me/c/1234567890/123
	LinkInvite                         // t.me/+code, t.me/joinchat/code, +code
)

// String возвращает имя формы для логов и ошибок.
func (t LinkType) String() string {
	switch t {
	case LinkNumeric:
		return "numeric"
	case LinkUsername:
		return "username"
	case LinkPublic:
		return "public link"
	case LinkMessage:
		return "message link"
	case LinkPrivate:
		return "private link"
	case LinkPrivateMessage:
		return "private message link"
	case LinkInvite:
		return "invite link"
	default:
		return fmt.Sprintf("link(%d)", int(t))
	}
}

// Link — разобранный идентификатор канала. Заполнены только поля,
// осмысленные для конкретного Type.
type Link struct {
	Type       LinkType
	ID         int64  // Numeric: число как дал пользователь; Private*: внутренний id канала
	Username   string // Username/Public/Message: имя в нижнем регистре, без @
	MessageID  int    // Message/PrivateMessage: id сообщения
	InviteCode string // Invite: код приглашения (регистр значим)
}

// usernameRe описывает допустимое публичное имя: латиница, цифры,
// подчёркивание, первая буква — латинская, длина 4–32.
var usernameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{3,31}$`)

// linkHosts — хосты, распознаваемые как телеграмовские ссылки.
var linkHosts = map[string]struct{}{
	"t.me":            {},
	"telegram.me":     {},
	"telegram.dog":    {},
	"www.t.me":        {},
	"www.telegram.me": {},
}

// Parse разбирает идентификатор канала в любой из принимаемых форм.
// Порядок распознавания: число → @username → +код приглашения → ссылка
// t.me/... → голый username. Имя пользователя нормализуется к нижнему
// регистру (Telegram к регистру нечувствителен), код приглашения — нет.
func Parse(identifier string) (Link, error) {
	s := strings.TrimSpace(identifier)
	if s == "" {
		return Link{}, fmt.Errorf("empty channel identifier")
	}

	// Числовой id: как положительный внутренний, так и маркированный (-100...).
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v == 0 {
			return Link{}, fmt.Errorf("channel id cannot be zero")
		}
		return Link{Type: LinkNumeric, ID: v}, nil
	}

	// Явное имя с собакой.
	if name, ok := strings.CutPrefix(s, "@"); ok {
		return parseUsername(name)
	}

	// Короткая форма инвайта: "+code".
	if code, ok := strings.CutPrefix(s, "+"); ok {
		return parseInvite(code)
	}

	// Ссылки t.me и синонимы.
	if link, ok, err := parseURL(s); ok {
		return link, err
	}

	// Последний шанс: голое публичное имя.
	return parseUsername(s)
}

// parseUsername валидирует и нормализует публичное имя.
func parseUsername(name string) (Link, error) {
	name = strings.TrimSpace(name)
	if !usernameRe.MatchString(name) {
		return Link{}, fmt.Errorf("invalid username %q", name)
	}
	return Link{Type: LinkUsername, Username: strings.ToLower(name)}, nil
}

// parseInvite валидирует код приглашения. Регистр сохраняется: коды чувствительны.
func parseInvite(code string) (Link, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.ContainsAny(code, "/ ") {
		return Link{}, fmt.Errorf("invalid invite code %q", code)
	}
	return Link{Type: LinkInvite, InviteCode: code}, nil
}

// parseURL разбирает ссылку вида [https://]t.me/<...>. Возвращает ok=false,
// если строка вообще не похожа на телеграмовскую ссылку — тогда вызывающий
// код пробует другие формы.
func parseURL(s string) (Link, bool, error) {
	trimmed := s
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(trimmed, scheme); ok {
			trimmed = rest
			break
		}
	}

	// Отрезаем query и fragment: ?single, ?comment=, #якоря.
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.Trim(trimmed, "/")

	host, path, found := strings.Cut(trimmed, "/")
	if _, known := linkHosts[strings.ToLower(host)]; !known {
		return Link{}, false, nil
	}
	if !found || path == "" {
		return Link{}, true, fmt.Errorf("link %q has no channel part", s)
	}

	segs := strings.Split(path, "/")
	switch {
	case segs[0] == "c":
		return parsePrivatePath(s, segs[1:])

	case segs[0] == "joinchat":
		if len(segs) != 2 {
			return Link{}, true, fmt.Errorf("invalid invite link %q", s)
		}
		link, err := parseInvite(segs[1])
		return link, true, err

	case strings.HasPrefix(segs[0], "+"):
		link, err := parseInvite(strings.TrimPrefix(segs[0], "+"))
		return link, true, err

	default:
		return parsePublicPath(s, segs)
	}
}

// parsePrivatePath разбирает хвост приватной ссылки t.me/c/<id>[/<msg>].
func parsePrivatePath(raw string, segs []string) (Link, bool, error) {
	if len(segs) == 0 || len(segs) > 2 {
		return Link{}, true, fmt.Errorf("invalid private link %q", raw)
	}
	id, err := strconv.ParseInt(segs[0], 10, 64)
	if err != nil || id <= 0 {
		return Link{}, true, fmt.Errorf("invalid channel id in private link %q", raw)
	}
	if len(segs) == 1 {
		return Link{Type: LinkPrivate, ID: id}, true, nil
	}
	msgID, err := strconv.Atoi(segs[1])
	if err != nil || msgID <= 0 {
		return Link{}, true, fmt.Errorf("invalid message id in private link %q", raw)
	}
	return Link{Type: LinkPrivateMessage, ID: id, MessageID: msgID}, true, nil
}

// parsePublicPath разбирает хвост публичной ссылки t.me/<name>[/<msg>].
func parsePublicPath(raw string, segs []string) (Link, bool, error) {
	if len(segs) > 2 {
		return Link{}, true, fmt.Errorf("invalid public link %q", raw)
	}
	base, err := parseUsername(segs[0])
	if err != nil {
		return Link{}, true, fmt.Errorf("invalid username in link %q", raw)
	}
	if len(segs) == 1 {
		base.Type = LinkPublic
		return base, true, nil
	}
	msgID, err := strconv.Atoi(segs[1])
	if err != nil || msgID <= 0 {
		return Link{}, true, fmt.Errorf("invalid message id in link %q", raw)
	}
	base.Type = LinkMessage
	base.MessageID = msgID
	return base, true, nil
}

// Format восстанавливает каноническую строку идентификатора. Пара
// Parse/Format замкнута: Parse(Format(l)) возвращает тот же Link.
func Format(l Link) string {
	switch l.Type {
	case LinkNumeric:
		return strconv.FormatInt(l.ID, 10)
	case LinkUsername:
		return "@" + l.Username
	case LinkPublic:
		return "https://t.me/" + l.Username
	case LinkMessage:
		return "https://t.me/" + l.Username + "/" + strconv.Itoa(l.MessageID)
	case LinkPrivate:
		return "https://t.me/c/" + strconv.FormatInt(l.ID, 10)
	case LinkPrivateMessage:
		return "https://t.me/c/" + strconv.FormatInt(l.ID, 10) + "/" + strconv.Itoa(l.MessageID)
	case LinkInvite:
		return "https://t.me/+" + l.InviteCode
	default:
		return ""
	}
}

// ParseMessageLink разбирает ссылку на конкретное сообщение и возвращает
// идентификатор канала без номера сообщения плюс сам номер. Чистая текстовая
// операция без обращений к сети.
func ParseMessageLink(identifier string) (channel Link, msgID int, err error) {
	link, err := Parse(identifier)
	if err != nil {
		return Link{}, 0, err
	}
	switch link.Type {
	case LinkMessage:
		return Link{Type: LinkPublic, Username: link.Username}, link.MessageID, nil
	case LinkPrivateMessage:
		return Link{Type: LinkPrivate, ID: link.ID}, link.MessageID, nil
	default:
		return Link{}, 0, fmt.Errorf("%q is not a message link", identifier)
	}
}
